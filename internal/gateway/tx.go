package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/pbaille/arq/internal/domain"
)

const (
	cacheKindTx   = "tx"
	cacheKindData = "data"
)

var (
	ErrInvalidTxID = errors.New("gateway: invalid transaction id")

	txIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{43}$`)
)

// ValidateTxID checks the 43-character base64url form of a transaction id
func ValidateTxID(id string) error {
	if !txIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidTxID, id)
	}
	return nil
}

// RawTransaction is the body of GET /tx/{id}
type RawTransaction struct {
	Format    int      `json:"format"`
	ID        string   `json:"id"`
	LastTx    string   `json:"last_tx"`
	Owner     string   `json:"owner"`
	Tags      []RawTag `json:"tags"`
	Target    string   `json:"target"`
	Quantity  string   `json:"quantity"`
	DataSize  string   `json:"data_size"`
	DataRoot  string   `json:"data_root"`
	Reward    string   `json:"reward"`
	Signature string   `json:"signature"`
}

// RawTag holds a base64url-encoded name and value
type RawTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// DecodedTags decodes every tag
func (t *RawTransaction) DecodedTags() ([]domain.Tag, error) {
	tags := make([]domain.Tag, 0, len(t.Tags))
	for _, raw := range t.Tags {
		name, err := decodeB64URL(raw.Name)
		if err != nil {
			return nil, fmt.Errorf("decode tag name: %w", err)
		}
		value, err := decodeB64URL(raw.Value)
		if err != nil {
			return nil, fmt.Errorf("decode tag %s: %w", name, err)
		}
		tags = append(tags, domain.NewTag(string(name), string(value)))
	}
	return tags, nil
}

// OwnerAddress derives the wallet address from the owner's public modulus
func (t *RawTransaction) OwnerAddress() (string, error) {
	return OwnerAddress(t.Owner)
}

// OwnerAddress is base64url(sha256(modulus)) for a base64url modulus
func OwnerAddress(modulus string) (string, error) {
	if modulus == "" {
		return "", fmt.Errorf("empty owner")
	}
	raw, err := decodeB64URL(modulus)
	if err != nil {
		return "", fmt.Errorf("decode owner: %w", err)
	}
	sum := sha256.Sum256(raw)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

func decodeB64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(trimPadding(s))
}

func trimPadding(s string) string {
	for len(s) > 0 && s[len(s)-1] == '=' {
		s = s[:len(s)-1]
	}
	return s
}

// Transaction fetches GET /tx/{id}. A missing transaction is ErrNotFound.
func (c *Client) Transaction(ctx context.Context, id string) (*RawTransaction, error) {
	if err := ValidateTxID(id); err != nil {
		return nil, err
	}
	body, err := c.cached(cacheKindTx, id, func() ([]byte, error) {
		return c.get(ctx, "tx", "/tx/"+id)
	})
	if err != nil {
		return nil, err
	}

	var tx RawTransaction
	if err := json.Unmarshal(body, &tx); err != nil {
		return nil, fmt.Errorf("unmarshal transaction %s: %w", id, err)
	}
	return &tx, nil
}

// Data fetches the payload of a transaction, GET /{id}
func (c *Client) Data(ctx context.Context, id string) ([]byte, error) {
	if err := ValidateTxID(id); err != nil {
		return nil, err
	}
	return c.cached(cacheKindData, id, func() ([]byte, error) {
		return c.get(ctx, "data", "/"+id)
	})
}

func (c *Client) get(ctx context.Context, endpoint, path string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, c.endpoint(path), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	code, body, err := c.do(ctx, endpoint, req)
	if err != nil {
		return nil, err
	}
	switch code {
	case http.StatusOK:
		return body, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("%s %s: %w", endpoint, path, ErrNotFound)
	}
	return nil, &HTTPError{Endpoint: endpoint, Code: code, Body: truncate(string(body), 200)}
}

// StatusResponse is the result of GET /tx/{id}/status. Code is 200, 202 or
// 404; Confirmed is set only for 200.
type StatusResponse struct {
	Code      int
	Confirmed *Confirmed
}

type Confirmed struct {
	BlockHeight           int64  `json:"block_height"`
	BlockIndepHash        string `json:"block_indep_hash"`
	NumberOfConfirmations int    `json:"number_of_confirmations"`
}

// Status fetches the confirmation state of a transaction. 404 is a normal
// result here, not an error.
func (c *Client) Status(ctx context.Context, id string) (*StatusResponse, error) {
	if err := ValidateTxID(id); err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodGet, c.endpoint("/tx/"+id+"/status"), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	code, body, err := c.do(ctx, "status", req)
	if err != nil {
		return nil, err
	}

	switch code {
	case http.StatusOK:
		var conf Confirmed
		if err := json.Unmarshal(body, &conf); err != nil {
			return nil, fmt.Errorf("unmarshal status %s: %w", id, err)
		}
		return &StatusResponse{Code: code, Confirmed: &conf}, nil
	case http.StatusAccepted, http.StatusNotFound:
		return &StatusResponse{Code: code}, nil
	}
	return nil, &HTTPError{Endpoint: "status", Code: code, Body: truncate(string(body), 200)}
}
