// Package ledger models transactions as read back from a gateway and the
// ordered sets the query engine assembles from them.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/pbaille/arq/internal/classifier"
	"github.com/pbaille/arq/internal/domain"
	"github.com/pbaille/arq/internal/gateway"
	"github.com/pbaille/arq/internal/logging"
)

var ErrIntegrity = errors.New("ledger: integrity violation")

// Kind separates ArFS metadata transactions from everything else
type Kind int

const (
	KindData Kind = iota
	KindMetadata
)

func (k Kind) String() string {
	if k == KindMetadata {
		return "metadata"
	}
	return "data"
}

// SourceState tracks which partial views have been merged into a Record
type SourceState int

const (
	Unfetched SourceState = iota
	IndexOnly
	DirectOnly
	Merged
)

func (s SourceState) String() string {
	switch s {
	case IndexOnly:
		return "index-only"
	case DirectOnly:
		return "direct-only"
	case Merged:
		return "merged"
	}
	return "unfetched"
}

func (s SourceState) hasIndex() bool  { return s == IndexOnly || s == Merged }
func (s SourceState) hasDirect() bool { return s == DirectOnly || s == Merged }

// BlockInfo locates a mined transaction
type BlockInfo struct {
	ID        string    `json:"id"`
	Height    int64     `json:"height"`
	Timestamp time.Time `json:"timestamp"`
}

// Amount is a value in winston with its AR rendering, when known
type Amount struct {
	Winston *big.Int `json:"winston,omitempty"`
	AR      string   `json:"ar,omitempty"`
}

// fields is one partial or merged view of a transaction. Zero values mean
// "not provided by this source".
type fields struct {
	id         string
	owner      string
	recipient  string
	fee        *big.Int
	feeAR      string
	quantity   *big.Int
	quantityAR string
	dataSize   *int64
	block      *BlockInfo
	tags       *domain.TagSet
	bundledIn  string
	anchor     string
	format     int
	dataRoot   string
}

// merge combines two partial views. A field both sides set must agree.
func merge(cur, in fields) (fields, error) {
	var conflicts []string
	str := func(name string, a *string, b string) {
		switch {
		case b == "":
		case *a == "":
			*a = b
		case *a != b:
			conflicts = append(conflicts, fmt.Sprintf("%s %q != %q", name, *a, b))
		}
	}
	num := func(name string, a **big.Int, b *big.Int) {
		switch {
		case b == nil:
		case *a == nil:
			*a = b
		case (*a).Cmp(b) != 0:
			conflicts = append(conflicts, fmt.Sprintf("%s %s != %s", name, *a, b))
		}
	}

	out := cur
	str("id", &out.id, in.id)
	str("owner", &out.owner, in.owner)
	str("recipient", &out.recipient, in.recipient)
	str("anchor", &out.anchor, in.anchor)
	str("bundledIn", &out.bundledIn, in.bundledIn)
	str("dataRoot", &out.dataRoot, in.dataRoot)
	str("feeAR", &out.feeAR, in.feeAR)
	str("quantityAR", &out.quantityAR, in.quantityAR)
	num("fee", &out.fee, in.fee)
	num("quantity", &out.quantity, in.quantity)

	switch {
	case in.dataSize == nil:
	case out.dataSize == nil:
		out.dataSize = in.dataSize
	case *out.dataSize != *in.dataSize:
		conflicts = append(conflicts, fmt.Sprintf("dataSize %d != %d", *out.dataSize, *in.dataSize))
	}

	switch {
	case in.format == 0:
	case out.format == 0:
		out.format = in.format
	case out.format != in.format:
		conflicts = append(conflicts, fmt.Sprintf("format %d != %d", out.format, in.format))
	}

	switch {
	case in.block == nil:
	case out.block == nil:
		out.block = in.block
	case *out.block != *in.block:
		conflicts = append(conflicts, fmt.Sprintf("block %s@%d != %s@%d", out.block.ID, out.block.Height, in.block.ID, in.block.Height))
	}

	switch {
	case in.tags == nil:
	case out.tags == nil:
		out.tags = in.tags
	case !out.tags.Equal(in.tags):
		conflicts = append(conflicts, "tags differ")
	}

	if len(conflicts) > 0 {
		return cur, fmt.Errorf("%w: %s", ErrIntegrity, strings.Join(conflicts, "; "))
	}
	return out, nil
}

// Record is one transaction assembled from the index, a direct fetch and a
// status fetch. It is owned by a single caller and not safe for concurrent
// mutation.
type Record struct {
	f      fields
	state  SourceState
	status classifier.Status
	log    *slog.Logger
}

// NewRecord creates an unfetched record. id may be empty.
func NewRecord(id string, log *slog.Logger) *Record {
	if log == nil {
		log = logging.Default()
	}
	return &Record{f: fields{id: id}, log: log}
}

// RecordFromEdge builds a record from one index edge
func RecordFromEdge(edge gateway.Edge, log *slog.Logger) (*Record, error) {
	r := NewRecord("", log)
	if err := r.SetFromIndexEdge(edge); err != nil {
		return nil, err
	}
	return r, nil
}

// SetFromIndexEdge merges the fields the index reports. It is a no-op once
// index data has been merged.
func (r *Record) SetFromIndexEdge(edge gateway.Edge) error {
	if r.state.hasIndex() {
		return nil
	}
	in, err := fieldsFromNode(edge.Node)
	if err != nil {
		return err
	}
	if err := r.apply(in, "index"); err != nil {
		return err
	}
	if r.state == DirectOnly {
		r.state = Merged
	} else {
		r.state = IndexOnly
	}
	return nil
}

// SetFromDirectFetch merges the fields of a raw transaction. It is a no-op
// once direct-fetch data has been merged.
func (r *Record) SetFromDirectFetch(raw gateway.RawTransaction) error {
	if r.state.hasDirect() {
		return nil
	}
	in, err := fieldsFromRaw(raw)
	if err != nil {
		return err
	}
	if err := r.apply(in, "direct"); err != nil {
		return err
	}
	if r.state == IndexOnly {
		r.state = Merged
	} else {
		r.state = DirectOnly
	}
	return nil
}

func (r *Record) apply(in fields, source string) error {
	if r.f.id != "" && in.id != r.f.id {
		r.log.Error("transaction id mismatch, refusing to merge", "have", r.f.id, "got", in.id, "source", source)
		return fmt.Errorf("%w: %s source reports id %s for record %s", ErrIntegrity, source, in.id, r.f.id)
	}
	merged, err := merge(r.f, in)
	if err != nil {
		r.log.Error("conflicting transaction fields", "id", in.id, "source", source, "error", err)
		return err
	}
	r.f = merged
	return nil
}

func fieldsFromNode(n gateway.Node) (fields, error) {
	if n.ID == "" {
		return fields{}, fmt.Errorf("%w: index edge without id", ErrIntegrity)
	}
	f := fields{
		id:         n.ID,
		owner:      n.Owner.Address,
		recipient:  n.Recipient,
		anchor:     n.Anchor,
		feeAR:      n.Fee.AR,
		quantityAR: n.Quantity.AR,
	}
	var err error
	if f.fee, err = parseWinston(n.Fee.Winston); err != nil {
		return fields{}, fmt.Errorf("fee of %s: %w", n.ID, err)
	}
	if f.quantity, err = parseWinston(n.Quantity.Winston); err != nil {
		return fields{}, fmt.Errorf("quantity of %s: %w", n.ID, err)
	}
	if f.dataSize, err = parseSize(n.Data.Size); err != nil {
		return fields{}, fmt.Errorf("data size of %s: %w", n.ID, err)
	}
	if n.Block != nil {
		f.block = &BlockInfo{
			ID:        n.Block.ID,
			Height:    n.Block.Height,
			Timestamp: time.Unix(n.Block.Timestamp, 0).UTC(),
		}
	}
	if n.BundledIn != nil {
		f.bundledIn = n.BundledIn.ID
	}
	f.tags = domain.NewTagSet(0)
	for _, t := range n.Tags {
		f.tags.Add(domain.NewTag(t.Name, t.Value), true)
	}
	return f, nil
}

func fieldsFromRaw(raw gateway.RawTransaction) (fields, error) {
	if raw.ID == "" {
		return fields{}, fmt.Errorf("%w: raw transaction without id", ErrIntegrity)
	}
	f := fields{
		id:        raw.ID,
		recipient: raw.Target,
		anchor:    raw.LastTx,
		format:    raw.Format,
		dataRoot:  raw.DataRoot,
	}
	var err error
	if raw.Owner != "" {
		if f.owner, err = gateway.OwnerAddress(raw.Owner); err != nil {
			return fields{}, fmt.Errorf("owner of %s: %w", raw.ID, err)
		}
	}
	if f.fee, err = parseWinston(raw.Reward); err != nil {
		return fields{}, fmt.Errorf("reward of %s: %w", raw.ID, err)
	}
	if f.quantity, err = parseWinston(raw.Quantity); err != nil {
		return fields{}, fmt.Errorf("quantity of %s: %w", raw.ID, err)
	}
	if f.dataSize, err = parseSize(raw.DataSize); err != nil {
		return fields{}, fmt.Errorf("data size of %s: %w", raw.ID, err)
	}
	tags, err := raw.DecodedTags()
	if err != nil {
		return fields{}, fmt.Errorf("tags of %s: %w", raw.ID, err)
	}
	f.tags = domain.NewTagSet(0)
	for _, t := range tags {
		f.tags.Add(t, true)
	}
	return f, nil
}

func parseWinston(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid winston amount %q", s)
	}
	return v, nil
}

func parseSize(s string) (*int64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return &v, nil
}

// StatusSource fetches confirmation state for one transaction
type StatusSource interface {
	Status(ctx context.Context, id string) (*gateway.StatusResponse, error)
}

// IndexLookup reports whether the index knows a transaction
type IndexLookup interface {
	TransactionIndexed(ctx context.Context, id string) (bool, error)
}

const noteBundled = "not retrievable by direct lookup but present in the index (bundled)"

// RefreshStatus fetches and classifies the confirmation status. A 404 is
// checked against the index before it is reported as Failed, since items
// inside a bundle are unknown to the status endpoint.
func (r *Record) RefreshStatus(ctx context.Context, src StatusSource, idx IndexLookup, safe int) error {
	if r.f.id == "" {
		return fmt.Errorf("%w: status refresh on a record without id", ErrIntegrity)
	}
	resp, err := src.Status(ctx, r.f.id)
	if err != nil {
		return fmt.Errorf("status of %s: %w", r.f.id, err)
	}

	if resp.Code == classifier.CodeNotFound {
		indexed := r.state.hasIndex()
		if !indexed && idx != nil {
			if indexed, err = idx.TransactionIndexed(ctx, r.f.id); err != nil {
				return fmt.Errorf("index lookup of %s: %w", r.f.id, err)
			}
		}
		if indexed {
			// TODO: once the gateway owners settle how bundled items should be
			// reported, synthesize Mined/Confirmed from the index block height
			// instead of holding them at Pending.
			r.status = classifier.Status{Code: resp.Code, Level: classifier.Pending, Note: noteBundled}
			if r.f.block != nil {
				h := r.f.block.Height
				r.status.BlockHeight = &h
			}
			r.log.Debug("status 404 for indexed transaction", "id", r.f.id, "bundledIn", r.f.bundledIn)
			return nil
		}
	}

	var confirmations *int
	var height *int64
	if resp.Confirmed != nil {
		n := resp.Confirmed.NumberOfConfirmations
		h := resp.Confirmed.BlockHeight
		confirmations, height = &n, &h
	}
	st, err := classifier.NewStatus(resp.Code, confirmations, height, safe)
	if err != nil {
		return fmt.Errorf("status of %s: %w", r.f.id, err)
	}
	r.status = st
	return nil
}

// IsNewerThan compares block heights strictly. An unmined transaction on
// either side is never newer.
func (r *Record) IsNewerThan(o *Record) bool {
	a, okA := r.Height()
	b, okB := o.Height()
	return okA && okB && a > b
}

// IsOlderThan compares block heights strictly. An unmined transaction on
// either side is never older.
func (r *Record) IsOlderThan(o *Record) bool {
	a, okA := r.Height()
	b, okB := o.Height()
	return okA && okB && a < b
}

func (r *Record) ID() string                { return r.f.id }
func (r *Record) Owner() string             { return r.f.owner }
func (r *Record) Recipient() string         { return r.f.recipient }
func (r *Record) Fee() Amount               { return Amount{Winston: r.f.fee, AR: r.f.feeAR} }
func (r *Record) Quantity() Amount          { return Amount{Winston: r.f.quantity, AR: r.f.quantityAR} }
func (r *Record) BundledIn() string         { return r.f.bundledIn }
func (r *Record) Anchor() string            { return r.f.anchor }
func (r *Record) Format() int               { return r.f.format }
func (r *Record) DataRoot() string          { return r.f.dataRoot }
func (r *Record) State() SourceState        { return r.state }
func (r *Record) Status() classifier.Status { return r.status }

// Tags never returns nil
func (r *Record) Tags() *domain.TagSet {
	if r.f.tags == nil {
		return domain.NewTagSet(0)
	}
	return r.f.tags
}

// Tag returns the first value of the named tag
func (r *Record) Tag(name string) string {
	return r.f.tags.Value(name)
}

// DataSize returns the payload size in bytes, if known
func (r *Record) DataSize() (int64, bool) {
	if r.f.dataSize == nil {
		return 0, false
	}
	return *r.f.dataSize, true
}

// Block is nil until the transaction is mined
func (r *Record) Block() *BlockInfo {
	return r.f.block
}

// Height returns the block height, ok is false while unmined
func (r *Record) Height() (int64, bool) {
	if r.f.block == nil {
		return 0, false
	}
	return r.f.block.Height, true
}

// Kind is KindMetadata for transactions carrying an Entity-Type tag
func (r *Record) Kind() Kind {
	if r.f.tags.Has(domain.TagEntityType) {
		return KindMetadata
	}
	return KindData
}

type recordJSON struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	Owner     string            `json:"owner,omitempty"`
	Recipient string            `json:"recipient,omitempty"`
	Fee       Amount            `json:"fee"`
	Quantity  Amount            `json:"quantity"`
	DataSize  *int64            `json:"data_size,omitempty"`
	Block     *BlockInfo        `json:"block"`
	Tags      *domain.TagSet    `json:"tags"`
	BundledIn string            `json:"bundled_in,omitempty"`
	Anchor    string            `json:"anchor,omitempty"`
	Format    int               `json:"format,omitempty"`
	DataRoot  string            `json:"data_root,omitempty"`
	Source    string            `json:"source"`
	Status    classifier.Status `json:"status"`
}

func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		ID:        r.f.id,
		Kind:      r.Kind().String(),
		Owner:     r.f.owner,
		Recipient: r.f.recipient,
		Fee:       r.Fee(),
		Quantity:  r.Quantity(),
		DataSize:  r.f.dataSize,
		Block:     r.f.block,
		Tags:      r.Tags(),
		BundledIn: r.f.bundledIn,
		Anchor:    r.f.anchor,
		Format:    r.f.format,
		DataRoot:  r.f.dataRoot,
		Source:    r.state.String(),
		Status:    r.status,
	})
}
