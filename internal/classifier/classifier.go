package classifier

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultSafeConfirmations is the confirmation depth treated as final
const DefaultSafeConfirmations = 15

// Gateway status codes the classifier understands
const (
	CodeNone     = 0
	CodeMined    = 200
	CodePending  = 202
	CodeNotFound = 404
)

var ErrUnknownStatus = errors.New("classifier: unknown status code")

// Level is the consistency level of a transaction
type Level int

const (
	Unknown Level = iota
	Pending
	Mined
	Confirmed
	Failed
)

func (l Level) String() string {
	switch l {
	case Pending:
		return "Pending"
	case Mined:
		return "Mined"
	case Confirmed:
		return "Confirmed"
	case Failed:
		return "Failed"
	}
	return "Unknown"
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// ParseLevel parses a level name, case-insensitively
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "pending":
		return Pending, nil
	case "mined":
		return Mined, nil
	case "confirmed":
		return Confirmed, nil
	case "failed":
		return Failed, nil
	case "unknown", "":
		return Unknown, nil
	}
	return Unknown, fmt.Errorf("classifier: invalid level %q", s)
}

// Status is the derived confirmation state of one transaction.
// Code is CodeNone until a status fetch has happened.
type Status struct {
	Code          int    `json:"code,omitempty"`
	Confirmations *int   `json:"confirmations"`
	BlockHeight   *int64 `json:"block_height,omitempty"`
	Level         Level  `json:"level"`
	Note          string `json:"note,omitempty"`
}

// Classify maps a status code and confirmation count to a Level.
// A missing code counts as not found.
func Classify(code, confirmations, safe int) (Level, error) {
	switch code {
	case CodeNone, CodeNotFound:
		return Failed, nil
	case CodePending:
		return Pending, nil
	case CodeMined:
		if confirmations >= safe {
			return Confirmed, nil
		}
		return Mined, nil
	}
	return Unknown, fmt.Errorf("%w: %d", ErrUnknownStatus, code)
}

// NewStatus classifies code and confirmations into a Status
func NewStatus(code int, confirmations *int, height *int64, safe int) (Status, error) {
	n := 0
	if confirmations != nil {
		n = *confirmations
	}
	level, err := Classify(code, n, safe)
	if err != nil {
		return Status{Code: code, Confirmations: confirmations, BlockHeight: height}, err
	}
	return Status{Code: code, Confirmations: confirmations, BlockHeight: height, Level: level}, nil
}
