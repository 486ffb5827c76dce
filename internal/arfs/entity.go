// Package arfs rebuilds drives, folders and files from the chains of
// metadata transactions that describe them.
package arfs

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pbaille/arq/internal/classifier"
	"github.com/pbaille/arq/internal/domain"
	"github.com/pbaille/arq/internal/ledger"
)

var (
	ErrInvalidID = errors.New("arfs: invalid entity id")
	ErrNotFound  = errors.New("arfs: entity not found")
	// ErrInvariant means reconstruction reached a state that cannot happen
	// with well-formed input. Force never downgrades it.
	ErrInvariant = errors.New("arfs: invariant violated")
)

// Kind is the ArFS entity type
type Kind string

const (
	KindDrive  Kind = "drive"
	KindFolder Kind = "folder"
	KindFile   Kind = "file"
)

// ParseKind accepts drive, folder or file
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(s)); k {
	case KindDrive, KindFolder, KindFile:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown entity kind %q", ErrInvalidID, s)
}

// IDTag is the tag carrying this kind's entity id
func (k Kind) IDTag() string {
	switch k {
	case KindDrive:
		return domain.TagDriveID
	case KindFolder:
		return domain.TagFolderID
	}
	return domain.TagFileID
}

// TxRef points at one metadata transaction of an entity
type TxRef struct {
	TxID        string     `json:"tx_id"`
	BlockHeight *int64     `json:"block_height,omitempty"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
}

func refOf(r *ledger.Record) TxRef {
	ref := TxRef{TxID: r.ID()}
	if b := r.Block(); b != nil {
		h, ts := b.Height, b.Timestamp
		ref.BlockHeight, ref.Timestamp = &h, &ts
	}
	return ref
}

// Change is one field that differs between two metadata revisions
type Change struct {
	Field string `json:"field"`
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
}

// HistoryEntry describes one metadata transaction during replay
type HistoryEntry struct {
	TxRef
	Summary string   `json:"summary"`
	Changes []Change `json:"changes,omitempty"`
}

// Version is one distinct data transaction referenced by a file
type Version struct {
	DataTxID     string `json:"data_tx_id"`
	MetadataTxID string `json:"metadata_tx_id"`
	Size         *int64 `json:"size,omitempty"`
	BlockHeight  *int64 `json:"block_height,omitempty"`
}

// Entity is a reconstructed drive, folder or file. It is only returned
// once the owner and the first and latest transactions are known.
type Entity struct {
	Kind  Kind   `json:"kind"`
	ID    string `json:"id"`
	Owner string `json:"owner"`

	Name           string `json:"name,omitempty"`
	DriveID        string `json:"drive_id,omitempty"`
	ParentFolderID string `json:"parent_folder_id,omitempty"`
	RootFolderID   string `json:"root_folder_id,omitempty"`
	Privacy        string `json:"privacy,omitempty"`
	Encrypted      bool   `json:"encrypted"`

	Size         *int64     `json:"size,omitempty"`
	LastModified *time.Time `json:"last_modified,omitempty"`
	DataTxID     string     `json:"data_tx_id,omitempty"`
	ContentType  string     `json:"content_type,omitempty"`

	First  TxRef             `json:"first"`
	Latest TxRef             `json:"latest"`
	Status classifier.Status `json:"status"`
	Tags   *domain.TagSet    `json:"tags"`

	Collisions []ledger.Collision `json:"collisions,omitempty"`
	History    []HistoryEntry     `json:"history,omitempty"`
	Versions   []Version          `json:"versions,omitempty"`

	Orphaned         bool `json:"orphaned"`
	ParentStatusCode int  `json:"parent_status_code,omitempty"`
	DriveStatusCode  int  `json:"drive_status_code,omitempty"`

	Contents *Contents `json:"contents,omitempty"`

	Warnings []string `json:"warnings,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

func (e *Entity) warnf(format string, args ...any) {
	e.Warnings = append(e.Warnings, fmt.Sprintf(format, args...))
}

func (e *Entity) errorf(format string, args ...any) {
	e.Errors = append(e.Errors, fmt.Sprintf(format, args...))
}

// Placement classifies an entity inside its drive
type Placement string

const (
	Contained  Placement = "contained"
	Orphan     Placement = "orphaned"
	Parentless Placement = "parentless"
)

// ContentEntry is the newest metadata of one file or folder in a drive
type ContentEntry struct {
	Kind           Kind      `json:"kind"`
	ID             string    `json:"id"`
	ParentFolderID string    `json:"parent_folder_id,omitempty"`
	Latest         TxRef     `json:"latest"`
	Placement      Placement `json:"placement"`
}

// Contents is the drive content report
type Contents struct {
	Folders    int            `json:"folders"`
	Files      int            `json:"files"`
	Contained  int            `json:"contained"`
	Orphaned   int            `json:"orphaned"`
	Parentless int            `json:"parentless"`
	Entries    []ContentEntry `json:"entries"`
}
