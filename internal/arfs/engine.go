package arfs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/pbaille/arq/internal/classifier"
	"github.com/pbaille/arq/internal/domain"
	"github.com/pbaille/arq/internal/gateway"
	"github.com/pbaille/arq/internal/ledger"
	"github.com/pbaille/arq/internal/logging"
	"github.com/pbaille/arq/internal/query"
	"github.com/pbaille/arq/internal/scheduler"
)

// Ledger runs index queries
type Ledger interface {
	Run(ctx context.Context, f query.Filter) (*ledger.Set, error)
	TransactionIndexed(ctx context.Context, id string) (bool, error)
}

// Fetcher reads transaction data and status from the gateway
type Fetcher interface {
	Data(ctx context.Context, id string) ([]byte, error)
	Status(ctx context.Context, id string) (*gateway.StatusResponse, error)
}

// Options selects how much work a resolution does
type Options struct {
	// Detailed replays every revision, validates parents and, with
	// DriveContents, builds the drive content report.
	Detailed      bool
	DriveContents bool
}

// Config configures an Engine
type Config struct {
	Ledger    Ledger
	Fetcher   Fetcher
	Scheduler *scheduler.Scheduler
	// SafeConfirmations defaults to classifier.DefaultSafeConfirmations.
	SafeConfirmations int
	// Force accepts entity ids that are not UUIDs.
	Force bool
	// MemoTTL keeps basic resolutions around for sibling lookups. Zero
	// disables the memo.
	MemoTTL time.Duration
	Logger  *slog.Logger
}

// Engine reconstructs entities
type Engine struct {
	ledger  Ledger
	fetcher Fetcher
	sched   *scheduler.Scheduler
	safe    int
	force   bool
	memo    *cache.Cache
	log     *slog.Logger
}

// New creates an Engine
func New(cfg Config) *Engine {
	if cfg.SafeConfirmations < 1 {
		cfg.SafeConfirmations = classifier.DefaultSafeConfirmations
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	e := &Engine{
		ledger:  cfg.Ledger,
		fetcher: cfg.Fetcher,
		sched:   cfg.Scheduler,
		safe:    cfg.SafeConfirmations,
		force:   cfg.Force,
		log:     cfg.Logger,
	}
	if cfg.MemoTTL > 0 {
		e.memo = cache.New(cfg.MemoTTL, 2*cfg.MemoTTL)
	}
	return e
}

// ValidateID checks that id is a UUID
func ValidateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidID, id, err)
	}
	return nil
}

func (e *Engine) data(ctx context.Context, id string) ([]byte, error) {
	if e.sched == nil {
		return e.fetcher.Data(ctx, id)
	}
	return scheduler.Do(ctx, e.sched, func(ctx context.Context) ([]byte, error) {
		return e.fetcher.Data(ctx, id)
	})
}

// Resolve rebuilds one entity. It returns ErrNotFound when no transaction
// carries the id, or when none is signed by the canonical owner.
func (e *Engine) Resolve(ctx context.Context, kind Kind, id string, opts Options) (*Entity, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return nil, err
	}
	var idWarning string
	if err := ValidateID(id); err != nil {
		if !e.force {
			return nil, err
		}
		idWarning = err.Error()
		e.log.Warn("resolving non-UUID entity id", "kind", kind, "id", id)
	}

	memoKey := string(kind) + "/" + id
	basic := !opts.Detailed
	if basic && e.memo != nil {
		if cached, ok := e.memo.Get(memoKey); ok {
			return cached.(*Entity), nil
		}
	}

	ent, err := e.resolve(ctx, kind, id, opts)
	if err != nil {
		return nil, err
	}
	if idWarning != "" {
		ent.Warnings = append([]string{idWarning}, ent.Warnings...)
	}
	if basic && e.memo != nil {
		e.memo.SetDefault(memoKey, ent)
	}
	return ent, nil
}

func (e *Engine) resolve(ctx context.Context, kind Kind, id string, opts Options) (*Entity, error) {
	tags := domain.NewTagSet(0)
	tags.Add(domain.NewTag(domain.TagEntityType, string(kind)), false)
	tags.Add(domain.NewTag(kind.IDTag(), id), false)

	all, err := e.ledger.Run(ctx, query.Filter{Tags: tags, Sort: ledger.HeightAsc})
	if err != nil {
		return nil, fmt.Errorf("query %s %s: %w", kind, id, err)
	}

	// the oldest transaction carrying the id establishes ownership
	oldest := all.OldestEntry()
	if oldest == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	owner := oldest.Owner()

	owned := all.ByOwner(owner)
	if owned.Len() == 0 {
		return nil, fmt.Errorf("%w: %s %s has no transactions from %s", ErrNotFound, kind, id, owner)
	}

	first := owned.OldestEntry()
	latest, collisions := all.NewestEntry(owner)
	if first == nil || latest == nil {
		return nil, fmt.Errorf("%w: %s %s: no bounds in a non-empty set", ErrInvariant, kind, id)
	}

	ent := &Entity{
		Kind:       kind,
		ID:         id,
		Owner:      owner,
		First:      refOf(first),
		Latest:     refOf(latest),
		Tags:       latest.Tags(),
		Collisions: collisions,
	}
	for _, c := range collisions {
		ent.warnf("transaction %s from %s carries this %s id, possible collision", c.TxID, c.Owner, kind)
	}

	current := e.loadCurrent(ctx, ent, latest)
	ent.apply(current)

	if err := latest.RefreshStatus(ctx, ledger.ScheduledStatus(e.sched, e.fetcher), e.ledger, e.safe); err != nil {
		ent.warnf("status of %s: %v", latest.ID(), err)
	}
	ent.Status = latest.Status()

	if !opts.Detailed {
		return ent, nil
	}

	e.replay(ctx, ent, owned)
	// replay never moves the current state off the latest revision
	ent.apply(current)

	switch kind {
	case KindFile, KindFolder:
		e.checkParents(ctx, ent)
	case KindDrive:
		if opts.DriveContents {
			e.driveContents(ctx, ent)
		}
	default:
		return nil, fmt.Errorf("%w: unhandled kind %q", ErrInvariant, kind)
	}
	return ent, nil
}

// loadCurrent reads the latest revision. Encrypted bodies are not fetched.
func (e *Engine) loadCurrent(ctx context.Context, ent *Entity, latest *ledger.Record) snapshot {
	if isEncrypted(latest.Tags()) {
		return snapshotOf(latest, nil)
	}
	body, err := e.data(ctx, latest.ID())
	if err != nil {
		ent.errorf("metadata %s: %v", latest.ID(), err)
		return snapshotOf(latest, nil)
	}
	md, err := parseMetadata(body)
	if err != nil {
		ent.errorf("metadata %s: %v", latest.ID(), err)
		return snapshotOf(latest, nil)
	}
	return snapshotOf(latest, &md)
}

// replay walks every owned revision oldest first, building History and,
// for files, Versions
func (e *Engine) replay(ctx context.Context, ent *Entity, owned *ledger.Set) {
	records := owned.Chronological()

	bodies := make([][]byte, len(records))
	errs := make([]error, len(records))
	var futures []*scheduler.Future[[]byte]
	var pending []int
	for i, r := range records {
		if isEncrypted(r.Tags()) {
			continue
		}
		if e.sched == nil {
			bodies[i], errs[i] = e.fetcher.Data(ctx, r.ID())
			continue
		}
		id := r.ID()
		futures = append(futures, scheduler.Submit(ctx, e.sched, func(ctx context.Context) ([]byte, error) {
			return e.fetcher.Data(ctx, id)
		}))
		pending = append(pending, i)
	}
	vals, ferrs := scheduler.WaitAll(ctx, futures)
	for j, i := range pending {
		bodies[i], errs[i] = vals[j], ferrs[j]
	}

	var prev snapshot
	seen := make(map[string]bool)
	for i, r := range records {
		var md *metadata
		if bodies[i] != nil || errs[i] != nil {
			if errs[i] != nil {
				ent.errorf("metadata %s: %v", r.ID(), errs[i])
			} else if m, err := parseMetadata(bodies[i]); err != nil {
				ent.errorf("metadata %s: %v", r.ID(), err)
			} else {
				md = &m
			}
		}
		cur := snapshotOf(r, md)
		unreadable := md == nil && !cur.encrypted
		if unreadable && i > 0 {
			cur = cur.withBodyOf(prev)
		}

		entry := HistoryEntry{TxRef: refOf(r)}
		if i == 0 {
			entry.Summary = describeCreate(cur)
		} else {
			entry.Changes = diff(prev, cur)
			entry.Summary = describeModify(entry.Changes)
		}
		if unreadable {
			entry.Summary += " (metadata unavailable)"
		}
		ent.History = append(ent.History, entry)
		prev = cur

		if ent.Kind == KindFile && cur.dataTxID != "" && !seen[cur.dataTxID] {
			seen[cur.dataTxID] = true
			ent.Versions = append(ent.Versions, Version{
				DataTxID:     cur.dataTxID,
				MetadataTxID: r.ID(),
				Size:         cur.size,
				BlockHeight:  entry.BlockHeight,
			})
		}
	}
}

// checkParents resolves the drive and the parent folder side by side. A
// reference that does not resolve, including one that is not a valid id,
// orphans the entity.
func (e *Engine) checkParents(ctx context.Context, ent *Entity) {
	type outcome struct {
		parent *Entity
		err    error
	}
	var drive, folder outcome
	var wg sync.WaitGroup

	if ent.DriveID == "" {
		ent.errorf("missing %s tag", domain.TagDriveID)
		ent.Orphaned = true
		ent.DriveStatusCode = classifier.CodeNotFound
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			drive.parent, drive.err = e.Resolve(ctx, KindDrive, ent.DriveID, Options{})
		}()
	}
	if ent.ParentFolderID != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			folder.parent, folder.err = e.Resolve(ctx, KindFolder, ent.ParentFolderID, Options{})
		}()
	}
	wg.Wait()

	settle := func(what, id string, o outcome, code *int) {
		switch {
		case errors.Is(o.err, ErrNotFound), errors.Is(o.err, ErrInvalidID):
			if errors.Is(o.err, ErrInvalidID) {
				ent.errorf("%s %s: %v", what, id, o.err)
			}
			ent.Orphaned = true
			*code = classifier.CodeNotFound
			ent.warnf("%s %s does not resolve, entity is orphaned", what, id)
			e.log.Warn("orphaned entity", "kind", ent.Kind, "id", ent.ID, "missing", what, "missingId", id)
		case o.err != nil:
			ent.errorf("resolve %s %s: %v", what, id, o.err)
		default:
			*code = o.parent.Status.Code
			if o.parent.Owner != ent.Owner {
				ent.warnf("%s %s is owned by %s, not %s", what, id, o.parent.Owner, ent.Owner)
			}
		}
	}
	if ent.DriveID != "" {
		settle("drive", ent.DriveID, drive, &ent.DriveStatusCode)
	}
	if ent.ParentFolderID != "" {
		settle("parent folder", ent.ParentFolderID, folder, &ent.ParentStatusCode)
		if folder.parent != nil && folder.parent.DriveID != "" && folder.parent.DriveID != ent.DriveID {
			ent.warnf("parent folder %s belongs to drive %s, not %s", ent.ParentFolderID, folder.parent.DriveID, ent.DriveID)
		}
	}
}
