package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/pbaille/arq/internal/classifier"
	"github.com/pbaille/arq/internal/gateway"
	"github.com/pbaille/arq/internal/logging"
	"github.com/pbaille/arq/internal/scheduler"
)

// SortOrder is the block-height order requested from the index
type SortOrder int

const (
	HeightDesc SortOrder = iota
	HeightAsc
)

// GraphQL returns the index's name for the order
func (o SortOrder) GraphQL() string {
	if o == HeightAsc {
		return "HEIGHT_ASC"
	}
	return "HEIGHT_DESC"
}

func (o SortOrder) String() string {
	if o == HeightAsc {
		return "asc"
	}
	return "desc"
}

// ParseSortOrder accepts asc/desc and the index's HEIGHT_ names
func ParseSortOrder(s string) (SortOrder, error) {
	switch strings.ToLower(s) {
	case "", "desc", "height_desc":
		return HeightDesc, nil
	case "asc", "height_asc":
		return HeightAsc, nil
	}
	return HeightDesc, fmt.Errorf("invalid sort order %q", s)
}

// Collision is a transaction that carries an entity's id but was signed by
// someone other than the expected owner
type Collision struct {
	TxID     string `json:"tx_id"`
	Owner    string `json:"owner"`
	Expected string `json:"expected_owner"`
	Height   *int64 `json:"height,omitempty"`
}

// Set is an insertion-ordered collection of records keyed by transaction id.
// Its declared order is what the index was asked for and is not trusted.
type Set struct {
	order   SortOrder
	records []*Record
	byID    map[string]*Record
	log     *slog.Logger
}

// NewSet creates an empty set
func NewSet(order SortOrder, log *slog.Logger) *Set {
	if log == nil {
		log = logging.Default()
	}
	return &Set{order: order, byID: make(map[string]*Record), log: log}
}

// Add appends rec. A record whose id is already present is dropped and
// Add returns false.
func (s *Set) Add(rec *Record) bool {
	if _, ok := s.byID[rec.ID()]; ok {
		s.log.Debug("duplicate transaction ignored", "id", rec.ID())
		return false
	}
	s.byID[rec.ID()] = rec
	s.records = append(s.records, rec)
	return true
}

func (s *Set) Len() int         { return len(s.records) }
func (s *Set) Order() SortOrder { return s.order }

// Get looks up a record by transaction id
func (s *Set) Get(id string) (*Record, bool) {
	r, ok := s.byID[id]
	return r, ok
}

// Records returns the records in insertion order
func (s *Set) Records() []*Record {
	return append([]*Record(nil), s.records...)
}

// Owners lists distinct owners in insertion order
func (s *Set) Owners() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range s.records {
		if !seen[r.Owner()] {
			seen[r.Owner()] = true
			out = append(out, r.Owner())
		}
	}
	return out
}

// older orders records for OldestEntry: lower height first, equal heights by
// the lexically smaller id, mined before unmined.
func older(a, b *Record) bool {
	ha, okA := a.Height()
	hb, okB := b.Height()
	switch {
	case okA && okB:
		if ha != hb {
			return ha < hb
		}
		return a.ID() < b.ID()
	case okA != okB:
		return okA
	}
	return a.ID() < b.ID()
}

// newer is the mirror of older, still preferring mined records
func newer(a, b *Record) bool {
	ha, okA := a.Height()
	hb, okB := b.Height()
	switch {
	case okA && okB:
		if ha != hb {
			return ha > hb
		}
		return a.ID() > b.ID()
	case okA != okB:
		return okA
	}
	return a.ID() > b.ID()
}

// Newer orders two records the way NewestEntry does
func Newer(a, b *Record) bool { return newer(a, b) }

func pick(records []*Record, better func(a, b *Record) bool) *Record {
	var best *Record
	for _, r := range records {
		if best == nil || better(r, best) {
			best = r
		}
	}
	return best
}

// OldestEntry scans the whole set regardless of declared order. It is nil
// for an empty set.
func (s *Set) OldestEntry() *Record {
	return pick(s.records, older)
}

// NewestEntry scans for the newest record. With a non-empty owner only that
// owner's records are considered and every foreign record is reported back
// as a collision.
func (s *Set) NewestEntry(owner string) (*Record, []Collision) {
	if owner == "" {
		return pick(s.records, newer), nil
	}
	var mine []*Record
	var collisions []Collision
	for _, r := range s.records {
		if r.Owner() == owner {
			mine = append(mine, r)
			continue
		}
		c := Collision{TxID: r.ID(), Owner: r.Owner(), Expected: owner}
		if h, ok := r.Height(); ok {
			c.Height = &h
		}
		collisions = append(collisions, c)
		s.log.Warn("transaction from foreign owner excluded, possible id collision",
			"id", r.ID(), "owner", r.Owner(), "expected", owner)
	}
	return pick(mine, newer), collisions
}

func (s *Set) filter(keep func(*Record) bool, what string) *Set {
	out := NewSet(s.order, s.log)
	for _, r := range s.records {
		if keep(r) {
			out.Add(r)
		}
	}
	if omitted := s.Len() - out.Len(); omitted > 0 {
		s.log.Info("records omitted by filter", "filter", what, "omitted", omitted, "kept", out.Len())
	}
	return out
}

// ByOwner returns the records signed by owner
func (s *Set) ByOwner(owner string) *Set {
	return s.filter(func(r *Record) bool { return r.Owner() == owner }, "owner="+owner)
}

// ByTag returns the records carrying the named tag. With values, the tag's
// first value must be one of them.
func (s *Set) ByTag(name string, values ...string) *Set {
	return s.filter(func(r *Record) bool {
		t, ok := r.Tags().Get(name)
		if !ok {
			return false
		}
		if len(values) == 0 {
			return true
		}
		for _, v := range values {
			if t.Value() == v {
				return true
			}
		}
		return false
	}, "tag="+name)
}

// Chronological returns the records oldest first. The declared order is only
// a hint: an ascending set is checked and returned as is when already sorted.
func (s *Set) Chronological() []*Record {
	out := s.Records()
	less := func(i, j int) bool { return older(out[i], out[j]) }
	if s.order == HeightAsc && sort.SliceIsSorted(out, less) {
		return out
	}
	sort.SliceStable(out, less)
	return out
}

// StatusReport counts records by confirmation level after a status sweep
type StatusReport struct {
	Total     int               `json:"total"`
	Pending   int               `json:"pending"`
	Mined     int               `json:"mined"`
	Confirmed int               `json:"confirmed"`
	Failed    int               `json:"failed"`
	Missing   int               `json:"missing"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// ScheduledStatus wraps src so that every status request takes a scheduler
// slot
func ScheduledStatus(sched *scheduler.Scheduler, src StatusSource) StatusSource {
	if sched == nil {
		return src
	}
	return scheduledStatus{sched: sched, src: src}
}

type scheduledStatus struct {
	sched *scheduler.Scheduler
	src   StatusSource
}

func (s scheduledStatus) Status(ctx context.Context, id string) (*gateway.StatusResponse, error) {
	return scheduler.Do(ctx, s.sched, func(ctx context.Context) (*gateway.StatusResponse, error) {
		return s.src.Status(ctx, id)
	})
}

// FetchStatusOfAll refreshes every record's status. Each status request
// takes a scheduler slot; one record failing does not stop the others and is
// counted as Missing.
func (s *Set) FetchStatusOfAll(ctx context.Context, sched *scheduler.Scheduler, src StatusSource, idx IndexLookup, safe int) StatusReport {
	scheduled := ScheduledStatus(sched, src)
	errs := make([]error, len(s.records))

	var wg sync.WaitGroup
	for i, r := range s.records {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = r.RefreshStatus(ctx, scheduled, idx, safe)
		}()
	}
	wg.Wait()

	report := StatusReport{Total: len(s.records)}
	for i, r := range s.records {
		if errs[i] != nil {
			report.Missing++
			if report.Errors == nil {
				report.Errors = make(map[string]string)
			}
			report.Errors[r.ID()] = errs[i].Error()
			s.log.Warn("status fetch failed", "id", r.ID(), "error", errs[i])
			continue
		}
		switch r.Status().Level {
		case classifier.Pending:
			report.Pending++
		case classifier.Mined:
			report.Mined++
		case classifier.Confirmed:
			report.Confirmed++
		case classifier.Failed:
			report.Failed++
		default:
			report.Missing++
		}
	}
	return report
}

// DirectSource fetches a transaction by id, bypassing the index
type DirectSource interface {
	Transaction(ctx context.Context, id string) (*gateway.RawTransaction, error)
}

// FetchDirectAll fetches every record directly and merges it with what the
// index reported. All requests are queued on sched at once. Records that
// could not be fetched or disagree with the index are returned by id and
// left as they were.
func (s *Set) FetchDirectAll(ctx context.Context, sched *scheduler.Scheduler, src DirectSource) map[string]error {
	raws := make([]*gateway.RawTransaction, len(s.records))
	errs := make([]error, len(s.records))
	if sched == nil {
		for i, r := range s.records {
			raws[i], errs[i] = src.Transaction(ctx, r.ID())
		}
	} else {
		futures := make([]*scheduler.Future[*gateway.RawTransaction], len(s.records))
		for i, r := range s.records {
			id := r.ID()
			futures[i] = scheduler.Submit(ctx, sched, func(ctx context.Context) (*gateway.RawTransaction, error) {
				return src.Transaction(ctx, id)
			})
		}
		raws, errs = scheduler.WaitAll(ctx, futures)
	}

	failed := make(map[string]error)
	for i, r := range s.records {
		err := errs[i]
		if err == nil {
			err = r.SetFromDirectFetch(*raws[i])
		}
		if err != nil {
			failed[r.ID()] = err
			s.log.Warn("direct fetch failed", "id", r.ID(), "error", err)
		}
	}
	return failed
}
