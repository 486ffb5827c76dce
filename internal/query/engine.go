package query

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pbaille/arq/internal/gateway"
	"github.com/pbaille/arq/internal/ledger"
	"github.com/pbaille/arq/internal/logging"
	"github.com/pbaille/arq/internal/scheduler"
)

// DefaultPageSize is the number of edges requested per page
const DefaultPageSize = 100

// Transport posts GraphQL queries to the index
type Transport interface {
	GraphQL(ctx context.Context, query string) (*gateway.GraphQLResponse, error)
}

// Config configures an Engine
type Config struct {
	Transport Transport
	// Scheduler is optional; without one pages are fetched directly.
	Scheduler *scheduler.Scheduler
	PageSize  int
	Logger    *slog.Logger
}

// Engine runs filters against the index
type Engine struct {
	transport Transport
	sched     *scheduler.Scheduler
	pageSize  int
	log       *slog.Logger
}

// New creates an Engine
func New(cfg Config) *Engine {
	if cfg.PageSize < 1 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Engine{
		transport: cfg.Transport,
		sched:     cfg.Scheduler,
		pageSize:  cfg.PageSize,
		log:       cfg.Logger,
	}
}

// Run pages through the index one request at a time and assembles the
// result. Each page asks for no more than DesiredCount still needs. A page
// without edges, or a full page whose last edge has no cursor, fails the
// whole run and nothing is returned.
func (e *Engine) Run(ctx context.Context, f Filter) (*ledger.Set, error) {
	if _, err := Build(f, "", e.pageSize); err != nil {
		return nil, err
	}
	if !f.scoped() {
		e.log.Warn("running unscoped query", "force", f.Force)
	}

	var edges []gateway.Edge
	cursor := ""
	for page := 1; ; page++ {
		first := e.pageSize
		if f.DesiredCount > 0 {
			first = min(first, f.DesiredCount-len(edges))
		}
		q, err := Build(f, cursor, first)
		if err != nil {
			return nil, err
		}
		resp, err := e.fetch(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("query page %d: %w", page, err)
		}
		got, ok := resp.Edges()
		if !ok {
			e.log.Error("index page without edges, discarding query", "page", page, "kept", len(edges), "errors", resp.ErrorMessage())
			return nil, fmt.Errorf("%w: page %d: %s", ErrMalformedPage, page, resp.ErrorMessage())
		}
		edges = append(edges, got...)
		e.log.Debug("index page", "page", page, "edges", len(got), "total", len(edges))

		if f.DesiredCount > 0 && len(edges) >= f.DesiredCount {
			edges = edges[:f.DesiredCount]
			break
		}
		if len(got) < first {
			break
		}
		cursor = got[len(got)-1].Cursor
		if cursor == "" {
			e.log.Error("full index page without continuation cursor, discarding query", "page", page, "kept", len(edges))
			return nil, fmt.Errorf("%w: page %d: last edge has no cursor", ErrMalformedPage, page)
		}
	}

	set := ledger.NewSet(f.Sort, e.log)
	for _, edge := range edges {
		rec, err := ledger.RecordFromEdge(edge, e.log)
		if err != nil {
			return nil, fmt.Errorf("assemble %s: %w", edge.Node.ID, err)
		}
		set.Add(rec)
	}
	return set, nil
}

func (e *Engine) fetch(ctx context.Context, q string) (*gateway.GraphQLResponse, error) {
	if e.sched == nil {
		return e.transport.GraphQL(ctx, q)
	}
	return scheduler.Do(ctx, e.sched, func(ctx context.Context) (*gateway.GraphQLResponse, error) {
		return e.transport.GraphQL(ctx, q)
	})
}

// TransactionIndexed reports whether the index returns the transaction
func (e *Engine) TransactionIndexed(ctx context.Context, id string) (bool, error) {
	set, err := e.Run(ctx, Filter{TransactionID: id, DesiredCount: 1})
	if err != nil {
		return false, err
	}
	_, ok := set.Get(id)
	return ok, nil
}
