package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/pbaille/arq/internal/arfs"
	"github.com/pbaille/arq/internal/classifier"
	"github.com/pbaille/arq/internal/domain"
	"github.com/pbaille/arq/internal/gateway"
	"github.com/pbaille/arq/internal/ledger"
	"github.com/pbaille/arq/internal/logging"
	"github.com/pbaille/arq/internal/metrics"
	"github.com/pbaille/arq/internal/query"
	"github.com/pbaille/arq/internal/scheduler"
)

// Resolver reconstructs entities
type Resolver interface {
	Resolve(ctx context.Context, kind arfs.Kind, id string, opts arfs.Options) (*arfs.Entity, error)
}

// Ledger runs index queries
type Ledger interface {
	Run(ctx context.Context, f query.Filter) (*ledger.Set, error)
	TransactionIndexed(ctx context.Context, id string) (bool, error)
}

// Config wires a Server
type Config struct {
	Addr      string
	Resolver  Resolver
	Ledger    Ledger
	Status    ledger.StatusSource
	Scheduler *scheduler.Scheduler
	Metrics   *metrics.Collector
	// SafeConfirmations defaults to classifier.DefaultSafeConfirmations.
	SafeConfirmations int
	MaxTagBytes       int
	// Force lets /transactions run without owner, id or tags.
	Force  bool
	Logger *slog.Logger
}

// Server exposes read-only entity and transaction lookups over HTTP
type Server struct {
	cfg Config
	log *slog.Logger
}

// New creates a new API server
func New(cfg Config) *Server {
	if cfg.SafeConfirmations < 1 {
		cfg.SafeConfirmations = classifier.DefaultSafeConfirmations
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Server{cfg: cfg, log: cfg.Logger}
}

// Handler builds the routed handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Entities
	mux.HandleFunc("GET /entities/{kind}/{id}", s.getEntity)
	mux.HandleFunc("GET /drives/{id}/contents", s.driveContents)

	// Transactions
	mux.HandleFunc("GET /transactions", s.listTransactions)
	mux.HandleFunc("GET /transactions/{id}/status", s.transactionStatus)

	mux.HandleFunc("GET /health", s.health)
	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics.Handler())
	}

	return withCORS(mux)
}

// Run serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting server", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// withCORS adds CORS headers for browser clients
func withCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.cfg.Scheduler != nil {
		resp["scheduler"] = s.cfg.Scheduler.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getEntity(w http.ResponseWriter, r *http.Request) {
	kind, err := arfs.ParseKind(r.PathValue("kind"))
	if err != nil {
		s.fail(w, err)
		return
	}
	opts := arfs.Options{
		Detailed:      boolParam(r, "detailed"),
		DriveContents: boolParam(r, "contents"),
	}
	if opts.DriveContents {
		opts.Detailed = true
	}

	ent, err := s.cfg.Resolver.Resolve(r.Context(), kind, r.PathValue("id"), opts)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

func (s *Server) driveContents(w http.ResponseWriter, r *http.Request) {
	ent, err := s.cfg.Resolver.Resolve(r.Context(), arfs.KindDrive, r.PathValue("id"),
		arfs.Options{Detailed: true, DriveContents: true})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"drive":    ent.ID,
		"owner":    ent.Owner,
		"contents": ent.Contents,
		"warnings": ent.Warnings,
		"errors":   ent.Errors,
	})
}

func (s *Server) transactionStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := gateway.ValidateTxID(id); err != nil {
		s.fail(w, err)
		return
	}

	rec := ledger.NewRecord(id, s.log)
	src := ledger.ScheduledStatus(s.cfg.Scheduler, s.cfg.Status)
	if err := rec.RefreshStatus(r.Context(), src, s.cfg.Ledger, s.cfg.SafeConfirmations); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     id,
		"status": rec.Status(),
	})
}

// listTransactions runs an index query:
//
//	GET /transactions?owner=&id=&tag=name=value&min=&max=&sort=asc&count=&status=true
func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	tags, err := query.ParseTagFlags(q["tag"], s.cfg.MaxTagBytes)
	if err != nil {
		s.fail(w, err)
		return
	}
	order, err := ledger.ParseSortOrder(q.Get("sort"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f := query.Filter{
		Owner:         q.Get("owner"),
		TransactionID: q.Get("id"),
		Tags:          tags,
		Sort:          order,
		Force:         s.cfg.Force,
	}
	if f.DesiredCount, err = intParam(r, "count"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	minH, err := intParam(r, "min")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	maxH, err := intParam(r, "max")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if minH > 0 || maxH > 0 {
		f.Heights = &query.HeightRange{Min: int64(minH), Max: int64(maxH)}
	}

	set, err := s.cfg.Ledger.Run(r.Context(), f)
	if err != nil {
		s.fail(w, err)
		return
	}

	resp := map[string]any{
		"count":        set.Len(),
		"transactions": set.Records(),
	}
	if boolParam(r, "status") {
		report := set.FetchStatusOfAll(r.Context(), s.cfg.Scheduler, s.cfg.Status, s.cfg.Ledger, s.cfg.SafeConfirmations)
		resp["status"] = report
	}
	writeJSON(w, http.StatusOK, resp)
}

// fail maps an error to its HTTP status
func (s *Server) fail(w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", "status", code, "error", err)
	}
	writeError(w, code, err.Error())
}

func statusCode(err error) int {
	var httpErr *gateway.HTTPError
	switch {
	case errors.Is(err, arfs.ErrInvariant):
		return http.StatusInternalServerError
	case errors.Is(err, arfs.ErrInvalidID),
		errors.Is(err, query.ErrUnscoped),
		errors.Is(err, query.ErrInvalidFilter),
		errors.Is(err, gateway.ErrInvalidTxID),
		errors.Is(err, domain.ErrTagsTooLarge),
		errors.Is(err, domain.ErrDuplicateTag),
		errors.Is(err, domain.ErrDuplicateTags):
		return http.StatusBadRequest
	case errors.Is(err, arfs.ErrNotFound), errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, query.ErrMalformedPage),
		errors.Is(err, ledger.ErrIntegrity),
		errors.Is(err, classifier.ErrUnknownStatus),
		errors.As(err, &httpErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func boolParam(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name + ": " + v)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
