package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pbaille/arq/internal/api"
	"github.com/pbaille/arq/internal/arfs"
	"github.com/pbaille/arq/internal/config"
	"github.com/pbaille/arq/internal/gateway"
	"github.com/pbaille/arq/internal/ledger"
	"github.com/pbaille/arq/internal/logging"
	"github.com/pbaille/arq/internal/metrics"
	"github.com/pbaille/arq/internal/query"
	"github.com/pbaille/arq/internal/scheduler"
	"github.com/pbaille/arq/internal/store"
)

var (
	configPath string
	gatewayURL string
	force      bool
	logLevel   string
	noColor    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "arq",
		Short:        "Read and reconstruct ArFS drives, folders and files from an Arweave gateway",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "gateway", "", "gateway URL (overrides config and "+config.EnvGateway+")")
	rootCmd.PersistentFlags().BoolVar(&force, "force", false, "accept non-UUID entity ids and unscoped queries")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored logs")

	rootCmd.AddCommand(entityCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds everything a command needs, wired from the loaded config
type app struct {
	cfg      config.Config
	log      *slog.Logger
	metrics  *metrics.Collector
	cache    *store.Store
	client   *gateway.Client
	sched    *scheduler.Scheduler
	ledger   *query.Engine
	resolver *arfs.Engine
}

func setup(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("gateway") {
		cfg.Gateway = gatewayURL
	}
	if flags.Changed("force") {
		cfg.Force = force
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := logging.New(cfg.LogLevel, noColor)
	if err != nil {
		return nil, err
	}

	cache, err := store.New()
	if err != nil {
		return nil, err
	}

	m := metrics.NewCollector()
	client, err := gateway.New(gateway.Config{
		BaseURL:      cfg.Gateway,
		Timeout:      cfg.HTTPTimeout,
		MaxBodyBytes: int64(cfg.MaxBodySize.Bytes()),
		Cache:        cache,
		Metrics:      m,
		Logger:       log,
	})
	if err != nil {
		cache.Close()
		return nil, err
	}

	sched := scheduler.New(scheduler.Config{Slots: cfg.MaxConcurrentFetches, Metrics: m, Logger: log})
	engine := query.New(query.Config{Transport: client, Scheduler: sched, PageSize: cfg.PageSize, Logger: log})
	resolver := arfs.New(arfs.Config{
		Ledger:            engine,
		Fetcher:           client,
		Scheduler:         sched,
		SafeConfirmations: cfg.SafeConfirmations,
		Force:             cfg.Force,
		MemoTTL:           cfg.CacheTTL,
		Logger:            log,
	})

	log.Debug("configured", "gateway", client.BaseURL(), "slots", cfg.MaxConcurrentFetches, "pageSize", cfg.PageSize)
	return &app{
		cfg:      cfg,
		log:      log,
		metrics:  m,
		cache:    cache,
		client:   client,
		sched:    sched,
		ledger:   engine,
		resolver: resolver,
	}, nil
}

func (a *app) Close() {
	a.sched.Close()
	a.cache.Close()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func entityCmd() *cobra.Command {
	var detailed, contents bool

	cmd := &cobra.Command{
		Use:   "entity <drive|folder|file> <id>",
		Short: "Reconstruct the current state of an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := arfs.ParseKind(args[0])
			if err != nil {
				return err
			}

			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			opts := arfs.Options{Detailed: detailed || contents, DriveContents: contents}
			ent, err := a.resolver.Resolve(cmd.Context(), kind, args[1], opts)
			if err != nil {
				return err
			}
			return printJSON(ent)
		},
	}

	cmd.Flags().BoolVarP(&detailed, "detailed", "d", false, "replay history and validate parents")
	cmd.Flags().BoolVarP(&contents, "contents", "c", false, "list drive contents (implies --detailed)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <txid>",
		Short: "Show the confirmation status of a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := gateway.ValidateTxID(args[0]); err != nil {
				return err
			}

			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			rec := ledger.NewRecord(args[0], a.log)
			src := ledger.ScheduledStatus(a.sched, a.client)
			if err := rec.RefreshStatus(cmd.Context(), src, a.ledger, a.cfg.SafeConfirmations); err != nil {
				return err
			}
			return printJSON(map[string]any{"id": args[0], "status": rec.Status()})
		},
	}
}

func queryCmd() *cobra.Command {
	var (
		owner, txID   string
		tagPairs      []string
		minH, maxH    int64
		asc           bool
		count         int
		withStatus    bool
		fetchOriginal bool
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "List transactions from the index",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			tags, err := query.ParseTagFlags(tagPairs, int(a.cfg.MaxTagSize.Bytes()))
			if err != nil {
				return err
			}
			f := query.Filter{
				Owner:         owner,
				TransactionID: txID,
				Tags:          tags,
				DesiredCount:  count,
				Force:         a.cfg.Force,
			}
			if asc {
				f.Sort = ledger.HeightAsc
			}
			if minH > 0 || maxH > 0 {
				f.Heights = &query.HeightRange{Min: minH, Max: maxH}
			}

			ctx := cmd.Context()
			set, err := a.ledger.Run(ctx, f)
			if err != nil {
				return err
			}

			if fetchOriginal {
				if failed := set.FetchDirectAll(ctx, a.sched, a.client); len(failed) > 0 {
					a.log.Warn("some transactions could not be cross-checked", "failed", len(failed), "total", set.Len())
				}
			}

			out := map[string]any{
				"count":        set.Len(),
				"transactions": set.Records(),
			}
			if withStatus {
				out["status"] = set.FetchStatusOfAll(ctx, a.sched, a.client, a.ledger, a.cfg.SafeConfirmations)
			}
			return printJSON(out)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "owner address")
	cmd.Flags().StringVar(&txID, "id", "", "transaction id")
	cmd.Flags().StringArrayVarP(&tagPairs, "tag", "t", nil, "tag filter name=value, repeatable")
	cmd.Flags().Int64Var(&minH, "min", 0, "minimum block height")
	cmd.Flags().Int64Var(&maxH, "max", 0, "maximum block height")
	cmd.Flags().BoolVar(&asc, "asc", false, "oldest first")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "stop after this many transactions (0 = all)")
	cmd.Flags().BoolVar(&withStatus, "status", false, "fetch confirmation status of every result")
	cmd.Flags().BoolVar(&fetchOriginal, "direct", false, "also fetch each transaction directly and cross-check it")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only REST API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if cmd.Flags().Changed("addr") {
				a.cfg.Listen = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if a.cfg.CacheTTL > 0 {
				go a.purgeCache(ctx, a.cfg.CacheTTL)
			}

			server := api.New(api.Config{
				Addr:              a.cfg.Listen,
				Resolver:          a.resolver,
				Ledger:            a.ledger,
				Status:            a.client,
				Scheduler:         a.sched,
				Metrics:           a.metrics,
				SafeConfirmations: a.cfg.SafeConfirmations,
				MaxTagBytes:       int(a.cfg.MaxTagSize.Bytes()),
				Force:             a.cfg.Force,
				Logger:            a.log,
			})
			return server.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", ":8080", "server address")
	return cmd
}

// purgeCache bounds the payload cache of a long-running server
func (a *app) purgeCache(ctx context.Context, ttl time.Duration) {
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.cache.Purge(time.Now().Add(-ttl))
			if err != nil {
				a.log.Warn("cache purge failed", "error", err)
				continue
			}
			if n > 0 {
				a.log.Debug("cache purged", "entries", n)
			}
		}
	}
}
