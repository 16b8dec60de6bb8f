package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/vectorize-core/vectorize/internal/config"
	"github.com/vectorize-core/vectorize/internal/logging"
	"github.com/vectorize-core/vectorize/pkg/capture"
	"github.com/vectorize-core/vectorize/pkg/embedding"
	"github.com/vectorize-core/vectorize/pkg/httpapi"
	"github.com/vectorize-core/vectorize/pkg/job"
	"github.com/vectorize-core/vectorize/pkg/queue"
	"github.com/vectorize-core/vectorize/pkg/search"
	"github.com/vectorize-core/vectorize/pkg/worker"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "vectorize",
	Short: "Maintains vector embeddings for rows in a Postgres table",
	Long:  `vectorize watches a source table for changes, keeps its embeddings current via a background worker pool, and serves hybrid semantic+lexical search over the result.`,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a config file (optional; env vars always apply)")
	rootCmd.AddCommand(tableCmd, searchCmd, serveCmd, workerCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type deps struct {
	cfg      config.Config
	log      logging.Logger
	pool     *pgxpool.Pool
	jobs     *job.Store
	embedReg *embedding.Registry
	q        queue.Queue
	registry *job.Registry
	engine   *search.Engine
}

func setup(ctx context.Context) (*deps, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	jobs := job.NewStore(pool, log)
	if err := jobs.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	q, err := queue.New(ctx, cfg, pool, log)
	if err != nil {
		return nil, err
	}

	embedReg := embedding.NewRegistry()
	registerProviders(embedReg, cfg)

	c := cron.New()
	captureInstaller := capture.NewInstaller(pool, jobs, q, c, log)
	c.Start()

	registry := job.NewRegistry(pool, jobs, captureInstaller, queueAdminAdapter{q}, embedReg, job.NewPoolSchemaInspector(pool), log)
	engine := search.NewEngine(pool, embedReg)

	return &deps{cfg: cfg, log: log, pool: pool, jobs: jobs, embedReg: embedReg, q: q, registry: registry, engine: engine}, nil
}

// queueAdminAdapter narrows queue.Queue to job.QueueAdmin so the
// registry never needs to know about Read/Delete/Archive/Depth.
type queueAdminAdapter struct{ q queue.Queue }

func (a queueAdminAdapter) EnsureQueue(ctx context.Context, name string) error {
	return a.q.EnsureQueue(ctx, name)
}
func (a queueAdminAdapter) DeleteQueue(ctx context.Context, name string) error {
	return a.q.DeleteQueue(ctx, name)
}
func (a queueAdminAdapter) Send(ctx context.Context, queueName, jobName string, pks []string, source string) error {
	return a.q.Send(ctx, queueName, jobName, pks, source)
}

// registerProviders wires every configured provider key into the
// registry under its conventional transformer name. A deployment
// without a given provider's key simply leaves that transformer
// unregistered; stub/<dim> is always available regardless.
func registerProviders(reg *embedding.Registry, cfg config.Config) {
	// Vendor calls are rate-limited client-side so one busy job can't
	// exhaust a shared account's quota and turn every other job's
	// embed calls into 429 retries.
	const vendorRatePerSecond = 10
	if key, ok := cfg.ProviderKeys["openai"]; ok {
		reg.Register("openai/text-embedding-3-small", embedding.NewRateLimited(embedding.NewOpenAICompat("https://api.openai.com/v1", key, "text-embedding-3-small", 1536, 2048), vendorRatePerSecond))
		reg.Register("openai/text-embedding-3-large", embedding.NewRateLimited(embedding.NewOpenAICompat("https://api.openai.com/v1", key, "text-embedding-3-large", 3072, 2048), vendorRatePerSecond))
	}
	if key, ok := cfg.ProviderKeys["cohere"]; ok {
		reg.Register("cohere/embed-english-v3.0", embedding.NewRateLimited(embedding.NewCohere("https://api.cohere.ai", key, "embed-english-v3.0", "search_document", 1024, 96), vendorRatePerSecond))
	}
	if key, ok := cfg.ProviderKeys["voyage"]; ok {
		reg.Register("voyage/voyage-2", embedding.NewRateLimited(embedding.NewVoyage("https://api.voyageai.com", key, "voyage-2", 1024, 128), vendorRatePerSecond))
	}
	if key, ok := cfg.ProviderKeys["portkey"]; ok {
		reg.Register("portkey/default", embedding.NewRateLimited(embedding.NewOpenAICompat("https://api.portkey.ai/v1", key, "default", 1536, 2048, embedding.WithAuthHeader("x-portkey-api-key")), vendorRatePerSecond))
	}
	if cfg.EmbeddingSvc != "" {
		reg.Register("ollama/nomic-embed-text", embedding.NewOllama(cfg.EmbeddingSvc, "nomic-embed-text", 768, 64))
		reg.Register("sentence-transformers/all-MiniLM-L6-v2", embedding.NewSentenceTransformers(cfg.EmbeddingSvc, 384, 64))
	}
}

var tableCmd = &cobra.Command{
	Use:   "table",
	Short: "Manage vectorized tables",
}

var tableCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new vectorized table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := setup(ctx)
		if err != nil {
			return err
		}
		defer d.pool.Close()

		schema, _ := cmd.Flags().GetString("schema")
		relation, _ := cmd.Flags().GetString("relation")
		pk, _ := cmd.Flags().GetString("primary-key")
		pkType, _ := cmd.Flags().GetString("primary-key-type")
		textCols, _ := cmd.Flags().GetString("columns")
		updateCol, _ := cmd.Flags().GetString("update-column")
		transformer, _ := cmd.Flags().GetString("transformer")
		searchAlg, _ := cmd.Flags().GetString("search-alg")
		tableMethod, _ := cmd.Flags().GetString("table-method")
		schedule, _ := cmd.Flags().GetString("schedule")

		j, err := d.registry.Create(ctx, job.Spec{
			Name: args[0],
			Source: job.Source{
				Schema: schema, Relation: relation, PrimaryKey: pk, PrimaryKeyType: pkType,
				TextColumns: strings.Split(textCols, ","), UpdateColumn: updateCol,
			},
			Transformer: transformer,
			SearchAlg:   job.Metric(searchAlg),
			TableMethod: job.TableMethod(tableMethod),
			Schedule:    schedule,
		})
		if err != nil {
			return err
		}
		return printJSON(j)
	},
}

var tableDescribeCmd = &cobra.Command{
	Use:   "describe <name>",
	Short: "Describe a vectorized table's frozen params and live state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := setup(ctx)
		if err != nil {
			return err
		}
		defer d.pool.Close()
		j, err := d.registry.Describe(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(j)
	},
}

var tableDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Tear down a vectorized table: capture, storage, then metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := setup(ctx)
		if err != nil {
			return err
		}
		defer d.pool.Close()
		if err := d.registry.Delete(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("table %q deleted\n", args[0])
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <table> <query>",
	Short: "Run a hybrid semantic+lexical search against a vectorized table",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := setup(ctx)
		if err != nil {
			return err
		}
		defer d.pool.Close()

		j, err := d.jobs.Get(ctx, args[0])
		if err != nil {
			return err
		}
		topK, _ := cmd.Flags().GetInt("top-k")
		filterStr, _ := cmd.Flags().GetString("filter")

		var filter *search.Expression
		if filterStr != "" {
			filter, err = search.ParseString(filterStr)
			if err != nil {
				return err
			}
		}

		results, err := d.engine.Search(ctx, j, search.Options{
			Query: strings.Join(args[1:], " "),
			TopK:  topK,
			Filter: filter,
		})
		if err != nil {
			return err
		}
		return printJSON(results)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		d, err := setup(ctx)
		if err != nil {
			return err
		}
		defer d.pool.Close()

		srv := httpapi.NewServer(d.registry, d.engine, d.jobs, d.log)
		httpSrv := &http.Server{Addr: d.cfg.HTTPAddr, Handler: srv.Router()}

		errCh := make(chan error, 1)
		go func() { errCh <- httpSrv.ListenAndServe() }()
		d.log.Info("http server listening", "addr", d.cfg.HTTPAddr)

		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownGrace)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		case err := <-errCh:
			return err
		}
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		d, err := setup(ctx)
		if err != nil {
			return err
		}
		defer d.pool.Close()

		pool := worker.NewPool(d.pool, d.q, d.jobs, d.embedReg, d.log, d.cfg.Workers, d.cfg.BatchSize, d.cfg.VisibilityTimeout, d.cfg.MaxAttempts)
		d.log.Info("worker pool starting", "workers", d.cfg.Workers)
		return pool.Run(ctx)
	},
}

func init() {
	tableCmd.AddCommand(tableCreateCmd, tableDescribeCmd, tableDeleteCmd)

	tableCreateCmd.Flags().String("schema", "public", "source table schema")
	tableCreateCmd.Flags().String("relation", "", "source table name")
	tableCreateCmd.Flags().String("primary-key", "id", "source primary key column")
	tableCreateCmd.Flags().String("primary-key-type", "bigint", "source primary key SQL type")
	tableCreateCmd.Flags().String("columns", "", "comma-separated text columns to embed")
	tableCreateCmd.Flags().String("update-column", "", "timestamptz column used for incremental sweeps")
	tableCreateCmd.Flags().String("transformer", "stub/256", "embedding transformer, e.g. openai/text-embedding-3-small")
	tableCreateCmd.Flags().String("search-alg", "cosine", "distance metric: cosine, l2, inner_product")
	tableCreateCmd.Flags().String("table-method", "join", "join or append")
	tableCreateCmd.Flags().String("schedule", "realtime", `"realtime" or a cron expression`)

	searchCmd.Flags().Int("top-k", 10, "number of results to return")
	searchCmd.Flags().String("filter", "", "filter expression, e.g. \"category = 'ai'\"")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
