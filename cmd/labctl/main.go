// Command labctl is the lab-report catalog, mapping, and query service —
// ingest uploads/Gmail attachments, resolve analytes/units, and answer
// natural-language questions with validated read-only SQL.
//
// Subcommand structure follows falcon's cmd/falcon/main.go cobra
// pattern; the server-wiring steps (load config, connect database, set
// up gin router, listen) follow the teacher's cmd/tarsy/main.go. Config
// loading itself stays on pkg/config's godotenv-based Load() rather than
// viper — see DESIGN.md.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/labctl/labctl/pkg/api"
	"github.com/labctl/labctl/pkg/catalog"
	"github.com/labctl/labctl/pkg/config"
	"github.com/labctl/labctl/pkg/database"
	"github.com/labctl/labctl/pkg/jobs"
	"github.com/labctl/labctl/pkg/llmclient"
	"github.com/labctl/labctl/pkg/reportproc"
	"github.com/labctl/labctl/pkg/schemainfo"
	"github.com/labctl/labctl/pkg/schemawatch"
	"github.com/labctl/labctl/pkg/unitnorm"
	"github.com/labctl/labctl/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "labctl",
	Short: "Lab report catalog, mapping, and query service",
	Long: `labctl ingests laboratory reports from uploads or Gmail, extracts
structured measurements via a vision model, resolves each raw
measurement to a canonical analyte/unit, and answers natural-language
questions with validated, read-only SQL.`,
}

func main() {
	rootCmd.AddCommand(serveCmd, ingestCmd, queryCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// bootstrap wires every component Load()'d config needs: the admin/app
// database client, the catalog store, the LLM client, and the schema
// cache, matching the teacher's cmd/tarsy/main.go initialization order
// (config → database → dependent services).
type bootstrap struct {
	cfg         *config.Config
	db          *database.Client
	catalog     *catalog.Store
	llm         llmclient.Client
	schema      *schemainfo.Cache
	schemaWatch *schemawatch.Listener
	unit        *unitnorm.Normalizer
	reports     *reportproc.Processor
}

func newBootstrap(ctx context.Context) (*bootstrap, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	dbClient, err := database.NewClient(ctx, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	store := catalog.New(dbClient.DB())

	llm, err := llmclient.NewClient(ctx, os.Getenv("LLM_API_KEY"), os.Getenv("LLM_MODEL"), llmclient.DefaultRetryPolicy())
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}

	schemaWhitelist := []string{
		"patients", "patient_reports", "lab_results", "analytes",
		"analyte_aliases", "pending_analytes", "match_reviews",
		"unit_aliases", "unit_reviews", "query_sessions",
		"sql_generation_logs", "gmail_provenances", "users", "sessions",
	}
	schemaCache := schemainfo.NewCache(cfg.SchemaCacheTTL, schemaWhitelist)
	if err := schemaCache.Refresh(ctx, dbClient.DB()); err != nil {
		slog.Warn("initial schema snapshot refresh failed", "error", err)
	}
	schemaWatch := schemawatch.New(cfg.DB.AdminDSN(), schemaCache)

	unitNorm := unitnorm.New(store, llm, cfg.UnitNorm)
	reports := reportproc.New(dbClient.DB(), store, llm, unitNorm, cfg.UnitNorm.MaxConcurrency, nil, nil)

	return &bootstrap{
		cfg: cfg, db: dbClient, catalog: store, llm: llm,
		schema: schemaCache, schemaWatch: schemaWatch, unit: unitNorm, reports: reports,
	}, nil
}

func (b *bootstrap) close() {
	if b.schemaWatch != nil {
		b.schemaWatch.Stop()
	}
	if b.db != nil {
		_ = b.db.Close()
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		b, err := newBootstrap(ctx)
		if err != nil {
			return err
		}
		defer b.close()

		if err := b.schemaWatch.Start(ctx); err != nil {
			slog.Warn("schema invalidation listener failed to start, falling back to TTL-only refresh", "error", err)
		}

		jobRegistry := jobs.New()
		sweep := jobs.NewSweepService(b.db.AdminDB(), b.cfg.JobCleanupInterval)
		sweep.Start(ctx)
		defer sweep.Stop()

		server := api.NewServer(api.Deps{
			DB:      b.db,
			Catalog: b.catalog,
			LLM:     b.llm,
			Schema:  b.schema,
			Reports: b.reports,
			Jobs:    jobRegistry,
		})

		addr := fmt.Sprintf(":%d", b.cfg.HTTP.Port)
		httpServer := &http.Server{Addr: addr, Handler: server.Router()}

		slog.Info("labctl starting", "version", version.Full(), "addr", addr)

		errCh := make(chan error, 1)
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		case err := <-errCh:
			return err
		}
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [patient-id] [file]",
	Short: "Ingest a single lab report file for a patient",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		b, err := newBootstrap(ctx)
		if err != nil {
			return err
		}
		defer b.close()

		patientID, path := args[0], args[1]
		payload, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		mimeType := mimeFromExtension(path)
		result, err := b.reports.Ingest(ctx, patientID, path, mimeType, payload)
		if err != nil {
			return fmt.Errorf("ingest: %w", err)
		}

		fmt.Printf("report %s: %d results, %d mapping outcomes\n", result.ReportID, result.ResultCount, len(result.Mapping.Outcomes))
		return nil
	},
}

var queryCmd = &cobra.Command{
	Use:   "query [question]",
	Short: "Ask a natural-language question against the catalog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		fmt.Println("labctl query is served over HTTP POST /api/v1/query — see `labctl serve`.")
		fmt.Println("question:", args[0])
		_ = ctx
		return nil
	},
}

func mimeFromExtension(path string) string {
	switch {
	case len(path) > 4 && path[len(path)-4:] == ".pdf":
		return "application/pdf"
	case len(path) > 4 && path[len(path)-4:] == ".png":
		return "image/png"
	case len(path) > 4 && (path[len(path)-4:] == ".jpg" || path[len(path)-5:] == ".jpeg"):
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
