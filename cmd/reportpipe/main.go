package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/avaskys/reportpipe/config"
	"github.com/avaskys/reportpipe/logging"
	"github.com/avaskys/reportpipe/pipeline"
	"github.com/avaskys/reportpipe/stages"
	"github.com/avaskys/reportpipe/store"
)

var version = "dev"

const (
	_ = iota
	exitDotenvError
	exitNoSourceSpecified
	exitSourceExpandFailed
	exitNoAPIKey
	exitLoadConfigFailed
	exitOutputDirectoryCreateFailed
	exitAnalyzerInitFailed
	exitTemplateLoadFailed
	exitDatabaseError
	exitRunErrors
)

type sourceList []string

func (s *sourceList) String() string { return strings.Join(*s, ",") }

func (s *sourceList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

var (
	sources      sourceList
	outputDir    string
	configFile   string
	templateFile string
	reportTitle  string
	modelName    string
	parallelism  int
	loggingType  string
	logLevel     string
	showVersion  bool
)

func init() {
	flag.Var(
		&sources,
		"source",
		"CSV/JSON file or glob to report on (repeatable)")
	flag.StringVar(
		&outputDir,
		"output-dir",
		"reports",
		"directory for rendered reports")
	flag.StringVar(
		&configFile,
		"config",
		"",
		"pipeline YAML with per-stage retry and timeout settings")
	flag.StringVar(
		&templateFile,
		"template",
		"",
		"custom report template file (default: built-in Markdown)")
	flag.StringVar(
		&reportTitle,
		"title",
		"Data Report",
		"report title")
	flag.StringVar(
		&modelName,
		"model",
		stages.DefaultModel,
		"generative model for the insight stage")
	flag.IntVar(
		&parallelism,
		"parallelism",
		4,
		"max concurrent pipeline runs")
	flag.StringVar(
		&loggingType,
		"logging-type",
		"tint",
		"logging type: json, text or tint")
	flag.StringVar(
		&logLevel,
		"log-level",
		"info",
		"logging level: debug, info, warn, error")
	flag.BoolVar(
		&showVersion,
		"version",
		false,
		"print version and exit")
}

func main() {
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	_ = logging.Initialize(loggingType, logLevel)

	includeEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	paths := expandSources()
	cfg := loadConfig()
	ensureOutputDirectory()

	analyzer := newAnalyzer(ctx)
	renderer := newRenderer()
	obs, cleanup := newObserver(ctx)
	defer cleanup()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, path := range paths {
		g.Go(func() error {
			return runOne(gctx, path, cfg, analyzer, renderer, obs)
		})
	}
	if err := g.Wait(); err != nil {
		slog.Error("run failed", "error", err)
		os.Exit(exitRunErrors)
	}

	slog.Info("done", "reports", len(paths), "output", outputDir)
}

// runOne executes the full ingest/transform/summarize/render pipeline for a
// single source file and writes the rendered document next to the others.
func runOne(ctx context.Context, path string, cfg *config.PipelineConfig, a *stages.Analyzer, r *stages.Renderer, obs pipeline.Observer) error {
	reg := config.NewRegistry()
	reg.Register(stages.NewFileStage("ingest", path))
	reg.Register(stages.NewTransformStage("transform", "ingest"))
	reg.Register(stages.NewInsightStage("summarize", "transform", a))
	reg.Register(stages.NewRenderStage("render", "transform", "summarize", reportTitle, r))

	exec, err := config.Build(reg, cfg, pipeline.WithObserver(obs))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	ec := pipeline.NewContext()
	if _, err := exec.Run(ctx, ec); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	doc, ok := pipeline.Value[[]byte](ec, "render")
	if !ok {
		return fmt.Errorf("%s: no rendered document", path)
	}
	out := outputPath(path)
	if err := os.WriteFile(out, doc, 0644); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	slog.Info("report written", "source", path, "output", out)
	return nil
}

func includeEnv() {
	err := godotenv.Load()
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("failed to load .env", "error", err)
			os.Exit(exitDotenvError)
		}
		slog.Debug("no .env file found")
	} else {
		slog.Info("using .env file")
	}
}

func expandSources() []string {
	if len(sources) == 0 {
		slog.Error("-source not set")
		os.Exit(exitNoSourceSpecified)
	}
	paths, err := stages.ExpandSources(sources)
	if err != nil {
		slog.Error("failed to expand sources", "error", err)
		os.Exit(exitSourceExpandFailed)
	}
	if len(paths) == 0 {
		slog.Error("no files matched", "sources", sources.String())
		os.Exit(exitNoSourceSpecified)
	}
	return paths
}

func loadConfig() *config.PipelineConfig {
	if configFile == "" {
		return defaultConfig()
	}
	data, err := os.ReadFile(configFile)
	if err != nil {
		slog.Error("failed to read config", "filename", configFile, "error", err)
		os.Exit(exitLoadConfigFailed)
	}
	cfg, err := config.ParsePipelineConfig(data)
	if err != nil {
		slog.Error("failed to parse config", "filename", configFile, "error", err)
		os.Exit(exitLoadConfigFailed)
	}
	return cfg
}

// defaultConfig retries the stages that talk to the outside world and leaves
// the pure ones at a single attempt.
func defaultConfig() *config.PipelineConfig {
	return &config.PipelineConfig{
		Name: "report",
		Stages: []config.StageRef{
			{
				Name:        "ingest",
				MaxAttempts: 3,
				Backoff:     []config.Duration{config.Duration(time.Second)},
				Timeout:     config.Duration(30 * time.Second),
			},
			{Name: "transform"},
			{
				Name:        "summarize",
				MaxAttempts: 3,
				Backoff: []config.Duration{
					config.Duration(time.Second),
					config.Duration(5 * time.Second),
					config.Duration(30 * time.Second),
				},
				Timeout: config.Duration(2 * time.Minute),
			},
			{Name: "render"},
		},
	}
}

func ensureOutputDirectory() {
	if err := os.MkdirAll(outputDir, 0750); err != nil {
		slog.Error("failed to create output directory", "directory", outputDir, "error", err)
		os.Exit(exitOutputDirectoryCreateFailed)
	}
}

func newAnalyzer(ctx context.Context) *stages.Analyzer {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("GOOGLE_API_KEY")
	}
	if apiKey == "" {
		slog.Error("GEMINI_API_KEY or GOOGLE_API_KEY must be set")
		os.Exit(exitNoAPIKey)
	}
	a, err := stages.NewAnalyzer(ctx, apiKey, modelName)
	if err != nil {
		slog.Error("failed to initialize analyzer", "error", err)
		os.Exit(exitAnalyzerInitFailed)
	}
	return a
}

func newRenderer() *stages.Renderer {
	if templateFile == "" {
		return stages.NewRenderer()
	}
	r, err := stages.NewRendererFromFile(templateFile)
	if err != nil {
		slog.Error("failed to load template", "filename", templateFile, "error", err)
		os.Exit(exitTemplateLoadFailed)
	}
	return r
}

// newObserver returns the run observer. With DATABASE_URL set, run and stage
// records also land in Postgres.
func newObserver(ctx context.Context) (pipeline.Observer, func()) {
	logObs := pipeline.NewLogObserver(slog.Default())

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return logObs, func() {}
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(exitDatabaseError)
	}
	st := store.New(pool, slog.Default())
	if err := st.Migrate(ctx); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(exitDatabaseError)
	}
	return pipeline.MultiObserver(logObs, st), pool.Close
}

func outputPath(source string) string {
	base := filepath.Base(source)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(outputDir, base+"_report.md")
}
