package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zheng/codectx/internal/analyzer"
	"github.com/zheng/codectx/internal/config"
	"github.com/zheng/codectx/internal/engine"
	"github.com/zheng/codectx/internal/llm"
	"github.com/zheng/codectx/internal/mcp"
	"github.com/zheng/codectx/internal/parser"
	"github.com/zheng/codectx/internal/storage"
	"github.com/zheng/codectx/internal/telemetry"
)

var (
	ConfigPath string
	DbPath     string
	LogLevel   string

	cfg    = config.Default()
	logger = slog.Default()

	shutdownTracing = func(context.Context) error { return nil }
)

// RegisterCommands adds all subcommands to the root command
func RegisterCommands(rootCmd *cobra.Command) {
	rootCmd.AddCommand(indexCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(traceCmd())
	rootCmd.AddCommand(upstreamCmd())
	rootCmd.AddCommand(downstreamCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(riskCmd())
	rootCmd.AddCommand(hubsCmd())
	rootCmd.AddCommand(cyclesCmd())
	rootCmd.AddCommand(pathCmd())
	rootCmd.AddCommand(configCmd())
}

// Setup loads the configuration and applies the global flags. It runs
// before every subcommand.
func Setup(_ *cobra.Command, _ []string) error {
	c, err := config.Load(ConfigPath)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}
	if DbPath != "" {
		c.Storage.DBPath = DbPath
	}
	if LogLevel != "" {
		c.Logging.Level = LogLevel
		if err := c.Validate(); err != nil {
			return err
		}
	}
	cfg = c
	logger = cfg.Logger(os.Stderr)
	slog.SetDefault(logger)

	shutdown, err := telemetry.Init(context.Background(), cfg.Telemetry, mcp.Version, os.Stderr)
	if err != nil {
		return fmt.Errorf("初始化链路追踪失败: %w", err)
	}
	shutdownTracing = shutdown
	return nil
}

// Shutdown flushes pending spans. main calls it once the command is done.
func Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(ctx); err != nil {
		logger.Warn("flush traces failed", slog.String("error", err.Error()))
	}
}

func openDB() (*storage.DB, error) {
	db, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	return db, nil
}

func newIndexer(root string) (*analyzer.Indexer, error) {
	ix, err := analyzer.New(root, parser.NewRegistry(), cfg.IndexOptions(), logger)
	if err != nil {
		return nil, fmt.Errorf("初始化索引器失败: %w", err)
	}
	return ix, nil
}

// newEngine builds an empty engine. The embedder and summarizer are wired
// only when an API key is configured; without them queries run on the
// lexical and structural signals. The returned func releases the engine
// and the embedding cache.
func newEngine(withLLM bool) (*engine.Engine, func(), error) {
	options := []engine.Option{engine.WithLogger(logger)}
	var closers []func()

	if withLLM && cfg.LLM.APIKey != "" {
		if cfg.Embedding.Enabled {
			emb, err := llm.NewOpenAIEmbedder(cfg.LLM)
			if err != nil {
				return nil, nil, err
			}
			var embedder llm.Embedder = emb
			if cfg.Storage.CacheDir != "" {
				cached, err := llm.OpenCache(emb, emb.Model(), cfg.Storage.CacheDir, logger)
				if err != nil {
					return nil, nil, fmt.Errorf("打开向量缓存失败: %w", err)
				}
				closers = append(closers, func() { cached.Close() })
				embedder = cached
			}
			options = append(options, engine.WithEmbedder(embedder))
		}
		sum, err := llm.NewOpenAISummarizer(cfg.LLM)
		if err != nil {
			return nil, nil, err
		}
		options = append(options, engine.WithSummarizer(sum))
	} else if withLLM {
		logger.Debug("no api key configured, semantic retrieval disabled")
	}

	eng := engine.New(cfg.EngineOptions(), options...)
	cleanup := func() {
		eng.Close()
		for _, c := range closers {
			c()
		}
	}
	return eng, cleanup, nil
}

var errEmptyDatabase = errors.New("数据库为空, 请先运行 codectx index")

// loadEngine builds an engine and fills it from the database.
func loadEngine(ctx context.Context, withLLM bool) (*engine.Engine, func(), error) {
	db, err := openDB()
	if err != nil {
		return nil, nil, err
	}
	defer db.Close()
	return engineFromDB(ctx, db, withLLM)
}

func engineFromDB(ctx context.Context, db *storage.DB, withLLM bool) (*engine.Engine, func(), error) {
	doc, err := db.LoadDocument(ctx)
	if errors.Is(err, storage.ErrEmpty) {
		return nil, nil, errEmptyDatabase
	}
	if err != nil {
		return nil, nil, fmt.Errorf("读取数据库失败: %w", err)
	}

	eng, cleanup, err := newEngine(withLLM)
	if err != nil {
		return nil, nil, err
	}
	if err := eng.Import(doc); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("加载图失败: %w", err)
	}
	return eng, cleanup, nil
}
