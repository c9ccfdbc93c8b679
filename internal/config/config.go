// Package config loads codectx settings: defaults, then a YAML file, then
// CODECTX_* environment variables. Command line flags are applied on top by
// the CLI.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/zheng/codectx/internal/analyzer"
	"github.com/zheng/codectx/internal/closure"
	"github.com/zheng/codectx/internal/engine"
	"github.com/zheng/codectx/internal/graph"
	"github.com/zheng/codectx/internal/lexical"
	"github.com/zheng/codectx/internal/llm"
	"github.com/zheng/codectx/internal/retrieval"
	"github.com/zheng/codectx/internal/telemetry"
	"github.com/zheng/codectx/internal/updater"
)

// DefaultFile is read from the working directory when no path is given.
const DefaultFile = ".codectx.yaml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CODECTX_"

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	Storage   Storage           `yaml:"storage" envPrefix:"STORAGE_"`
	Index     Index             `yaml:"index" envPrefix:"INDEX_"`
	Retrieval retrieval.Options `yaml:"retrieval" envPrefix:"RETRIEVAL_"`
	Lexical   lexical.Config    `yaml:"lexical" envPrefix:"LEXICAL_"`
	Closure   Closure           `yaml:"closure" envPrefix:"CLOSURE_"`
	Query     Query             `yaml:"query" envPrefix:"QUERY_"`
	Embedding Embedding         `yaml:"embedding" envPrefix:"EMBEDDING_"`
	LLM       llm.Config        `yaml:"llm" envPrefix:"LLM_"`
	Watch     Watch             `yaml:"watch" envPrefix:"WATCH_"`
	Server    Server            `yaml:"server" envPrefix:"SERVER_"`
	Logging   Logging           `yaml:"logging" envPrefix:"LOG_"`
	Telemetry telemetry.Config  `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

type Storage struct {
	DBPath   string `yaml:"db_path" env:"DB_PATH"`     // sqlite 图数据库
	CacheDir string `yaml:"cache_dir" env:"CACHE_DIR"` // badger 向量缓存, 空表示不缓存
}

type Index struct {
	Workers     int      `yaml:"workers" env:"WORKERS"`
	SkipDirs    []string `yaml:"skip_dirs" env:"SKIP_DIRS" envSeparator:","`
	MaxFileSize int64    `yaml:"max_file_size" env:"MAX_FILE_SIZE"`
}

type Closure struct {
	MaxDepth    int     `yaml:"max_depth" env:"MAX_DEPTH"`
	Decay       float64 `yaml:"decay" env:"DECAY"`
	MaxChars    int     `yaml:"max_chars" env:"MAX_CHARS"`
	MaxEntities int     `yaml:"max_entities" env:"MAX_ENTITIES"`
	Seeds       int     `yaml:"seeds" env:"SEEDS"`
	Direction   string  `yaml:"direction" env:"DIRECTION"` // out | in | both
}

type Query struct {
	Timeout        time.Duration `yaml:"timeout" env:"TIMEOUT"`
	SummaryTimeout time.Duration `yaml:"summary_timeout" env:"SUMMARY_TIMEOUT"`
}

type Embedding struct {
	Enabled    bool               `yaml:"enabled" env:"ENABLED"`
	Dimensions int                `yaml:"dimensions" env:"DIMENSIONS"`
	Pool       updater.PoolConfig `yaml:"pool" envPrefix:"POOL_"`
}

type Watch struct {
	Debounce time.Duration `yaml:"debounce" env:"DEBOUNCE"`
	// Persist writes the graph back to the database after every batch.
	Persist bool `yaml:"persist" env:"PERSIST"`
}

type Server struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

type Logging struct {
	Level  string `yaml:"level" env:"LEVEL"`   // debug | info | warn | error
	Format string `yaml:"format" env:"FORMAT"` // text | json
}

// Default returns the built-in settings.
func Default() *Config {
	opts := engine.DefaultOptions()
	return &Config{
		Storage: Storage{DBPath: ".codectx/graph.db", CacheDir: ".codectx/embeddings"},
		Index: Index{
			MaxFileSize: analyzer.DefaultOptions().MaxFileSize,
		},
		Retrieval: opts.Retrieval,
		Lexical:   opts.Lexical,
		Closure: Closure{
			MaxDepth:  opts.Closure.MaxDepth,
			Decay:     opts.Closure.Decay,
			Direction: opts.Closure.Direction.String(),
		},
		Query: Query{Timeout: opts.QueryTimeout, SummaryTimeout: opts.SummaryTimeout},
		Embedding: Embedding{
			Enabled: true,
			Pool:    opts.Pool,
		},
		LLM: llm.Config{
			EmbeddingModel: "text-embedding-3-small",
			ChatModel:      "gpt-4o-mini",
		},
		Watch:     Watch{Debounce: 500 * time.Millisecond, Persist: true},
		Server:    Server{Addr: ":8080"},
		Logging:   Logging{Level: "info", Format: "text"},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path reads DefaultFile if it exists.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a command.
func (c *Config) Validate() error {
	if _, err := graph.ParseDirection(c.Closure.Direction); err != nil {
		return fmt.Errorf("%w: closure.direction: %v", ErrInvalid, err)
	}
	if c.Retrieval.LexicalWeight < 0 || c.Retrieval.SemanticWeight < 0 || c.Retrieval.StructuralWeight < 0 {
		return fmt.Errorf("%w: retrieval weights must not be negative", ErrInvalid)
	}
	if c.Closure.Decay < 0 || c.Closure.Decay > 1 {
		return fmt.Errorf("%w: closure.decay %v outside [0, 1]", ErrInvalid, c.Closure.Decay)
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: logging.format %q", ErrInvalid, c.Logging.Format)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("%w: telemetry: %v", ErrInvalid, err)
	}
	return nil
}

// EngineOptions converts the settings into engine options.
func (c *Config) EngineOptions() engine.Options {
	opts := engine.DefaultOptions()
	opts.Retrieval = c.Retrieval
	opts.Lexical = c.Lexical
	opts.Pool = c.Embedding.Pool
	opts.EmbeddingDimensions = c.Embedding.Dimensions
	opts.QueryTimeout = c.Query.Timeout
	opts.SummaryTimeout = c.Query.SummaryTimeout

	opts.Closure = closure.DefaultOptions()
	opts.Closure.MaxDepth = c.Closure.MaxDepth
	opts.Closure.Decay = c.Closure.Decay
	opts.Closure.Seeds = c.Closure.Seeds
	opts.Closure.Budget = closure.Budget{MaxChars: c.Closure.MaxChars, MaxEntities: c.Closure.MaxEntities}
	if dir, err := graph.ParseDirection(c.Closure.Direction); err == nil {
		opts.Closure.Direction = dir
	}
	return opts
}

// IndexOptions converts the settings into indexer options.
func (c *Config) IndexOptions() analyzer.Options {
	return analyzer.Options{
		Workers:     c.Index.Workers,
		SkipDirs:    c.Index.SkipDirs,
		MaxFileSize: c.Index.MaxFileSize,
	}
}

// Logger builds the slog logger described by the logging section.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Logging.Level)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Logging.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging.level %q", s)
	}
	return level, nil
}

// Write stores the settings as YAML, used by `codectx config init`. The
// API key is never written.
func (c *Config) Write(w io.Writer) error {
	out := *c
	out.LLM.APIKey = ""
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&out); err != nil {
		return err
	}
	return enc.Close()
}
