package cli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ragademic/pkg/adapter"
	"github.com/m-mizutani/ragademic/pkg/chunker"
	"github.com/m-mizutani/ragademic/pkg/model"
	"github.com/m-mizutani/ragademic/pkg/repository"
	"github.com/m-mizutani/ragademic/pkg/usecase/chat"
	"github.com/m-mizutani/ragademic/pkg/usecase/index"
	"github.com/m-mizutani/ragademic/pkg/utils/logging"
	"github.com/m-mizutani/ragademic/pkg/utils/retry"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

const (
	backendSQLite    = "sqlite"
	backendFirestore = "firestore"
	backendMemory    = "memory"
)

// config holds configuration values
type config struct {
	logLevel   string
	logFormat  string
	configFile string

	// Repository
	backend     string
	storageRoot string
	project     string
	database    string

	// Adapters
	geminiAPIKey   string
	geminiProject  string
	geminiLocation string

	// History archive
	historyBucket string
	historyDir    string
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("RAGADEMIC_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "Log format (console, json)",
			Value:       "console",
			Sources:     cli.EnvVars("RAGADEMIC_LOG_FORMAT"),
			Destination: &cfg.logFormat,
		},
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "Path to YAML settings file",
			Sources:     cli.EnvVars("RAGADEMIC_CONFIG"),
			Destination: &cfg.configFile,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "Collection storage backend (sqlite, firestore, memory)",
			Value:       backendSQLite,
			Sources:     cli.EnvVars("RAGADEMIC_BACKEND"),
			Destination: &cfg.backend,
		},
		&cli.StringFlag{
			Name:        "storage-root",
			Usage:       "Directory holding one collection per course (sqlite backend)",
			Value:       "storage",
			Sources:     cli.EnvVars("RAGADEMIC_STORAGE_ROOT"),
			Destination: &cfg.storageRoot,
		},
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID",
			Sources:     cli.EnvVars("GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
	}
}

// llmFlags returns flags for LLM-related configuration with destination config
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "gemini-api-key",
			Usage:       "Gemini API key",
			Sources:     cli.EnvVars("GEMINI_API_KEY"),
			Destination: &cfg.geminiAPIKey,
		},
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini on Vertex AI",
			Sources:     cli.EnvVars("GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini on Vertex AI",
			Value:       "us-central1",
			Sources:     cli.EnvVars("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
	}
}

// archiveFlags returns flags for chat history persistence
func archiveFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "history-bucket",
			Usage:       "Cloud Storage bucket for chat histories",
			Sources:     cli.EnvVars("RAGADEMIC_HISTORY_BUCKET"),
			Destination: &cfg.historyBucket,
		},
		&cli.StringFlag{
			Name:        "history-dir",
			Usage:       "Local directory for chat histories, used when no bucket is set",
			Sources:     cli.EnvVars("RAGADEMIC_HISTORY_DIR"),
			Destination: &cfg.historyDir,
		},
	}
}

// setupLogger installs the configured logger as default and into ctx
func (cfg *config) setupLogger(ctx context.Context) context.Context {
	logger := logging.NewWithFormat(cfg.logLevel, logging.ParseFormat(cfg.logFormat), os.Stderr)
	logging.SetDefault(logger)
	return logging.With(ctx, logger)
}

// newRepository creates a new repository instance
func (cfg *config) newRepository(ctx context.Context) (repository.Repository, error) {
	switch cfg.backend {
	case backendSQLite:
		repo, err := repository.NewSQLite(cfg.storageRoot)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create sqlite repository")
		}
		return repo, nil

	case backendFirestore:
		if cfg.project == "" {
			return nil, goerr.Wrap(model.ErrConfig, "project is required for firestore backend")
		}
		repo, err := repository.NewFirestore(ctx, cfg.project, cfg.database)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create firestore repository")
		}
		return repo, nil

	case backendMemory:
		return repository.NewMemory(), nil
	}

	return nil, goerr.Wrap(model.ErrConfig, "unsupported backend",
		goerr.V("backend", cfg.backend),
		goerr.V("supported", []string{backendSQLite, backendFirestore, backendMemory}))
}

// newGemini creates a Gemini client. apiKey overrides the configured key.
func (cfg *config) newGemini(ctx context.Context, st *settings, apiKey string) (*adapter.GeminiClient, error) {
	if apiKey == "" {
		apiKey = cfg.geminiAPIKey
	}

	opts := []adapter.GeminiOption{
		adapter.WithGenerativeModel(st.GenerativeModel),
		adapter.WithEmbeddingModel(st.Embedding.Model),
		adapter.WithEmbeddingDimensions(st.Embedding.Dimensions),
	}
	switch {
	case apiKey != "":
		opts = append(opts, adapter.WithAPIKey(apiKey))
	case cfg.geminiProject != "":
		opts = append(opts, adapter.WithVertexAI(cfg.geminiProject, cfg.geminiLocation))
	default:
		return nil, goerr.Wrap(model.ErrConfig, "gemini-api-key or gemini-project is required")
	}

	client, err := adapter.NewGemini(ctx, opts...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create gemini client")
	}
	return client, nil
}

// newServices binds a fresh set of service handles over repo. Called again
// with a new API key to rebind running sessions.
func (cfg *config) newServices(ctx context.Context, repo repository.Repository, st *settings, apiKey string) (chat.Services, error) {
	gemini, err := cfg.newGemini(ctx, st, apiKey)
	if err != nil {
		return chat.Services{}, err
	}
	return chat.Services{
		Store:     index.New(repo, gemini, index.WithRetryPolicy(st.retryPolicy())),
		Generator: gemini,
	}, nil
}

// newArchive returns the chat history storage, or nil when none is configured
func (cfg *config) newArchive(ctx context.Context) (adapter.Storage, error) {
	switch {
	case cfg.historyBucket != "":
		storage, err := adapter.NewCloudStorage(ctx, cfg.historyBucket, "")
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create storage")
		}
		return storage, nil
	case cfg.historyDir != "":
		return adapter.NewFileStorage(cfg.historyDir), nil
	}
	return nil, nil
}

// settings are tunables loaded from the YAML settings file
type settings struct {
	SystemPrompt    string        `yaml:"system_prompt"`
	TopK            int           `yaml:"top_k"`
	TokenBudget     int           `yaml:"token_budget"`
	ChunkSize       int           `yaml:"chunk_size"`
	ChunkOverlap    int           `yaml:"chunk_overlap"`
	GenerativeModel string        `yaml:"generative_model"`
	Embedding       embedSettings `yaml:"embedding"`
	Retry           retrySettings `yaml:"retry"`
}

type embedSettings struct {
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

type retrySettings struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier"`
}

func defaultSettings() *settings {
	return &settings{
		SystemPrompt:    chat.DefaultSystemPrompt(),
		TopK:            chat.DefaultTopK,
		TokenBudget:     chat.DefaultTokenBudget,
		ChunkSize:       chunker.DefaultChunkSize,
		ChunkOverlap:    chunker.DefaultChunkOverlap,
		GenerativeModel: adapter.DefaultGenerativeModel,
		Embedding: embedSettings{
			Model:      adapter.DefaultEmbeddingModel,
			Dimensions: adapter.DefaultEmbeddingDimensions,
		},
		Retry: retrySettings{
			MaxAttempts: retry.DefaultMaxAttempts,
			BaseDelay:   retry.DefaultBaseDelay,
			Multiplier:  retry.DefaultMultiplier,
		},
	}
}

// loadSettings reads path over the defaults. An empty path or a missing file yields defaults.
func loadSettings(path string) (*settings, error) {
	st := defaultSettings()
	if path == "" {
		return st, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to resolve settings path", goerr.V("path", path))
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return st, nil
		}
		return nil, goerr.Wrap(err, "failed to read settings file", goerr.V("path", absPath))
	}

	if err := yaml.Unmarshal(data, st); err != nil {
		return nil, goerr.Wrap(errors.Join(model.ErrConfig, err), "failed to parse settings file", goerr.V("path", absPath))
	}
	return st, nil
}

func (st *settings) retryPolicy() *retry.Policy {
	return retry.New(
		retry.WithMaxAttempts(st.Retry.MaxAttempts),
		retry.WithBaseDelay(st.Retry.BaseDelay),
		retry.WithMultiplier(st.Retry.Multiplier),
		retry.WithRetryable(index.IsTransient),
	)
}

func (st *settings) engineOptions() []chat.EngineOption {
	return []chat.EngineOption{
		chat.WithSystemPrompt(st.SystemPrompt),
		chat.WithTopK(st.TopK),
		chat.WithGenerateRetry(st.retryPolicy()),
	}
}

func (st *settings) splitter() *chunker.Splitter {
	return chunker.NewSplitter(
		chunker.WithChunkSize(st.ChunkSize),
		chunker.WithChunkOverlap(st.ChunkOverlap),
	)
}
