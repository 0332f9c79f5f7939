// Package config loads server configuration from the environment and builds
// the wired service components.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/altapix/image-vault/pkg/imagevault"
	"github.com/altapix/image-vault/pkg/imagevault/mime"
	"github.com/altapix/image-vault/pkg/imagevault/objectkey"
	imagingpipeline "github.com/altapix/image-vault/pkg/imagevault/pipeline/imaging"
	repomemory "github.com/altapix/image-vault/pkg/imagevault/repo/memory"
	repopg "github.com/altapix/image-vault/pkg/imagevault/repo/postgres"
	"github.com/altapix/image-vault/pkg/imagevault/scheduler"
	fsstorage "github.com/altapix/image-vault/pkg/imagevault/storage/fs"
	memorystorage "github.com/altapix/image-vault/pkg/imagevault/storage/memory"
	s3storage "github.com/altapix/image-vault/pkg/imagevault/storage/s3"
)

// ServerConfig represents server configuration for the image-vault service
type ServerConfig struct {
	Port        string `env:"PORT" env-default:"8080"`
	Environment string `env:"ENVIRONMENT" env-default:"development"`

	// Database configuration
	DatabaseType   string `env:"DATABASE_TYPE" env-default:"memory"` // "memory", "postgres"
	DatabaseURL    string `env:"DATABASE_URL"`
	MigrateOnStart bool   `env:"DATABASE_MIGRATE" env-default:"true"`

	// Storage configuration
	StorageType string `env:"STORAGE_TYPE" env-default:"memory"` // "memory", "fs", "s3"
	Bucket      string `env:"STORAGE_BUCKET" env-default:"assets"`

	FSBaseDir string `env:"FS_BASE_DIR" env-default:"./data/storage"`

	S3Region          string `env:"AWS_REGION" env-default:"us-east-1"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	S3Endpoint        string `env:"AWS_ENDPOINT"`
	S3UsePathStyle    bool   `env:"AWS_S3_USE_PATH_STYLE" env-default:"false"`
	S3CreateBucket    bool   `env:"AWS_S3_CREATE_BUCKET" env-default:"false"`

	// Processing configuration
	Workers        int `env:"WORKERS"`
	QueueSize      int `env:"QUEUE_SIZE" env-default:"64"`
	OnDemandWeight int `env:"ON_DEMAND_WEIGHT" env-default:"80"`

	// Maintenance configuration
	ReapInterval   time.Duration `env:"REAP_INTERVAL" env-default:"30s"`
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL" env-default:"1m"`
	SweepThreshold time.Duration `env:"SWEEP_THRESHOLD" env-default:"5m"`
}

// Load reads the configuration from the environment.
func Load() (*ServerConfig, error) {
	var cfg ServerConfig
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}
	if c.DatabaseType != "memory" && c.DatabaseType != "postgres" {
		return errors.New("DATABASE_TYPE must be 'memory' or 'postgres'")
	}
	if c.DatabaseType == "postgres" && c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required when using postgres")
	}
	switch c.StorageType {
	case "memory", "fs", "s3":
	default:
		return errors.New("STORAGE_TYPE must be 'memory', 'fs' or 's3'")
	}
	if c.Bucket == "" {
		return errors.New("storage bucket is required")
	}
	return nil
}

// Components bundles everything a server process runs: the service facade
// plus the background loops that need their own goroutines.
type Components struct {
	Service   imagevault.Service
	Scheduler *scheduler.Scheduler
	Reaper    *imagevault.Reaper
	Sweeper   *imagevault.Sweeper
}

// Build wires the configured repository, storage backend, pipeline pool,
// scheduler and maintenance loops into a ready-to-run component set.
func (c *ServerConfig) Build(ctx context.Context, logger *slog.Logger) (*Components, error) {
	repo, err := c.buildRepository(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build repository: %w", err)
	}
	store, err := c.buildObjectStore()
	if err != nil {
		return nil, fmt.Errorf("failed to build object store: %w", err)
	}

	sched, err := scheduler.New(scheduler.Config{
		Workers:        c.Workers,
		QueueSize:      c.QueueSize,
		OnDemandWeight: c.OnDemandWeight,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build scheduler: %w", err)
	}

	pipelines, err := imagevault.NewPipelinePool(sched.Workers(), func() imagevault.TransformationPipeline {
		return imagingpipeline.New()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build pipeline pool: %w", err)
	}

	svc, err := imagevault.NewService(
		imagevault.WithRepository(repo),
		imagevault.WithObjectStore(store),
		imagevault.WithPipelineSource(pipelines),
		imagevault.WithScheduler(sched),
		imagevault.WithMimeDetector(mime.New()),
		imagevault.WithKeyGenerator(objectkey.NewShardedGenerator()),
		imagevault.WithBucket(c.Bucket),
		imagevault.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build service: %w", err)
	}

	reaper := imagevault.NewReaper(repo, store,
		imagevault.WithReapInterval(c.ReapInterval),
		imagevault.WithReapLogger(logger),
	)
	sweeper := imagevault.NewSweeper(repo, store,
		imagevault.WithSweepInterval(c.SweepInterval),
		imagevault.WithSweepThreshold(c.SweepThreshold),
		imagevault.WithSweepLogger(logger),
	)

	return &Components{
		Service:   svc,
		Scheduler: sched,
		Reaper:    reaper,
		Sweeper:   sweeper,
	}, nil
}

// buildRepository creates a Repository based on the configuration
func (c *ServerConfig) buildRepository(ctx context.Context) (imagevault.Repository, error) {
	switch c.DatabaseType {
	case "memory":
		return repomemory.New(), nil
	case "postgres":
		pool, err := pgxpool.New(ctx, c.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create pgx pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("database ping failed: %w", err)
		}
		if c.MigrateOnStart {
			if err := repopg.Migrate(ctx, pool); err != nil {
				return nil, err
			}
		}
		return repopg.NewWithPool(pool), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", c.DatabaseType)
	}
}

// buildObjectStore creates an ObjectStore based on the configuration
func (c *ServerConfig) buildObjectStore() (imagevault.ObjectStore, error) {
	switch c.StorageType {
	case "memory":
		return memorystorage.New(), nil
	case "fs":
		return fsstorage.New(fsstorage.Config{BaseDir: c.FSBaseDir})
	case "s3":
		return s3storage.New(s3storage.Config{
			Region:                 c.S3Region,
			AccessKeyID:            c.S3AccessKeyID,
			SecretAccessKey:        c.S3SecretAccessKey,
			Endpoint:               c.S3Endpoint,
			UsePathStyle:           c.S3UsePathStyle,
			CreateBucketIfNotExist: c.S3CreateBucket,
			DefaultBucket:          c.Bucket,
		})
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", c.StorageType)
	}
}
