// Package daemon provides the ingestion service daemon, receiving telemetry envelopes and storing them.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/trackside-telemetry/pipeline/internal/cli"
	"github.com/trackside-telemetry/pipeline/internal/constants"
	"github.com/trackside-telemetry/pipeline/internal/ingest/deadletter"
	"github.com/trackside-telemetry/pipeline/internal/ingest/metrics"
	"github.com/trackside-telemetry/pipeline/internal/ingest/ratelimit"
	"github.com/trackside-telemetry/pipeline/internal/ingest/storage"
	"github.com/trackside-telemetry/pipeline/internal/ingest/webservice"
	"github.com/ubuntu/decorate"
)

// Storage backends.
const (
	storageS3         = "s3"
	storageFilesystem = "filesystem"
)

// Rate limiter backends.
const (
	limiterMemory = "memory"
	limiterRedis  = "redis"
)

// connectTimeout bounds the initial connection to each external service.
const connectTimeout = 10 * time.Second

// App represents the application.
type App struct {
	cmd    *cobra.Command
	viper  *viper.Viper
	config appConfig

	daemon *webservice.Server

	ready chan struct{}
}

// appConfig holds the configuration for the application.
type appConfig struct {
	Verbosity int  `mapstructure:"verbose" yaml:"verbose"`
	JSONLogs  bool `mapstructure:"json-logs" yaml:"json-logs"`

	ListenHost     string        `mapstructure:"listen-host" yaml:"listen-host"`
	ListenPort     int           `mapstructure:"listen-port" yaml:"listen-port"`
	ReadTimeout    time.Duration `mapstructure:"read-timeout" yaml:"read-timeout"`
	WriteTimeout   time.Duration `mapstructure:"write-timeout" yaml:"write-timeout"`
	RequestTimeout time.Duration `mapstructure:"request-timeout" yaml:"request-timeout"`
	MaxHeaderBytes int           `mapstructure:"max-header-bytes" yaml:"max-header-bytes"`
	MaxBodyBytes   int64         `mapstructure:"max-body-bytes" yaml:"max-body-bytes"`

	Storage      string `mapstructure:"storage" yaml:"storage"`
	StorageDir   string `mapstructure:"storage-dir" yaml:"storage-dir"`
	Bucket       string `mapstructure:"bucket" yaml:"bucket"`
	Region       string `mapstructure:"region" yaml:"region"`
	Endpoint     string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey    string `mapstructure:"access-key" yaml:"access-key"`
	SecretKey    string `mapstructure:"secret-key" yaml:"secret-key"`
	CreateBucket bool   `mapstructure:"create-bucket" yaml:"create-bucket"`

	RateLimit        int           `mapstructure:"rate-limit" yaml:"rate-limit"`
	RateLimitWindow  time.Duration `mapstructure:"rate-limit-window" yaml:"rate-limit-window"`
	RateLimitBackend string        `mapstructure:"rate-limit-backend" yaml:"rate-limit-backend"`
	RedisURL         string        `mapstructure:"redis-url" yaml:"redis-url"`

	DeadLetterURL string `mapstructure:"dead-letter-url" yaml:"dead-letter-url"`
}

// envAliases are the environment variables read by earlier deployments of the service.
var envAliases = map[string]string{
	"bucket":      "S3_BUCKET_NAME",
	"region":      "AWS_REGION",
	"endpoint":    "S3_ENDPOINT_URL",
	"access-key":  "AWS_ACCESS_KEY_ID",
	"secret-key":  "AWS_SECRET_ACCESS_KEY",
	"listen-port": "PORT",
}

// New creates a new App instance with default values.
func New() (*App, error) {
	a := App{ready: make(chan struct{})}

	a.cmd = &cobra.Command{
		Use:           constants.IngestServiceCmdName,
		Short:         "F1 telemetry ingestion service",
		Long:          "F1 telemetry ingestion service accepting envelopes from edge devices and storing them in a date partitioned object store.",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Command parsing has been successful. Returns to not print usage anymore.
			a.cmd.SilenceUsage = true
			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs) // Set verbosity before loading config
			if err := cli.InitViperConfig(constants.IngestServiceCmdName, a.cmd, a.viper); err != nil {
				return err
			}
			if err := cli.BindEnvAliases(constants.IngestServiceCmdName, a.viper, envAliases); err != nil {
				return err
			}
			if err := a.viper.Unmarshal(&a.config, cli.DecodeHook()); err != nil {
				return fmt.Errorf("unable to strictly decode configuration into struct: %w", err)
			}

			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs) // Update logging after loading config if necessary
			slog.Info("got app config", "listen_port", a.config.ListenPort, "storage", a.config.Storage,
				"bucket", a.config.Bucket, "endpoint", a.config.Endpoint, "rate_limit", a.config.RateLimit)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a.cmd.SilenceUsage = true

			return a.run()
		},
	}
	a.viper = viper.New()
	a.cmd.CompletionOptions.HiddenDefaultCmd = true

	installRootCmd(&a)
	cli.InstallConfigFlag(a.cmd)

	if err := a.viper.BindPFlags(a.cmd.PersistentFlags()); err != nil {
		return nil, err
	}
	if err := a.viper.BindPFlags(a.cmd.Flags()); err != nil {
		return nil, err
	}

	a.installVersion()

	return &a, nil
}

func installRootCmd(app *App) {
	cmd := app.cmd

	cmd.PersistentFlags().CountVarP(&app.config.Verbosity, "verbose", "v", "issue INFO (-v), DEBUG (-vv)")
	cmd.PersistentFlags().BoolVar(&app.config.JSONLogs, "json-logs", false, "enable JSON formatted logs")

	// Server flags
	cmd.Flags().StringVar(&app.config.ListenHost, "listen-host", "", "host to listen on")
	cmd.Flags().IntVar(&app.config.ListenPort, "listen-port", constants.DefaultListenPort, "port to listen on")
	cmd.Flags().DurationVar(&app.config.ReadTimeout, "read-timeout", 5*time.Second, "read timeout for HTTP server")
	cmd.Flags().DurationVar(&app.config.WriteTimeout, "write-timeout", 35*time.Second, "write timeout for HTTP server")
	cmd.Flags().DurationVar(&app.config.RequestTimeout, "request-timeout", 30*time.Second, "request timeout for HTTP server")
	cmd.Flags().IntVar(&app.config.MaxHeaderBytes, "max-header-bytes", 1<<13, "maximum header bytes for HTTP server")
	cmd.Flags().Int64Var(&app.config.MaxBodyBytes, "max-body-bytes", 8<<20, "maximum size of a telemetry envelope")

	// Storage flags
	cmd.Flags().StringVar(&app.config.Storage, "storage", storageS3, "object store backend (s3, filesystem)")
	cmd.Flags().StringVar(&app.config.StorageDir, "storage-dir", constants.GetDefaultStorageDir(), "root directory of the filesystem backend")
	cmd.Flags().StringVar(&app.config.Bucket, "bucket", constants.DefaultBucket, "bucket envelopes are written to")
	cmd.Flags().StringVar(&app.config.Region, "region", constants.DefaultRegion, "region of the bucket")
	cmd.Flags().StringVar(&app.config.Endpoint, "endpoint", "", "S3 compatible endpoint overriding AWS, such as http://minio:9000")
	cmd.Flags().StringVar(&app.config.AccessKey, "access-key", "", "access key of the object store")
	cmd.Flags().StringVar(&app.config.SecretKey, "secret-key", "", "secret key of the object store")
	cmd.Flags().BoolVar(&app.config.CreateBucket, "create-bucket", false, "create the bucket when it is missing")

	// Rate limiting flags
	cmd.Flags().IntVar(&app.config.RateLimit, "rate-limit", 0, "requests allowed per sender and window, 0 disables rate limiting")
	cmd.Flags().DurationVar(&app.config.RateLimitWindow, "rate-limit-window", time.Minute, "rate limiting window")
	cmd.Flags().StringVar(&app.config.RateLimitBackend, "rate-limit-backend", limiterMemory, "rate limiter backend (memory, redis)")
	cmd.Flags().StringVar(&app.config.RedisURL, "redis-url", "redis://localhost:6379/0", "Redis URL of the shared rate limiter")

	cmd.Flags().StringVar(&app.config.DeadLetterURL, "dead-letter-url", "", "NATS URL receiving envelopes which could not be stored, empty to disable")

	if err := cmd.MarkFlagDirname("storage-dir"); err != nil {
		// This should never happen.
		panic(fmt.Sprintf("failed to mark storage-dir flag as directory: %v", err))
	}
}

// Run executes the command and associated process, returning an error if any.
func (a App) Run() error {
	return a.cmd.Execute()
}

// UsageError returns if the error is a command parsing or runtime one.
func (a App) UsageError() bool {
	return !a.cmd.SilenceUsage
}

// Hup prints all goroutine stack traces and return false to signal you shouldn't quit.
func (a App) Hup() (shouldQuit bool) {
	buf := make([]byte, 1<<16)
	runtime.Stack(buf, true)
	fmt.Printf("%s", buf)
	return false
}

// Quit gracefully shuts down the daemon.
func (a *App) Quit() {
	a.WaitReady()
	if a.daemon != nil {
		a.daemon.Quit(false)
	}
}

// WaitReady waits for the daemon to be ready.
func (a *App) WaitReady() {
	<-a.ready
}

// RootCmd returns the root command.
func (a App) RootCmd() cobra.Command {
	return *a.cmd
}

func (a *App) run() (err error) {
	defer decorate.OnError(&err, "ingest service")

	var closers []func() error
	defer func() {
		for _, c := range closers {
			if cErr := c(); cErr != nil {
				slog.Warn("Failed to release resource", "err", cErr)
			}
		}
	}()

	a.daemon, closers, err = a.setup(context.Background())
	close(a.ready)
	if err != nil {
		return err
	}

	return a.daemon.Run()
}

// setup builds the store, rate limiter and dead-letter publisher, and the server using them.
// The returned closers must be called once the server is done, even on error.
func (a *App) setup(ctx context.Context) (s *webservice.Server, closers []func() error, err error) {
	c := a.config

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewIngest(registry)

	store, err := a.newStore(ctx, recorder)
	if err != nil {
		return nil, nil, err
	}

	limiter, err := a.newLimiter(ctx)
	if err != nil {
		return nil, nil, err
	}
	closers = append(closers, limiter.Close)

	deps := webservice.Deps{
		Store:    store,
		Recorder: recorder,
		Limiter:  limiter,
		Registry: registry,
	}
	if dlq := a.newDeadLetter(ctx); dlq != nil {
		closers = append(closers, dlq.Close)
		deps.DeadLetter = dlq
	}

	s, err = webservice.New(ctx, deps, webservice.StaticConfig{
		ReadTimeout:    c.ReadTimeout,
		WriteTimeout:   c.WriteTimeout,
		RequestTimeout: c.RequestTimeout,
		MaxHeaderBytes: c.MaxHeaderBytes,
		MaxBodyBytes:   c.MaxBodyBytes,
		ListenHost:     c.ListenHost,
		ListenPort:     c.ListenPort,
	})
	if err != nil {
		return nil, closers, fmt.Errorf("failed to create server: %v", err)
	}
	return s, closers, nil
}

// newStore initializes the configured backend.
//
// A backend failing to initialize does not prevent the service from starting:
// the store then refuses every envelope until the service is restarted.
func (a *App) newStore(ctx context.Context, obs storage.UploadObserver) (*storage.Store, error) {
	c := a.config
	opts := []storage.Options{storage.WithObserver(obs)}

	var backend storage.Backend
	var err error
	switch c.Storage {
	case storageS3:
		ctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		backend, err = storage.NewS3(ctx, storage.S3Config{
			Endpoint:     c.Endpoint,
			Region:       c.Region,
			Bucket:       c.Bucket,
			AccessKey:    c.AccessKey,
			SecretKey:    c.SecretKey,
			CreateBucket: c.CreateBucket,
		})
	case storageFilesystem:
		backend, err = storage.NewFilesystem(c.StorageDir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q, expected %q or %q", c.Storage, storageS3, storageFilesystem)
	}
	if err != nil {
		slog.Error("Failed to initialize object store", "storage", c.Storage, "err", err)
		return storage.Unavailable(err, opts...), nil
	}

	slog.Info("Object store initialized", "storage", c.Storage, "bucket", backend.Bucket())
	return storage.New(backend, opts...), nil
}

// newLimiter returns the configured rate limiter.
// An unreachable Redis falls back to limiting each instance on its own.
func (a *App) newLimiter(ctx context.Context) (ratelimit.Limiter, error) {
	c := a.config
	if c.RateLimit < 0 {
		return nil, fmt.Errorf("rate limit must not be negative, got %d", c.RateLimit)
	}
	if c.RateLimit == 0 {
		return ratelimit.Noop{}, nil
	}
	if c.RateLimitWindow <= 0 {
		return nil, fmt.Errorf("rate limit window must be positive, got %v", c.RateLimitWindow)
	}

	switch c.RateLimitBackend {
	case limiterMemory:
		return ratelimit.NewMemory(c.RateLimit, c.RateLimitWindow), nil
	case limiterRedis:
		ctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		l, err := ratelimit.NewRedis(ctx, c.RedisURL, c.RateLimit, c.RateLimitWindow)
		if err != nil {
			slog.Warn("Shared rate limiter unavailable, limiting in memory", "err", err)
			return ratelimit.NewMemory(c.RateLimit, c.RateLimitWindow), nil
		}
		return l, nil
	default:
		return nil, errors.New("unknown rate limiter backend " + c.RateLimitBackend)
	}
}

// newDeadLetter connects to the dead-letter stream, if configured.
// Dead-lettering is best effort: a failed connection only disables it.
func (a *App) newDeadLetter(ctx context.Context) *deadletter.JetStream {
	if a.config.DeadLetterURL == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	dlq, err := deadletter.NewJetStream(ctx, a.config.DeadLetterURL)
	if err != nil {
		slog.Warn("Dead-letter stream unavailable, failed envelopes will only be logged", "err", err)
		return nil
	}
	return dlq
}
