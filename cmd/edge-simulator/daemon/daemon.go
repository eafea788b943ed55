// Package daemon provides the edge simulator daemon, collecting race data and transmitting it to the ingestion service.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/trackside-telemetry/pipeline/internal/cli"
	"github.com/trackside-telemetry/pipeline/internal/constants"
	"github.com/trackside-telemetry/pipeline/internal/edge/delivery"
	"github.com/trackside-telemetry/pipeline/internal/edge/netsim"
	"github.com/trackside-telemetry/pipeline/internal/edge/provider"
	"github.com/trackside-telemetry/pipeline/internal/edge/transmitter"
	"github.com/trackside-telemetry/pipeline/internal/retry"
	"github.com/trackside-telemetry/pipeline/internal/telemetry"
	"github.com/ubuntu/decorate"
)

// App represents the application.
type App struct {
	cmd    *cobra.Command
	viper  *viper.Viper
	config appConfig

	cancel context.CancelFunc

	ready chan struct{}
}

// appConfig holds the configuration for the application.
type appConfig struct {
	Verbosity int  `mapstructure:"verbose" yaml:"verbose"`
	JSONLogs  bool `mapstructure:"json-logs" yaml:"json-logs"`

	Profile    string `mapstructure:"profile" yaml:"profile"`
	Provider   string `mapstructure:"provider" yaml:"provider"`
	Source     string `mapstructure:"source" yaml:"source"`
	EdgeID     string `mapstructure:"edge-id" yaml:"edge-id"`
	Race       string `mapstructure:"race" yaml:"race"`
	ReplayMode bool   `mapstructure:"replay-mode" yaml:"replay-mode"`

	CloudEndpoint string `mapstructure:"cloud-endpoint" yaml:"cloud-endpoint"`
	CacheDir      string `mapstructure:"cache-dir" yaml:"cache-dir"`
	WatchCache    bool   `mapstructure:"watch-cache" yaml:"watch-cache"`
	ErgastURL     string `mapstructure:"ergast-url" yaml:"ergast-url"`
	Season        string `mapstructure:"season" yaml:"season"`
	Round         string `mapstructure:"round" yaml:"round"`

	SimulateLatency bool          `mapstructure:"simulate-latency" yaml:"simulate-latency"`
	MinLatency      time.Duration `mapstructure:"min-latency" yaml:"min-latency"`
	MaxLatency      time.Duration `mapstructure:"max-latency" yaml:"max-latency"`
	SimulateLoss    bool          `mapstructure:"simulate-packet-loss" yaml:"simulate-packet-loss"`
	LossRate        float64       `mapstructure:"packet-loss-rate" yaml:"packet-loss-rate"`

	MaxAttempts int           `mapstructure:"max-attempts" yaml:"max-attempts"`
	BaseBackoff time.Duration `mapstructure:"base-backoff" yaml:"base-backoff"`
	MaxBackoff  time.Duration `mapstructure:"max-backoff" yaml:"max-backoff"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`

	Interval      time.Duration `mapstructure:"interval" yaml:"interval"`
	CategoryPause time.Duration `mapstructure:"category-pause" yaml:"category-pause"`
	Cooldown      time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
}

// envAliases are the environment variables read by earlier deployments of the simulator.
var envAliases = map[string]string{
	"cloud-endpoint":       "CLOUD_ENDPOINT",
	"interval":             "COLLECTION_INTERVAL",
	"simulate-latency":     "SIMULATE_LATENCY",
	"simulate-packet-loss": "SIMULATE_PACKET_LOSS",
	"packet-loss-rate":     "PACKET_LOSS_RATE",
	"edge-id":              "EDGE_ID",
}

// New creates a new App instance with default values.
func New() (*App, error) {
	a := App{ready: make(chan struct{})}

	a.cmd = &cobra.Command{
		Use:   constants.EdgeSimulatorCmdName,
		Short: "F1 edge telemetry simulator",
		Long: `Edge device simulator collecting Formula 1 race data, from a cached race or the Ergast API,
and transmitting it as telemetry envelopes to the ingestion service under simulated network conditions.`,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Command parsing has been successful. Returns to not print usage anymore.
			a.cmd.SilenceUsage = true
			cli.SetVerbosity(a.config.Verbosity) // Set verbosity before loading config
			if err := cli.InitViperConfig(constants.EdgeSimulatorCmdName, a.cmd, a.viper); err != nil {
				return err
			}
			if err := cli.BindEnvAliases(constants.EdgeSimulatorCmdName, a.viper, envAliases); err != nil {
				return err
			}
			if err := a.applyProfile(); err != nil {
				return err
			}
			if err := a.viper.Unmarshal(&a.config, cli.DecodeHook()); err != nil {
				return fmt.Errorf("unable to strictly decode configuration into struct: %w", err)
			}

			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs)
			slog.Info("got app config", "config", a.config)
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
	def := constants.Profiles[constants.ProfileTrackside]

	cmd.PersistentFlags().CountVarP(&app.config.Verbosity, "verbose", "v", "issue INFO (-v), DEBUG (-vv)")
	cmd.PersistentFlags().BoolVar(&app.config.JSONLogs, "json-logs", false, "write logs as JSON")

	cmd.PersistentFlags().StringVar(&app.config.Profile, "profile", constants.ProfileTrackside, "deployment profile seeding the defaults (generic, trackside)")
	cmd.Flags().StringVar(&app.config.Provider, "provider", def.Provider, "race data provider (replay, ergast)")
	cmd.Flags().StringVar(&app.config.Source, "source", def.Source, "source stamped in the envelope metadata")
	cmd.Flags().StringVar(&app.config.EdgeID, "edge-id", def.EdgeID, "identity of this edge device")
	cmd.Flags().StringVar(&app.config.Race, "race", def.Race, "race name stamped in the envelope metadata")
	cmd.Flags().BoolVar(&app.config.ReplayMode, "replay-mode", def.ReplayMode, "flag envelopes and requests as replayed")

	cmd.Flags().StringVar(&app.config.CloudEndpoint, "cloud-endpoint", constants.DefaultCloudEndpoint, "ingestion URL envelopes are posted to")
	cmd.Flags().StringVar(&app.config.CacheDir, "cache-dir", constants.DefaultCacheDir, "directory of the cached race files")
	cmd.Flags().BoolVar(&app.config.WatchCache, "watch-cache", true, "reload cached race files when they change")
	cmd.Flags().StringVar(&app.config.ErgastURL, "ergast-url", constants.DefaultErgastURL, "base URL of the Ergast API")
	cmd.Flags().StringVar(&app.config.Season, "season", "current", "season queried on the Ergast API")
	cmd.Flags().StringVar(&app.config.Round, "round", "last", "round queried on the Ergast API")

	cmd.Flags().BoolVar(&app.config.SimulateLatency, "simulate-latency", true, "delay each delivery by a random latency")
	cmd.Flags().DurationVar(&app.config.MinLatency, "min-latency", def.MinLatency, "minimum simulated latency")
	cmd.Flags().DurationVar(&app.config.MaxLatency, "max-latency", def.MaxLatency, "maximum simulated latency")
	cmd.Flags().BoolVar(&app.config.SimulateLoss, "simulate-packet-loss", false, "randomly drop deliveries")
	cmd.Flags().Float64Var(&app.config.LossRate, "packet-loss-rate", def.LossRate, "probability of dropping a delivery")

	cmd.Flags().IntVar(&app.config.MaxAttempts, "max-attempts", def.MaxAttempts, "attempts per delivery, including the first one")
	cmd.Flags().DurationVar(&app.config.BaseBackoff, "base-backoff", def.BaseBackoff, "wait after the first failed attempt, doubled after each failure")
	cmd.Flags().DurationVar(&app.config.MaxBackoff, "max-backoff", 30*time.Second, "maximum wait between two attempts")
	cmd.Flags().DurationVar(&app.config.Timeout, "timeout", constants.DeliveryTimeout, "timeout of a single delivery attempt")

	cmd.Flags().DurationVar(&app.config.Interval, "interval", def.Interval, "wait between two collection cycles")
	cmd.Flags().DurationVar(&app.config.CategoryPause, "category-pause", def.CategoryPause, "wait between two categories of a cycle")
	cmd.Flags().DurationVar(&app.config.Cooldown, "cooldown", def.Cooldown, "wait after a failed cycle")

	if err := cmd.MarkFlagDirname("cache-dir"); err != nil {
		// This should never happen.
		panic(fmt.Sprintf("failed to mark cache-dir flag as directory: %v", err))
	}
}

// applyProfile seeds the configuration defaults from the selected profile.
// Flags, environment and configuration file keep precedence over them.
func (a *App) applyProfile() error {
	name := a.viper.GetString("profile")
	p, ok := constants.Profiles[name]
	if !ok {
		return fmt.Errorf("unknown profile %q", name)
	}

	a.viper.SetDefault("provider", p.Provider)
	a.viper.SetDefault("source", p.Source)
	a.viper.SetDefault("edge-id", p.EdgeID)
	a.viper.SetDefault("race", p.Race)
	a.viper.SetDefault("replay-mode", p.ReplayMode)
	a.viper.SetDefault("min-latency", p.MinLatency)
	a.viper.SetDefault("max-latency", p.MaxLatency)
	a.viper.SetDefault("packet-loss-rate", p.LossRate)
	a.viper.SetDefault("max-attempts", p.MaxAttempts)
	a.viper.SetDefault("base-backoff", p.BaseBackoff)
	a.viper.SetDefault("interval", p.Interval)
	a.viper.SetDefault("category-pause", p.CategoryPause)
	a.viper.SetDefault("cooldown", p.Cooldown)
	return nil
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

// Quit stops the transmission loop once the in-flight delivery is done.
func (a *App) Quit() {
	a.WaitReady()
	if a.cancel != nil {
		a.cancel()
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
	defer decorate.OnError(&err, "edge simulator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.cancel = cancel

	loop, err := a.setup(ctx)
	close(a.ready)
	if err != nil {
		return err
	}

	slog.Info("Edge simulator started", "edge_id", a.config.EdgeID, "endpoint", a.config.CloudEndpoint, "provider", a.config.Provider)
	return loop.Run(ctx)
}

// setup wires the provider, builder, network simulator and delivery client into a transmission loop.
func (a *App) setup(ctx context.Context) (*transmitter.Loop, error) {
	c := a.config

	p, err := a.newProvider(ctx)
	if err != nil {
		return nil, err
	}

	b, err := telemetry.NewBuilder(telemetry.BuilderConfig{
		EdgeID:     c.EdgeID,
		Source:     c.Source,
		Version:    constants.APIVersion,
		Race:       c.Race,
		ReplayMode: c.ReplayMode,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid envelope configuration: %v", err)
	}

	sim, err := netsim.New(netsim.Config{
		SimulateLatency: c.SimulateLatency,
		MinLatency:      c.MinLatency,
		MaxLatency:      c.MaxLatency,
		SimulateLoss:    c.SimulateLoss,
		LossRate:        c.LossRate,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid network simulation: %v", err)
	}

	client, err := delivery.New(delivery.Config{
		Endpoint:   c.CloudEndpoint,
		EdgeID:     c.EdgeID,
		ReplayMode: c.ReplayMode,
		Timeout:    c.Timeout,
		Retry: retry.Policy{
			MaxAttempts: c.MaxAttempts,
			BaseBackoff: c.BaseBackoff,
			MaxBackoff:  c.MaxBackoff,
		},
	}, sim)
	if err != nil {
		return nil, fmt.Errorf("invalid delivery configuration: %v", err)
	}

	return transmitter.New(p, b, client, transmitter.Config{
		Categories:    telemetry.Categories,
		CategoryPause: c.CategoryPause,
		Interval:      c.Interval,
		Cooldown:      c.Cooldown,
	})
}

func (a *App) newProvider(ctx context.Context) (provider.Provider, error) {
	c := a.config

	switch c.Provider {
	case constants.ProviderErgast:
		e, err := provider.NewErgast(provider.ErgastConfig{
			BaseURL: c.ErgastURL,
			Season:  c.Season,
			Round:   c.Round,
		})
		if err != nil {
			return nil, err
		}
		return e, nil

	case constants.ProviderReplay:
		r := provider.NewReplayer(c.CacheDir)
		if !c.WatchCache {
			r.Load()
			return r, nil
		}

		changes, errs, err := r.Watch(ctx)
		if err != nil {
			slog.Warn("Cached race data will not be reloaded", "err", err)
			r.Load()
			return r, nil
		}
		go func() {
			for changes != nil || errs != nil {
				select {
				case _, ok := <-changes:
					if !ok {
						changes = nil
						continue
					}
					slog.Info("Cached race data reloaded", "available", r.Available())
				case err, ok := <-errs:
					if !ok {
						errs = nil
						continue
					}
					slog.Warn("Error watching cached race data", "err", err)
				}
			}
		}()
		return r, nil

	default:
		return nil, fmt.Errorf("unknown provider %q, expected %q or %q", c.Provider, constants.ProviderReplay, constants.ProviderErgast)
	}
}
