package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/tkspuk/netpulse-sdk/client"
	"github.com/tkspuk/netpulse-sdk/config"
	"github.com/tkspuk/netpulse-sdk/history"
	"github.com/tkspuk/netpulse-sdk/transport"
)

const AppName = "netpulse"

type App struct {
	logger zerolog.Logger
	out    io.Writer
	cli    *cli.App
	// Arguments of the current invocation, kept for the history
	args []string
}

// Option configures an App.
type Option func(*App)

// WithOutput sets where command output is written. Logs always go to stderr.
func WithOutput(w io.Writer) Option {
	return func(a *App) {
		a.out = w
	}
}

func New(opts ...Option) *App {

	// Set default log level to info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logger :=
		log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339Nano,
		})

	app := &App{
		logger: logger,
		out:    os.Stdout,
		cli: &cli.App{
			Name:  AppName,
			Usage: "Run commands on network devices through a NetPulse controller",
			// Commands routinely contain commas.
			DisableSliceFlagSeparator: true,
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "verbose",
					Usage: "Enable verbose (debug) logging",
				},
				&cli.StringFlag{
					Name:    "config",
					Usage:   "Config file (default: ./netpulse.yaml or ~/.netpulse/config.yaml)",
					EnvVars: []string{"NETPULSE_CONFIG"},
				},
				&cli.StringFlag{
					Name:    "profile",
					Usage:   "Config profile to use",
					Value:   config.DefaultProfile,
					EnvVars: []string{"NETPULSE_PROFILE"},
				},
				&cli.StringFlag{
					Name:  "url",
					Usage: "Controller URL, overrides the config file",
				},
				&cli.StringFlag{
					Name:  "api-key",
					Usage: "API key, overrides the config file",
				},
				&cli.DurationFlag{
					Name:  "http-timeout",
					Usage: "Timeout of a single API request",
				},
				&cli.StringFlag{
					Name:  "history-db",
					Usage: "Submission history database (default: ~/.netpulse/history.db)",
				},
				&cli.BoolFlag{
					Name:  "no-history",
					Usage: "Do not record submissions",
				},
			},
			Before: func(ctx *cli.Context) error {
				if ctx.Bool("verbose") {
					zerolog.SetGlobalLevel(zerolog.DebugLevel)
				}
				return nil
			},
		},
	}
	for _, opt := range opts {
		opt(app)
	}
	app.cli.Writer = app.out

	app.cli.Commands = append(app.cli.Commands, app.submitCommands()...)
	app.cli.Commands = append(app.cli.Commands, app.jobCommand())
	app.cli.Commands = append(app.cli.Commands, app.deviceCommands()...)
	app.cli.Commands = append(app.cli.Commands, app.historyCommand())
	return app
}

func (a *App) Run(args []string) error {
	a.args = args
	return a.cli.Run(args)
}

// SetVersion sets the version information for the CLI application
func (a *App) SetVersion(version, commit, date string) {
	a.cli.Version = version
	if commit != "none" && len(commit) >= 8 {
		a.cli.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit[:8], date)
	}
}

// newClient builds a client from the config file, with global flags taking
// precedence.
func (a *App) newClient(ctx *cli.Context) (*client.Client, error) {
	p, err := config.Load(ctx.String("config"), ctx.String("profile"), config.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}
	if v := ctx.String("url"); v != "" {
		p.BaseURL = v
	}
	if v := ctx.String("api-key"); v != "" {
		p.APIKey = v
	}

	var opts []client.Option
	opts = append(opts, client.WithLogger(a.logger))
	if d := ctx.Duration("http-timeout"); d > 0 {
		opts = append(opts, client.WithTransportOptions(transport.WithTimeout(d)))
	}
	c, err := client.FromConfig(p, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client (set --url/--api-key, %s/%s or a config file): %w", config.EnvURL, config.EnvAPIKey, err)
	}
	a.logger.Debug().Str("url", p.BaseURL).Str("source", p.Source).Msg("Using controller")
	return c, nil
}

// openHistory opens the history store, or returns nil when history is
// disabled.
func (a *App) openHistory(ctx *cli.Context) (*history.Store, error) {
	if ctx.Bool("no-history") {
		return nil, nil
	}
	path := ctx.String("history-db")
	if path == "" {
		var err error
		if path, err = history.DefaultPath(); err != nil {
			return nil, err
		}
	}
	return history.Open(a.logger, path)
}
