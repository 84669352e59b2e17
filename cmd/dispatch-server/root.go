package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/searchktools/dispatch-server/app"
	"github.com/searchktools/dispatch-server/config"
)

type rootOptions struct {
	configPath string
	envFile    string
	addr       string
	logLevel   string
	watch      bool
}

func newRootCmd() *cobra.Command {
	var opts rootOptions

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Asynchronous HTTP/1.1 dispatch server",
		Long: fmt.Sprintf(`%s - asynchronous HTTP/1.1 dispatch server

Configuration is read from defaults, an optional YAML file, an optional .env
file and DISPATCH_ environment variables (DISPATCH_SERVER__ADDR=:8081), in
increasing priority. Flags win over everything.
`, appName),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := newLoader(cmd, opts)
			cfg, err := loader.Load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, loader, opts.watch)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML configuration file")
	flags.StringVar(&opts.envFile, "env-file", ".env", "path to a .env file (ignored when missing)")
	flags.StringVar(&opts.addr, "addr", "", "listen address, overrides server.addr")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	flags.BoolVar(&opts.watch, "watch", true, "reload log level and rate limits when the config file changes")

	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newLoader(cmd *cobra.Command, opts rootOptions) *config.Loader {
	overrides := make(map[string]any)
	if cmd.Flags().Changed("addr") {
		overrides["server.addr"] = opts.addr
	}
	if cmd.Flags().Changed("log-level") {
		overrides["log.level"] = opts.logLevel
	}
	return config.NewLoader(
		config.WithConfigFile(opts.configPath),
		config.WithEnvFile(opts.envFile),
		config.WithOverrides(overrides),
	)
}

func run(ctx context.Context, cfg config.Config, loader *config.Loader, watch bool) error {
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	registerRoutes(a.Engine(), cfg.Demo)

	a.Logger().Info().
		Str("version", version).
		Str("commit", commit).
		Str("config", loader.FilePath()).
		Msg("starting " + appName)

	if watch && loader.FilePath() != "" {
		if err := a.Watch(loader); err != nil {
			a.Logger().Warn().Err(err).Msg("config watcher disabled")
		}
	}
	return a.Run(ctx)
}
