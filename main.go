package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smazurov/framerelay/cmd"
	"github.com/smazurov/framerelay/internal/api"
	"github.com/smazurov/framerelay/internal/config"
	"github.com/smazurov/framerelay/internal/events"
	"github.com/smazurov/framerelay/internal/logging"
	"github.com/smazurov/framerelay/internal/pipeline"
	"github.com/spf13/pflag"
)

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *config.Options) {
		// Runs for every command, so subcommands share the loaded options.
		if loadErr := config.LoadConfig(opts, cli.Root().PersistentFlags()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}
		logging.Initialize(opts.Logging())

		hooks.OnStart(func() {
			os.Exit(run(opts, cli.Root().PersistentFlags()))
		})
	})

	cli.Root().Use = "framerelay"
	cli.Root().Short = "Stream rendered frames into an encoder and relay a live preview over UDP"
	cli.Root().AddCommand(cmd.CreateRelayCmd())
	cli.Root().AddCommand(cmd.CreateVersionCmd())

	cli.Run()
}

// run executes one export and returns the process exit code.
func run(opts *config.Options, flags *pflag.FlagSet) int {
	logger := logging.GetLogger("main")

	if !opts.VideoExport {
		logger.Info("Video export disabled, nothing to do")
		return 0
	}

	cfg, err := opts.Pipeline(time.Now())
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Pipeline settings are fixed for the run; only log levels follow the file.
	if opts.Config != "" {
		watcher := config.NewWatcher(opts.Config, config.LoggingLoader(*opts, flags), logging.GetLogger("config"))
		watcher.OnReload(func(lc logging.Config) {
			logging.SetLevels(lc.Level, lc.Modules)
		})
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Debug("Config file not watched", "path", opts.Config, "error", watchErr)
		}
	}

	eventBus := events.New()
	defer eventBus.Close()

	p := pipeline.New(cfg, pipeline.WithEvents(eventBus), pipeline.WithStdin(os.Stdin))

	if cfg.StatusAddr != "" {
		server := api.NewServer(&api.Options{
			Status:            p,
			EventBus:          eventBus,
			PrometheusHandler: promhttp.Handler(),
		})
		go func() {
			if startErr := server.Start(cfg.StatusAddr); startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
				logger.Error("Failed to start status API", "addr", cfg.StatusAddr, "error", startErr)
			}
		}()
		defer func() {
			if stopErr := server.Stop(); stopErr != nil {
				logger.Error("Error stopping status API", "error", stopErr)
			}
		}()
	}

	// The pipeline logs its own failure with the stage.
	if runErr := p.Run(ctx); runErr != nil {
		return 1
	}
	return 0
}
