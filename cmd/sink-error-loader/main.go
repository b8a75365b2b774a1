package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"sink-error-loader/loader"
	"sink-error-loader/logging"
)

var (
	configPath  string
	addr        string
	debug       bool
	once        bool
	bootstrap   bool
	logToStdErr bool
)

func main() {
	app := &cli.App{
		Name:  "sink-error-loader",
		Usage: "Reloads log entries rejected by a log sink into the sink's table",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config,c",
				Usage:       "Load configuration from `FILE` (YAML, or TOML by extension)",
				EnvVar:      "SINK_ERROR_LOADER_CONFIG",
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "Listen address, overrides PORT",
				Destination: &addr,
			},
			&cli.BoolFlag{
				Name:        "debug",
				Usage:       "Enable debug logs",
				Destination: &debug,
			},
			&cli.BoolFlag{
				Name:        "once",
				Usage:       "Run one invocation and exit instead of serving the trigger endpoint",
				Destination: &once,
			},
			&cli.BoolFlag{
				Name:        "bootstrap",
				Usage:       "Create the destination and export error tables when missing",
				Destination: &bootstrap,
			},
			&cli.BoolFlag{
				Name:        "log-to-stderr",
				Usage:       "Write logs to stderr",
				Destination: &logToStdErr,
			},
		},
		Action: start,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func start(*cli.Context) error {
	fileCfg := &loader.FileConfig{}
	if configPath != "" {
		c, err := loader.LoadConfig(configPath)
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("load config: %v", err), 3)
		}
		fileCfg = c
	}
	if err := loader.ApplyEnv(fileCfg); err != nil {
		return cli.NewExitError(err.Error(), 4)
	}
	if debug {
		fileCfg.LogLevel = "debug"
	}
	if bootstrap {
		fileCfg.Bootstrap = true
	}

	cfg, err := fileCfg.Resolve(time.Now())
	if err != nil {
		return cli.NewExitError(err.Error(), 5)
	}

	logging.Initialize(cfg.LogLevel, logToStdErr, debug)
	logger := logging.NewLogger("main")

	warehouse, err := loader.OpenWarehouse(cfg.StoreConfig())
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("open warehouse: %v", err), 6)
	}
	defer warehouse.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Bootstrap {
		if err := warehouse.Bootstrap(ctx, cfg.Destination, cfg.ErrorTable); err != nil {
			return cli.NewExitError(err.Error(), 7)
		}
	}

	reporters := []loader.Reporter{loader.NewLogReporter()}
	if cfg.SyslogAddr != "" {
		reporters = append(reporters, loader.NewSyslogReporter(loader.NewSyslogClient(cfg.SyslogAddr), cfg.Destination))
	}

	trigger, err := loader.NewTrigger(cfg.TriggerConfig(), warehouse, time.Now, reporters...)
	if err != nil {
		return cli.NewExitError(err.Error(), 8)
	}
	logger.Infof("destination table %s, export errors from %s, window %s",
		cfg.Destination, cfg.ErrorTable, loader.QueryWindow(cfg.PollingInterval))

	if once {
		// outcome goes to the reporters, exit status stays 0 like the endpoint
		trigger.Run(ctx)
		return nil
	}

	listen := addr
	if listen == "" {
		listen = ":" + strconv.Itoa(cfg.Port)
	}
	server := &http.Server{
		Addr:         listen,
		Handler:      loader.NewHandler(trigger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infof("Listening for triggers on %s", listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Failed to start server: %v", err)
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}
	logger.Infof("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return cli.NewExitError(fmt.Sprintf("server forced to shutdown: %v", err), 9)
	}
	return nil
}
