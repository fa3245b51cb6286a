package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/always-cache/assetcache"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// this is set by goreleaser
var version string

func init() {
	if version == "" {
		version = "DEV"
	}
}

type serveFlags struct {
	config      string
	port        int
	live        bool
	dist        string
	cdnBase     string
	provider    string
	verboseLogs bool
	logFile     string
}

// loggedError is an error that has already been written to the log.
type loggedError struct {
	error
}

func (e loggedError) Unwrap() error {
	return e.error
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		// errors before logging is set up only have stderr
		var logged loggedError
		if !errors.As(err, &logged) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "assetcache",
		Short:         "Serve content-hashed assets and the pages embedding them",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "assetcache %s (%s)\n", version, runtime.Version())
		},
	}
}

func newServeCommand() *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			closeLog, err := setupLogging(flags)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := serve(ctx, config); err != nil {
				log.Error().Err(err).Msg("Server stopped")
				return loggedError{err}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.config, "config", "", "Path to config file")
	f.IntVar(&flags.port, "port", 8080, "Port to listen on (overrides config)")
	f.BoolVar(&flags.live, "live", false, "Live mode: wait for builds and reload the manifest on each one")
	f.StringVar(&flags.dist, "dist", "", "Directory with the built files (overrides config)")
	f.StringVar(&flags.cdnBase, "cdn-base", "", "Default CDN base for asset URLs (overrides config)")
	f.StringVar(&flags.provider, "provider", "", "ETag store to use: memory, sqlite or redis (overrides config)")
	f.BoolVar(&flags.verboseLogs, "vv", false, "Verbosity: trace logging")
	f.StringVar(&flags.logFile, "log-file", "", "Log file to use (in addition to stdout)")
	return cmd
}

// loadConfig layers explicitly set flags over the file and environment.
func loadConfig(cmd *cobra.Command, flags serveFlags) (assetcache.Config, error) {
	config, err := assetcache.LoadConfig(flags.config)
	if err != nil {
		return config, err
	}
	f := cmd.Flags()
	if f.Changed("port") {
		config.Port = flags.port
	}
	if f.Changed("live") {
		config.Live = flags.live
	}
	if f.Changed("dist") {
		config.Dist = flags.dist
	}
	if f.Changed("cdn-base") {
		config.CDN.Base = flags.cdnBase
	}
	if f.Changed("provider") {
		config.ETags.Provider = flags.provider
	}
	return config, config.Validate()
}

func setupLogging(flags serveFlags) (func(), error) {
	// set log level
	logLevel := zerolog.DebugLevel
	if flags.verboseLogs {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	closeLog := func() {}
	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout}}
	if flags.logFile != "" {
		logFileOutput, err := os.OpenFile(flags.logFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return nil, fmt.Errorf("cannot open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
		closeLog = func() { logFileOutput.Close() }
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Timestamp().Str("version", version).Logger()
	return closeLog, nil
}

func serve(ctx context.Context, config assetcache.Config) error {
	server, err := assetcache.New(config, &log.Logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := server.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close server")
		}
	}()
	if err := server.Start(); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Port),
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().
			Int("port", config.Port).
			Str("dist", config.Dist).
			Bool("live", config.Live).
			Str("etags", config.ETags.Provider).
			Msg("Serving assets")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
