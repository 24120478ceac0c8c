package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mbocsi/msgroute/config"
	"github.com/mbocsi/msgroute/server"
	"github.com/rs/zerolog"
	slogzerolog "github.com/samber/slog-zerolog/v2"
	"github.com/spf13/cobra"
)

var cmdMain = &cobra.Command{
	Use:   "msgroute",
	Short: "Message routing daemon",
	Run:   printUsageAndExit1,
}

var cmdServe = &cobra.Command{
	Use:   "serve",
	Short: "Run the enabled transports and the HTTP endpoint",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var cmdVersion = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), server.Version)
	},
}

func init() {
	config.Flags(cmdServe.Flags())
	cmdMain.AddCommand(cmdServe, cmdVersion)
}

func main() {
	if err := cmdMain.Execute(); err != nil {
		os.Exit(1)
	}
}

func printUsageAndExit1(cmd *cobra.Command, args []string) {
	_ = cmd.Usage()
	os.Exit(1)
}

func runServe(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(file, cmd.Flags())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := newLogger(os.Stderr, cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	srv, err := server.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting msgroute", "version", server.Version)
	if err := srv.Run(ctx); err != nil {
		logger.Error("Server stopped with error", "error", err)
		return err
	}
	return nil
}

// newLogger builds a slog.Logger backed by zerolog. Console format is for
// interactive use.
func newLogger(w io.Writer, cfg config.Log) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	zl := zerolog.New(w).With().Timestamp().Logger()
	return slog.New(slogzerolog.Option{Level: level, Logger: &zl}.NewZerologHandler()), nil
}
