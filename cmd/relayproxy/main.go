package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/Q1rD/relayproxy/relayproxy"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	config, showVersion, err := parseArgs(args, os.Stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	if showVersion {
		fmt.Printf("relayproxy %s\n", version)
		return nil
	}

	logger, err := newLogger(config, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := relayproxy.New(config, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer func() { _ = server.Close() }()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serving: %w", err)
	}

	logger.Info("shutting down", "proxy", server.Stats())
	return nil
}

// parseArgs builds the configuration from an optional config file and
// flags. Flags override file values. A single positional argument is taken
// as the listen port.
func parseArgs(args []string, output io.Writer) (*relayproxy.Config, bool, error) {
	flags := pflag.NewFlagSet("relayproxy", pflag.ContinueOnError)
	flags.SetOutput(output)
	flags.Usage = func() {
		fmt.Fprintf(output, "Usage: relayproxy [flags] [port]\n\nFlags:\n")
		flags.PrintDefaults()
	}

	configPath := flags.StringP("config", "c", "", "path to a YAML configuration file")
	listen := flags.StringP("listen", "l", "", "listen address, e.g. :8080")
	workers := flags.IntP("workers", "w", 0, "number of relay workers")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn, error")
	logFormat := flags.String("log-format", "", "log format: text or json")
	showVersion := flags.Bool("version", false, "print version and exit")

	if err := flags.Parse(args); err != nil {
		return nil, false, err
	}
	if *showVersion {
		return nil, true, nil
	}

	config := relayproxy.DefaultConfig()
	if *configPath != "" {
		loaded, err := relayproxy.LoadConfig(*configPath)
		if err != nil {
			return nil, false, err
		}
		config = loaded
	}

	switch flags.NArg() {
	case 0:
	case 1:
		port, err := strconv.Atoi(flags.Arg(0))
		if err != nil || port < 0 || port > 65535 {
			return nil, false, fmt.Errorf("invalid port %q", flags.Arg(0))
		}
		config.ListenAddress = ":" + strconv.Itoa(port)
	default:
		flags.Usage()
		return nil, false, fmt.Errorf("unexpected arguments: %v", flags.Args()[1:])
	}

	if flags.Changed("listen") {
		config.ListenAddress = *listen
	}
	if flags.Changed("workers") {
		config.NumWorkers = *workers
	}
	if flags.Changed("log-level") {
		config.LogLevel = *logLevel
	}
	if flags.Changed("log-format") {
		config.LogFormat = *logFormat
	}

	if err := config.Validate(); err != nil {
		return nil, false, err
	}

	return config, false, nil
}

// newLogger creates the process logger from the configured level and format
func newLogger(config *relayproxy.Config, output io.Writer) (*slog.Logger, error) {
	level, err := relayproxy.ParseLogLevel(config.LogLevel)
	if err != nil {
		return nil, err
	}

	options := &slog.HandlerOptions{Level: level}
	switch config.LogFormat {
	case "json":
		return slog.New(slog.NewJSONHandler(output, options)), nil
	case "text":
		return slog.New(slog.NewTextHandler(output, options)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", config.LogFormat)
	}
}
