// Command dapitail connects one gateway shard and prints every dispatch it
// receives as a JSON line. Configuration comes from a YAML file and DAPI_*
// environment variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/Thejuampi/dapi-client-go/dapi"
)

type cliOptions struct {
	configPath string
	events     []string
	logFormat  string
	debug      bool
	presence   string
}

func parseFlags(args []string, stderr io.Writer) (cliOptions, error) {
	var options cliOptions
	flags := pflag.NewFlagSet("dapitail", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVarP(&options.configPath, "config", "c", "", "YAML config file (DAPI_* variables override it)")
	flags.StringSliceVarP(&options.events, "events", "e", nil, "only print these event names (default all)")
	flags.StringVar(&options.logFormat, "log-format", "text", "log format: text or json")
	flags.BoolVar(&options.debug, "debug", false, "log gateway and scheduler debug messages")
	flags.StringVar(&options.presence, "status", "", "presence status to set once connected: online, idle, dnd, invisible")
	flags.Usage = func() {
		fmt.Fprintf(stderr, "dapitail - print gateway dispatches as JSON lines\n\n")
		fmt.Fprintf(stderr, "Usage: %s [flags]\n\n", filepath.Base(os.Args[0]))
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return options, err
	}
	if options.logFormat != "text" && options.logFormat != "json" {
		return options, fmt.Errorf("log-format must be text or json, got %q", options.logFormat)
	}
	switch options.presence {
	case "", dapi.StatusOnline, dapi.StatusIdle, dapi.StatusDND, dapi.StatusInvisible:
	default:
		return options, fmt.Errorf("unknown status %q", options.presence)
	}
	return options, nil
}

func main() {
	options, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "dapitail: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, options, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "dapitail: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, options cliOptions, stdout io.Writer, stderr io.Writer) error {
	config, err := dapi.LoadConfig(options.configPath)
	if err != nil {
		return err
	}
	if options.debug {
		config.LogLevel = "debug"
	}
	logger := dapi.NewLogger(stderr, config.SlogLevel(), options.logFormat).With("component", "dapitail")
	config.Logger = logger

	client, err := dapi.NewClient(*config)
	if err != nil {
		return err
	}
	defer client.Close()

	printer := newEventPrinter(stdout, options.events)
	client.On("*", printer.print)
	client.SetExceptionListener(dapi.ExceptionListenerFunc(func(err error) {
		logger.Warn("gateway exception", "error", err)
	}))
	client.AddStateListener(dapi.SessionStateListenerFunc(func(state dapi.SessionState) {
		logger.Info("gateway state", "state", state.String())
	}))

	if err := client.Connect(ctx); err != nil {
		return err
	}
	if options.presence != "" {
		if err := client.UpdatePresence(ctx, dapi.Presence{Status: options.presence}); err != nil {
			logger.Warn("presence update failed", "error", err)
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("interrupted", "events", printer.count())
		return nil
	case <-client.Session().Done():
		return client.Session().Err()
	}
}
