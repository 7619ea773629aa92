// Command fakegateway serves a deterministic REST API and gateway for
// integration testing of dapi clients. REST routes answer with per-bucket
// and global rate-limit headers; the gateway identifies, heartbeats,
// resumes and replays missed dispatches. /admin endpoints force closes,
// reconnect requests, invalid sessions and dispatches.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/Thejuampi/dapi-client-go/dapi"
)

type cliOptions struct {
	addr              string
	publicURL         string
	token             string
	heartbeatInterval time.Duration
	bucketLimit       int
	bucketWindow      time.Duration
	globalLimit       int
	dropAcks          bool
	logLevel          string
	logFormat         string
}

func parseFlags(args []string) (cliOptions, error) {
	var options cliOptions
	flags := pflag.NewFlagSet("fakegateway", pflag.ContinueOnError)
	flags.StringVar(&options.addr, "addr", "127.0.0.1:19100", "listen address")
	flags.StringVar(&options.publicURL, "public-url", "", "gateway url advertised to clients (default ws://<addr>/gateway)")
	flags.StringVar(&options.token, "token", "", "require this bot token on identify and resume")
	flags.DurationVar(&options.heartbeatInterval, "heartbeat-interval", 41250*time.Millisecond, "heartbeat interval sent in HELLO")
	flags.IntVar(&options.bucketLimit, "bucket-limit", 5, "requests per route bucket window")
	flags.DurationVar(&options.bucketWindow, "bucket-window", 5*time.Second, "route bucket window")
	flags.IntVar(&options.globalLimit, "global-limit", 50, "requests per second across all routes")
	flags.BoolVar(&options.dropAcks, "drop-acks", false, "never acknowledge heartbeats")
	flags.StringVar(&options.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.StringVar(&options.logFormat, "log-format", "text", "log format: text or json")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "fakegateway - deterministic REST and gateway responder\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", filepath.Base(os.Args[0]))
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return options, err
	}
	if options.publicURL == "" {
		options.publicURL = "ws://" + options.addr + "/gateway"
	}
	if !strings.HasPrefix(options.publicURL, "ws://") && !strings.HasPrefix(options.publicURL, "wss://") {
		return options, fmt.Errorf("public-url must be a ws:// or wss:// url, got %q", options.publicURL)
	}
	return options, nil
}

func main() {
	options, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "fakegateway: %v\n", err)
		os.Exit(2)
	}

	config := dapi.Config{LogLevel: options.logLevel}
	logger := dapi.NewLogger(os.Stderr, config.SlogLevel(), options.logFormat).With("component", "fakegateway")

	server := newServer(serverOptions{
		PublicURL:         options.publicURL,
		Token:             options.token,
		HeartbeatInterval: options.heartbeatInterval,
		BucketLimit:       options.bucketLimit,
		BucketWindow:      options.bucketWindow,
		GlobalLimit:       options.globalLimit,
		DropAcks:          options.dropAcks,
		Logger:            logger,
	})

	listener, err := net.Listen("tcp", options.addr)
	if err != nil {
		logger.Error("listen failed", "addr", options.addr, "error", err)
		os.Exit(1)
	}
	httpServer := &http.Server{Handler: server.routes(), ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		for _, conn := range server.connections() {
			conn.close(dapi.CloseGoingAway, "server shutting down")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("listening",
		slog.String("addr", listener.Addr().String()),
		slog.String("public_url", options.publicURL),
		slog.Int("bucket_limit", options.bucketLimit),
		slog.Duration("bucket_window", options.bucketWindow),
		slog.Int("global_limit", options.globalLimit),
		slog.Bool("drop_acks", options.dropAcks),
	)
	if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("serve failed", "error", err)
		os.Exit(1)
	}
}
