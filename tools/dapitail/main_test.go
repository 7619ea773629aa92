package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/Thejuampi/dapi-client-go/dapi"
)

func TestParseFlags(t *testing.T) {
	options, err := parseFlags([]string{"-c", "bot.yaml", "--events", "MESSAGE_CREATE,READY", "--debug", "--status", "idle"}, io.Discard)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if options.configPath != "bot.yaml" || !options.debug || options.presence != dapi.StatusIdle {
		t.Fatalf("unexpected options %+v", options)
	}
	if len(options.events) != 2 || options.events[1] != dapi.EventReady {
		t.Fatalf("unexpected events %v", options.events)
	}

	if _, err := parseFlags([]string{"--log-format", "xml"}, io.Discard); err == nil {
		t.Fatalf("expected error for unknown log format")
	}
	if _, err := parseFlags([]string{"--status", "asleep"}, io.Discard); err == nil {
		t.Fatalf("expected error for unknown status")
	}
	if _, err := parseFlags([]string{"--help"}, io.Discard); !errors.Is(err, pflag.ErrHelp) {
		t.Fatalf("expected ErrHelp, got %v", err)
	}
}

func TestEventPrinter(t *testing.T) {
	var out bytes.Buffer
	printer := newEventPrinter(&out, []string{dapi.EventMessageCreate})
	printer.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	printer.print(dapi.Event{Name: dapi.EventReady, Sequence: 1, Data: json.RawMessage(`{}`)})
	printer.print(dapi.Event{Name: dapi.EventMessageCreate, Sequence: 2, Data: json.RawMessage(`{"content":"hi"}`)})
	printer.print(dapi.Event{Name: dapi.EventMessageCreate, Sequence: 3, Data: json.RawMessage(`{"content":`)})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || printer.count() != 2 {
		t.Fatalf("expected two printed lines, got %q", out.String())
	}
	if lines[0] != `{"time":"2026-01-02T03:04:05Z","t":"MESSAGE_CREATE","s":2,"d":{"content":"hi"}}` {
		t.Fatalf("unexpected line %s", lines[0])
	}
	if lines[1] != `{"time":"2026-01-02T03:04:05Z","t":"MESSAGE_CREATE","s":3}` {
		t.Fatalf("expected invalid payload to be dropped, got %s", lines[1])
	}
}

func TestRunRequiresToken(t *testing.T) {
	t.Setenv("DAPI_TOKEN", "")
	err := run(context.Background(), cliOptions{logFormat: "text"}, io.Discard, io.Discard)
	if err == nil || !strings.HasPrefix(err.Error(), "AuthenticationError") {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}
}
