package main

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/Thejuampi/dapi-client-go/dapi"
)

// eventLine is one printed dispatch.
type eventLine struct {
	Time     time.Time       `json:"time"`
	Name     string          `json:"t"`
	Sequence int64           `json:"s,omitempty"`
	Data     json.RawMessage `json:"d,omitempty"`
}

// eventPrinter writes events as JSON lines. With a non-empty filter only
// the named events are written.
type eventPrinter struct {
	lock    sync.Mutex
	encoder *json.Encoder
	filter  map[string]bool
	printed int
	now     func() time.Time
}

func newEventPrinter(w io.Writer, events []string) *eventPrinter {
	printer := &eventPrinter{encoder: json.NewEncoder(w), now: time.Now}
	if len(events) > 0 {
		printer.filter = make(map[string]bool, len(events))
		for _, name := range events {
			printer.filter[name] = true
		}
	}
	return printer
}

func (printer *eventPrinter) print(event dapi.Event) {
	if printer.filter != nil && !printer.filter[event.Name] {
		return
	}
	printer.lock.Lock()
	defer printer.lock.Unlock()
	line := eventLine{Time: printer.now().UTC(), Name: event.Name, Sequence: event.Sequence}
	if json.Valid(event.Data) {
		line.Data = event.Data
	}
	if err := printer.encoder.Encode(line); err == nil {
		printer.printed++
	}
}

func (printer *eventPrinter) count() int {
	printer.lock.Lock()
	defer printer.lock.Unlock()
	return printer.printed
}
