package dapi

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"
)

func BenchmarkRouteKey(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		route := NewRoute(http.MethodPatch, "/channels/{channel.id}/messages/{message.id}", "10", "100")
		_ = route.Key()
	}
}

func BenchmarkParseRateLimit(b *testing.B) {
	header := http.Header{}
	header.Set(HeaderRateLimitLimit, "5")
	header.Set(HeaderRateLimitRemaining, "4")
	header.Set(HeaderRateLimitResetAfter, "1.250")
	header.Set(HeaderRateLimitBucket, "abcd1234")
	now := time.Unix(1700000000, 0)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = ParseRateLimit(http.StatusOK, header, nil, now)
	}
}

func BenchmarkBucketReserve(b *testing.B) {
	registry := NewBucketRegistry()
	route := NewRoute(http.MethodPost, "/channels/{channel.id}/messages", "10")
	bucket := registry.Resolve(route)
	now := time.Unix(1700000000, 0)
	info := RateLimitInfo{HasBucketData: true, Limit: 1 << 30, Remaining: 1 << 30, ResetAt: now.Add(time.Hour)}
	bucket.apply(info)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, ok := bucket.reserve(now); !ok {
			bucket.apply(info)
		}
	}
}

func BenchmarkEventBusEmit(b *testing.B) {
	bus := NewEventBus()
	delivered := 0
	bus.Subscribe(EventMessageCreate, func(Event) { delivered++ })
	bus.Subscribe("*", func(Event) { delivered++ })
	event := Event{Name: EventMessageCreate, Data: json.RawMessage(`{"content":"hi"}`), Sequence: 1}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Emit(event)
	}
	if delivered != 2*b.N {
		b.Fatalf("expected %d deliveries, got %d", 2*b.N, delivered)
	}
}

func BenchmarkEncodeHeartbeat(b *testing.B) {
	sequence := int64(42)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := encodeFrame(OpHeartbeat, &sequence); err != nil {
			b.Fatalf("unexpected error: %v", err)
		}
	}
}
