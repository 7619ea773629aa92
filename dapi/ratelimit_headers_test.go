package dapi

import (
	"net/http"
	"testing"
	"time"
)

func TestParseRateLimitPrefersResetAfter(t *testing.T) {
	now := testEpoch
	header := http.Header{}
	header.Set(HeaderRateLimitLimit, "5")
	header.Set(HeaderRateLimitRemaining, "3")
	header.Set(HeaderRateLimitReset, "1")
	header.Set(HeaderRateLimitResetAfter, "1.25")
	header.Set(HeaderRateLimitBucket, "abcd")

	info := ParseRateLimit(http.StatusOK, header, nil, now)
	if !info.HasBucketData || info.Limit != 5 || info.Remaining != 3 || info.Hash != "abcd" {
		t.Fatalf("unexpected info %+v", info)
	}
	if !info.ResetAt.Equal(now.Add(1250 * time.Millisecond)) {
		t.Fatalf("expected reset-after to win, got %v", info.ResetAt)
	}
	if info.RateLimited {
		t.Fatalf("200 must not be rate limited")
	}
}

func TestParseRateLimitAbsoluteReset(t *testing.T) {
	now := testEpoch
	header := http.Header{}
	header.Set(HeaderRateLimitRemaining, "0")
	header.Set(HeaderRateLimitReset, "1767323047.5")

	info := ParseRateLimit(http.StatusOK, header, nil, now)
	want := time.Unix(1767323047, 500000000)
	if !info.ResetAt.Equal(want) {
		t.Fatalf("expected %v, got %v", want, info.ResetAt)
	}

	header.Set(HeaderRateLimitReset, "10")
	past := ParseRateLimit(http.StatusOK, header, nil, now)
	if !past.ResetAt.Equal(now) {
		t.Fatalf("expected a past reset to clamp to now, got %v", past.ResetAt)
	}
}

func TestParseRateLimitWithoutHeaders(t *testing.T) {
	info := ParseRateLimit(http.StatusOK, http.Header{}, nil, testEpoch)
	if info.HasBucketData {
		t.Fatalf("expected no bucket data")
	}
	header := http.Header{}
	header.Set(HeaderRateLimitRemaining, "oops")
	header.Set(HeaderRateLimitResetAfter, "1")
	if ParseRateLimit(http.StatusOK, header, nil, testEpoch).HasBucketData {
		t.Fatalf("expected malformed remaining to be ignored")
	}
}

func TestParseRateLimit429(t *testing.T) {
	body := []byte(`{"message":"You are being rate limited.","retry_after":0.75,"global":true}`)
	info := ParseRateLimit(http.StatusTooManyRequests, http.Header{}, body, testEpoch)
	if !info.RateLimited || !info.Global || info.RetryAfter != 750*time.Millisecond {
		t.Fatalf("unexpected 429 info %+v", info)
	}
	if info.Message != "You are being rate limited." {
		t.Fatalf("unexpected message %q", info.Message)
	}

	header := http.Header{}
	header.Set(HeaderRetryAfter, "3")
	header.Set(HeaderRateLimitScope, "shared")
	fromHeader := ParseRateLimit(http.StatusTooManyRequests, header, []byte(`not json`), testEpoch)
	if fromHeader.RetryAfter != 3*time.Second || fromHeader.Global || fromHeader.Scope != "shared" {
		t.Fatalf("unexpected header 429 info %+v", fromHeader)
	}

	header = http.Header{}
	header.Set(HeaderRateLimitGlobal, "true")
	fallback := ParseRateLimit(http.StatusTooManyRequests, header, nil, testEpoch)
	if !fallback.Global || fallback.RetryAfter != time.Second {
		t.Fatalf("expected global fallback of one second, got %+v", fallback)
	}
}
