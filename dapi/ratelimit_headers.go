package dapi

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderRateLimitLimit      = "X-RateLimit-Limit"
	HeaderRateLimitRemaining  = "X-RateLimit-Remaining"
	HeaderRateLimitReset      = "X-RateLimit-Reset"
	HeaderRateLimitResetAfter = "X-RateLimit-Reset-After"
	HeaderRateLimitBucket     = "X-RateLimit-Bucket"
	HeaderRateLimitGlobal     = "X-RateLimit-Global"
	HeaderRateLimitScope      = "X-RateLimit-Scope"
	HeaderRetryAfter          = "Retry-After"
	HeaderAuditLogReason      = "X-Audit-Log-Reason"
)

// RateLimitInfo is the quota feedback carried by one response.
type RateLimitInfo struct {
	// HasBucketData is set when the response carried remaining and reset
	// headers. Responses without them leave the bucket untouched.
	HasBucketData bool
	Limit         int
	Remaining     int
	ResetAt       time.Time
	Hash          string

	// RateLimited is set for a 429 response.
	RateLimited bool
	RetryAfter  time.Duration
	// Global is set when the 429 applies to every bucket.
	Global  bool
	Scope   string
	Message string
}

type rateLimitBody struct {
	Message    string   `json:"message"`
	RetryAfter *float64 `json:"retry_after"`
	Global     bool     `json:"global"`
}

// ParseRateLimit decodes quota headers, and for a 429 the JSON body, into a
// RateLimitInfo relative to now. Reset-After is preferred over the absolute
// Reset because it does not depend on clock agreement with the server.
func ParseRateLimit(status int, header http.Header, body []byte, now time.Time) RateLimitInfo {
	info := RateLimitInfo{
		Hash:  header.Get(HeaderRateLimitBucket),
		Scope: strings.ToLower(header.Get(HeaderRateLimitScope)),
	}

	if limit, ok := parseInt(header.Get(HeaderRateLimitLimit)); ok {
		info.Limit = limit
	}

	remaining, hasRemaining := parseInt(header.Get(HeaderRateLimitRemaining))
	resetAt, hasReset := time.Time{}, false
	if after, ok := parseSeconds(header.Get(HeaderRateLimitResetAfter)); ok {
		resetAt, hasReset = now.Add(after), true
	} else if epoch, ok := parseFloat(header.Get(HeaderRateLimitReset)); ok {
		resetAt, hasReset = epochToTime(epoch), true
		if resetAt.Before(now) {
			resetAt = now
		}
	}
	if hasRemaining && hasReset {
		if remaining < 0 {
			remaining = 0
		}
		info.HasBucketData = true
		info.Remaining = remaining
		info.ResetAt = resetAt
	}

	if status != http.StatusTooManyRequests {
		return info
	}

	info.RateLimited = true
	info.Global = strings.EqualFold(header.Get(HeaderRateLimitGlobal), "true") || info.Scope == "global"

	var payload rateLimitBody
	if len(body) > 0 && json.Unmarshal(body, &payload) == nil {
		info.Message = payload.Message
		if payload.Global {
			info.Global = true
		}
		if payload.RetryAfter != nil && *payload.RetryAfter >= 0 {
			info.RetryAfter = secondsToDuration(*payload.RetryAfter)
		}
	}
	if info.RetryAfter == 0 {
		if after, ok := parseSeconds(header.Get(HeaderRetryAfter)); ok {
			info.RetryAfter = after
		}
	}
	if info.RetryAfter == 0 && info.HasBucketData && info.ResetAt.After(now) {
		info.RetryAfter = info.ResetAt.Sub(now)
	}
	if info.RetryAfter == 0 {
		info.RetryAfter = time.Second
	}
	return info
}

func parseInt(value string) (int, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func parseFloat(value string) (float64, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return 0, false
	}
	return parsed, true
}

func parseSeconds(value string) (time.Duration, bool) {
	seconds, ok := parseFloat(value)
	if !ok || seconds < 0 {
		return 0, false
	}
	return secondsToDuration(seconds), true
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(math.Round(seconds * float64(time.Second)))
}

func epochToTime(epoch float64) time.Time {
	whole, fraction := math.Modf(epoch)
	return time.Unix(int64(whole), int64(math.Round(fraction*1e9)))
}
