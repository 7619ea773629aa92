package main

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/Thejuampi/dapi-client-go/dapi"
)

// restWindow is a fixed request window.
type restWindow struct {
	remaining int
	resetAt   time.Time
}

func (window *restWindow) take(now time.Time, limit int, length time.Duration) bool {
	if !now.Before(window.resetAt) {
		window.remaining = limit
		window.resetAt = now.Add(length)
	}
	if window.remaining <= 0 {
		return false
	}
	window.remaining--
	return true
}

type restBucket struct {
	hash   string
	window restWindow
}

// bucketKey groups a request path the way the platform does: ids after
// channels, guilds and webhooks stay, every other numeric segment collapses.
func bucketKey(method string, path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for index, segment := range segments {
		if index > 0 {
			switch segments[index-1] {
			case "channels", "guilds", "webhooks":
				continue
			}
		}
		if segment != "" && strings.IndexFunc(segment, func(r rune) bool { return !unicode.IsDigit(r) }) < 0 {
			segments[index] = ":id"
		}
	}
	return method + " /" + strings.Join(segments, "/")
}

func (server *server) handleREST(w http.ResponseWriter, r *http.Request) {
	server.stats.restRequests.Add(1)
	path := strings.TrimPrefix(r.URL.Path, "/api/v10")
	now := server.now()

	if r.Header.Get("Authorization") == "" {
		jsonResponse(w, http.StatusUnauthorized, map[string]interface{}{"message": "401: Unauthorized", "code": 0})
		return
	}

	server.lock.Lock()
	if !strings.HasPrefix(path, "/interactions/") && !server.global.take(now, server.options.GlobalLimit, time.Second) {
		retryAfter := server.global.resetAt.Sub(now)
		server.lock.Unlock()
		server.stats.restRateLimited.Add(1)
		server.writeRateLimited(w, retryAfter, true)
		return
	}
	key := bucketKey(r.Method, path)
	bucket, ok := server.buckets[key]
	if !ok {
		bucket = &restBucket{hash: strconv.FormatUint(xxhash.Sum64String(key), 16)}
		server.buckets[key] = bucket
	}
	allowed := bucket.window.take(now, server.options.BucketLimit, server.options.BucketWindow)
	remaining := bucket.window.remaining
	resetAt := bucket.window.resetAt
	server.lock.Unlock()

	header := w.Header()
	header.Set(dapi.HeaderRateLimitLimit, strconv.Itoa(server.options.BucketLimit))
	header.Set(dapi.HeaderRateLimitRemaining, strconv.Itoa(remaining))
	header.Set(dapi.HeaderRateLimitReset, strconv.FormatFloat(float64(resetAt.UnixMilli())/1000, 'f', 3, 64))
	// Rounded up so a client never wakes before the window resets.
	resetAfter := math.Ceil(float64(resetAt.Sub(now))/float64(time.Millisecond)) / 1000
	header.Set(dapi.HeaderRateLimitResetAfter, strconv.FormatFloat(resetAfter, 'f', 3, 64))
	header.Set(dapi.HeaderRateLimitBucket, bucket.hash)

	if !allowed {
		server.stats.restRateLimited.Add(1)
		server.writeRateLimited(w, resetAt.Sub(now), false)
		return
	}
	server.serveResource(w, r, path)
}

func (server *server) writeRateLimited(w http.ResponseWriter, retryAfter time.Duration, global bool) {
	scope := "user"
	if global {
		scope = "global"
		w.Header().Set(dapi.HeaderRateLimitGlobal, "true")
	}
	w.Header().Set(dapi.HeaderRateLimitScope, scope)
	w.Header().Set(dapi.HeaderRetryAfter, strconv.Itoa(int(retryAfter.Seconds()+0.999)))
	jsonResponse(w, http.StatusTooManyRequests, map[string]interface{}{
		"message":     "You are being rate limited.",
		"retry_after": retryAfter.Seconds(),
		"global":      global,
	})
}

func (server *server) serveResource(w http.ResponseWriter, r *http.Request, path string) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case r.Method == http.MethodGet && path == "/gateway/bot":
		jsonResponse(w, http.StatusOK, dapi.GatewayBot{
			URL:    server.options.PublicURL,
			Shards: 1,
			SessionStartLimit: dapi.SessionStartLimit{
				Total: 1000, Remaining: 1000, ResetAfter: 0, MaxConcurrency: 1,
			},
		})
	case r.Method == http.MethodPost && len(segments) == 3 && segments[0] == "channels" && segments[2] == "messages":
		server.lock.Lock()
		server.nextMessage++
		id := server.nextMessage
		server.lock.Unlock()
		jsonResponse(w, http.StatusOK, map[string]interface{}{
			"id":         strconv.FormatUint(id, 10),
			"channel_id": segments[1],
		})
	case r.Method == http.MethodGet && len(segments) == 2 && segments[0] == "channels":
		if segments[1] == "0" {
			jsonResponse(w, http.StatusNotFound, map[string]interface{}{"message": "Unknown Channel", "code": 10003})
			return
		}
		jsonResponse(w, http.StatusOK, map[string]string{"id": segments[1], "name": fmt.Sprintf("channel-%s", segments[1])})
	case r.Method == http.MethodDelete || r.Method == http.MethodPut:
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodPost:
		jsonResponse(w, http.StatusOK, map[string]string{})
	default:
		jsonResponse(w, http.StatusNotFound, map[string]interface{}{"message": "404: Not Found", "code": 0})
	}
}
