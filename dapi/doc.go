// Package dapi provides the transport layer of a client for a rate-limited
// chat platform: a rate-limit-aware REST request scheduler and a gateway
// session that keeps one push-event connection alive.
//
// The primary lifecycle is:
//   - build a Config (LoadConfig or a literal) and construct a Client with NewClient
//   - issue REST calls through Client.Request or the resource helpers
//   - subscribe to gateway events with Client.On
//   - Connect to open the gateway session
//   - Close to drain the scheduler and tear the session down without resume
//
// REST calls are serialized per bucket (method, route template and major
// parameters) and paced by the quota headers returned by the server. A
// shared GlobalLimiter caps the request rate across buckets; the Redis
// implementation shares that cap between processes using the same token.
//
// The gateway session identifies or resumes, heartbeats on the interval the
// server announces, tracks the dispatch sequence and reconnects with
// exponential backoff. Dispatch events reach subscribers in arrival order.
//
// Errors are reported as codes created with NewError or as typed errors
// (HTTPStatusError, TransportError, CloseError) usable with errors.As.
//
// Redis integration tests are environment-gated on DAPI_TEST_REDIS_ADDR.
package dapi
