package dapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/Thejuampi/dapi-client-go/dapi/internal/clock"
)

// Request is one REST call submitted to the Scheduler.
type Request struct {
	Route       Route
	Body        []byte
	ContentType string
	// Reason is sent as the audit log reason header. It never affects the
	// bucket a request is queued on.
	Reason string
	Header http.Header
}

// Response is a successful REST result.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	RateLimit  RateLimitInfo
}

// JSON decodes the response body into target.
func (response *Response) JSON(target interface{}) error {
	if response == nil || len(response.Body) == 0 {
		return nil
	}
	return json.Unmarshal(response.Body, target)
}

// PendingRequest is the completion handle of a queued Request.
type PendingRequest struct {
	ctx     context.Context
	request *Request
	bucket  *Bucket

	once     sync.Once
	done     chan struct{}
	response *Response
	err      error
}

func newPendingRequest(ctx context.Context, request *Request) *PendingRequest {
	return &PendingRequest{ctx: ctx, request: request, done: make(chan struct{})}
}

func (pending *PendingRequest) complete(response *Response, err error) {
	pending.once.Do(func() {
		pending.response = response
		pending.err = err
		close(pending.done)
	})
}

// Done returns a channel closed once the request has a result.
func (pending *PendingRequest) Done() <-chan struct{} {
	return pending.done
}

// Result returns the outcome. It is only meaningful after Done is closed.
func (pending *PendingRequest) Result() (*Response, error) {
	select {
	case <-pending.done:
		return pending.response, pending.err
	default:
		return nil, NewError(CommandError, "request still pending")
	}
}

// Wait blocks until the request completes or ctx ends.
func (pending *PendingRequest) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-pending.done:
		return pending.response, pending.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SchedulerStats counts scheduler activity since construction.
type SchedulerStats struct {
	Dispatched  uint64
	RateLimited uint64
	ResetWaits  uint64
}

// SchedulerOptions configures NewScheduler.
type SchedulerOptions struct {
	BaseURL string
	// Global defaults to a MemoryGlobalLimiter with 50 requests per second.
	Global GlobalLimiter
	Logger *slog.Logger

	clock clock.Clock
}

type bucketQueue struct {
	bucket  *Bucket
	items   []*PendingRequest
	running bool
}

// Scheduler serializes REST calls per bucket and paces them by quota
// feedback and the global limiter.
type Scheduler struct {
	lock      sync.Mutex
	transport Transport
	baseURL   string
	registry  *BucketRegistry
	global    GlobalLimiter
	clock     clock.Clock
	logger    *slog.Logger
	queues    map[string]*bucketQueue
	closed    bool

	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup

	dispatched  atomic.Uint64
	rateLimited atomic.Uint64
	resetWaits  atomic.Uint64
}

// NewScheduler returns a new Scheduler.
func NewScheduler(transport Transport, options SchedulerOptions) *Scheduler {
	source := options.clock
	if source == nil {
		source = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	global := options.Global
	if global == nil {
		global = newMemoryGlobalLimiter(source, DefaultGlobalLimit, DefaultGlobalWindow)
	}
	baseURL := options.BaseURL
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		transport: transport,
		baseURL:   baseURL,
		registry:  NewBucketRegistry(),
		global:    global,
		clock:     source,
		logger:    logger,
		queues:    make(map[string]*bucketQueue),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Registry returns the bucket registry.
func (scheduler *Scheduler) Registry() *BucketRegistry {
	return scheduler.registry
}

// Stats returns the activity counters.
func (scheduler *Scheduler) Stats() SchedulerStats {
	return SchedulerStats{
		Dispatched:  scheduler.dispatched.Load(),
		RateLimited: scheduler.rateLimited.Load(),
		ResetWaits:  scheduler.resetWaits.Load(),
	}
}

// Do submits request and waits for its result.
func (scheduler *Scheduler) Do(ctx context.Context, request *Request) (*Response, error) {
	return scheduler.Enqueue(ctx, request).Wait(ctx)
}

// Enqueue appends request to its bucket queue and returns its handle. ctx
// governs the request until it is dispatched.
func (scheduler *Scheduler) Enqueue(ctx context.Context, request *Request) *PendingRequest {
	if ctx == nil {
		ctx = context.Background()
	}
	pending := newPendingRequest(ctx, request)
	if request == nil {
		pending.complete(nil, NewError(CommandError, "nil request"))
		return pending
	}
	if scheduler.transport == nil {
		pending.complete(nil, NewError(ConnectionError, "no transport configured"))
		return pending
	}

	scheduler.lock.Lock()
	if scheduler.closed {
		scheduler.lock.Unlock()
		pending.complete(nil, ErrShutdown)
		return pending
	}
	bucket := scheduler.registry.Resolve(request.Route)
	pending.bucket = bucket
	queue, ok := scheduler.queues[bucket.Key]
	if !ok {
		queue = &bucketQueue{bucket: bucket}
		scheduler.queues[bucket.Key] = queue
	}
	queue.items = append(queue.items, pending)
	if !queue.running {
		queue.running = true
		scheduler.workers.Add(1)
		go scheduler.drain(queue)
	}
	scheduler.lock.Unlock()
	return pending
}

// Close fails every queued request with ErrShutdown, stops the workers and
// rejects later submissions.
func (scheduler *Scheduler) Close() {
	scheduler.lock.Lock()
	if scheduler.closed {
		scheduler.lock.Unlock()
		scheduler.workers.Wait()
		return
	}
	scheduler.closed = true
	var abandoned []*PendingRequest
	for _, queue := range scheduler.queues {
		abandoned = append(abandoned, queue.items...)
		queue.items = nil
	}
	scheduler.lock.Unlock()

	scheduler.cancel()
	for _, pending := range abandoned {
		pending.complete(nil, ErrShutdown)
	}
	scheduler.workers.Wait()
}

func (scheduler *Scheduler) drain(queue *bucketQueue) {
	defer scheduler.workers.Done()
	for {
		scheduler.lock.Lock()
		if len(queue.items) == 0 {
			queue.running = false
			scheduler.lock.Unlock()
			return
		}
		pending := queue.items[0]
		scheduler.lock.Unlock()

		response, retry, err := scheduler.process(queue.bucket, pending)
		if retry {
			continue
		}

		scheduler.lock.Lock()
		if len(queue.items) > 0 && queue.items[0] == pending {
			queue.items = queue.items[1:]
		}
		scheduler.lock.Unlock()
		pending.complete(response, err)
	}
}

// process runs one attempt of the request at the head of a bucket queue.
// retry reports a 429 after which the request stays at the head.
func (scheduler *Scheduler) process(bucket *Bucket, pending *PendingRequest) (*Response, bool, error) {
	ctx, cancel := context.WithCancel(pending.ctx)
	defer cancel()
	stop := context.AfterFunc(scheduler.ctx, cancel)
	defer stop()

	if err := ctx.Err(); err != nil {
		return nil, false, scheduler.contextError(pending, err)
	}

	for {
		delay, ok := bucket.reserve(scheduler.clock.Now())
		if ok {
			break
		}
		scheduler.resetWaits.Add(1)
		scheduler.logger.Debug("bucket exhausted, waiting for reset", "bucket", bucket.Key, "wait", delay)
		if err := clock.Sleep(ctx, scheduler.clock, delay); err != nil {
			return nil, false, scheduler.contextError(pending, err)
		}
	}

	if bucket.Global && scheduler.global != nil {
		if err := scheduler.global.Wait(ctx); err != nil {
			bucket.release()
			return nil, false, scheduler.contextError(pending, err)
		}
	}

	request := pending.request
	transportRequest := &TransportRequest{
		Method: request.Route.Method,
		URL:    request.Route.URL(scheduler.baseURL),
		Header: make(http.Header),
		Body:   request.Body,
	}
	for name, values := range request.Header {
		transportRequest.Header[name] = append([]string(nil), values...)
	}
	if len(request.Body) > 0 {
		contentType := request.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		transportRequest.Header.Set("Content-Type", contentType)
	}
	if request.Reason != "" {
		transportRequest.Header.Set(HeaderAuditLogReason, request.Reason)
	}

	scheduler.dispatched.Add(1)
	transportResponse, err := scheduler.transport.Do(ctx, transportRequest)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, scheduler.contextError(pending, ctx.Err())
		}
		return nil, false, &TransportError{Method: transportRequest.Method, URL: transportRequest.URL, Cause: err}
	}

	now := scheduler.clock.Now()
	info := ParseRateLimit(transportResponse.StatusCode, transportResponse.Header, transportResponse.Body, now)
	scheduler.registry.Update(bucket.Key, info)

	if info.RateLimited {
		scheduler.rateLimited.Add(1)
		if info.Global && scheduler.global != nil {
			scheduler.global.Block(now.Add(info.RetryAfter))
		}
		scheduler.logger.Warn("rate limited",
			"bucket", bucket.Key,
			"retry_after", info.RetryAfter,
			"global", info.Global,
			"scope", info.Scope,
		)
		if err := clock.Sleep(ctx, scheduler.clock, info.RetryAfter); err != nil {
			return nil, false, scheduler.contextError(pending, err)
		}
		return nil, true, nil
	}

	if transportResponse.StatusCode >= 400 {
		statusErr := &HTTPStatusError{
			Method:     transportRequest.Method,
			URL:        transportRequest.URL,
			StatusCode: transportResponse.StatusCode,
			Body:       transportResponse.Body,
		}
		var body struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(transportResponse.Body, &body) == nil {
			statusErr.Code = body.Code
			statusErr.Message = body.Message
		}
		return nil, false, statusErr
	}

	return &Response{
		StatusCode: transportResponse.StatusCode,
		Header:     transportResponse.Header,
		Body:       transportResponse.Body,
		RateLimit:  info,
	}, false, nil
}

func (scheduler *Scheduler) contextError(pending *PendingRequest, err error) error {
	if pending.ctx.Err() != nil {
		return pending.ctx.Err()
	}
	if scheduler.ctx.Err() != nil {
		return ErrShutdown
	}
	if errors.Is(err, context.Canceled) {
		return ErrShutdown
	}
	return err
}
