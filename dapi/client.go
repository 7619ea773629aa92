package dapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/Thejuampi/dapi-client-go/dapi/internal/clock"
)

// ClientOption customizes NewClient.
type ClientOption func(*clientOptions)

type clientOptions struct {
	transport Transport
	dialer    Dialer
	global    GlobalLimiter
	store     SessionStore
	strategy  ReconnectDelayStrategy
	session   SessionOptions
}

// WithTransport replaces the HTTP transport.
func WithTransport(transport Transport) ClientOption {
	return func(options *clientOptions) { options.transport = transport }
}

// WithDialer replaces the gateway dialer.
func WithDialer(dialer Dialer) ClientOption {
	return func(options *clientOptions) { options.dialer = dialer }
}

// WithGlobalLimiter replaces the limiter built from the configuration.
func WithGlobalLimiter(limiter GlobalLimiter) ClientOption {
	return func(options *clientOptions) { options.global = limiter }
}

// WithSessionStore replaces the store built from the configuration.
func WithSessionStore(store SessionStore) ClientOption {
	return func(options *clientOptions) { options.store = store }
}

// WithReconnectStrategy replaces the exponential backoff built from the
// configuration.
func WithReconnectStrategy(strategy ReconnectDelayStrategy) ClientOption {
	return func(options *clientOptions) { options.strategy = strategy }
}

func withClientClock(source clock.Clock, random func() float64) ClientOption {
	return func(options *clientOptions) {
		options.session.clock = source
		options.session.random = random
	}
}

// Client composes the request scheduler, the event bus and the gateway
// session for one bot token.
type Client struct {
	lock      sync.Mutex
	config    Config
	scheduler *Scheduler
	transport Transport
	bus       *EventBus
	session   *Session
	redis     *redis.Client
	ctx       context.Context
	cancel    context.CancelFunc
	closed    bool
}

// NewClient validates config and builds a client. Nothing is dialed until
// the first request or Connect.
func NewClient(config Config, opts ...ClientOption) (*Client, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	config.Logger = logger

	options := &clientOptions{}
	for _, opt := range opts {
		opt(options)
	}

	client := &Client{config: config}

	transport := options.transport
	if transport == nil {
		transport = NewHTTPTransport(config.Token, HTTPTransportOptions{
			Timeout: config.HTTP.Timeout,
			HTTP2:   config.HTTP.HTTP2,
		})
	}

	global := options.global
	if global == nil {
		if config.Redis.Addr != "" {
			client.redis = redis.NewClient(&redis.Options{
				Addr:     config.Redis.Addr,
				Password: config.Redis.Password,
				DB:       config.Redis.DB,
			})
			global = NewRedisGlobalLimiter(client.redis,
				WithRedisPrefix(config.Redis.Prefix),
				WithRedisLimit(config.GlobalRateLimit.Limit, config.GlobalRateLimit.Window),
				WithRedisLogger(logger),
			)
		} else {
			global = NewMemoryGlobalLimiter(config.GlobalRateLimit.Limit, config.GlobalRateLimit.Window)
		}
	}

	store := options.store
	if store == nil {
		if config.SessionStatePath != "" {
			fileStore, err := NewFileSessionStore(config.SessionStatePath)
			if err != nil {
				client.closeRedis()
				return nil, err
			}
			store = fileStore
		} else {
			store = NewMemorySessionStore()
		}
	}

	strategy := options.strategy
	if strategy == nil {
		strategy = NewExponentialDelayStrategy(config.Reconnect.MinDelay, config.Reconnect.MaxDelay, config.Reconnect.Factor).
			SetJitter(config.Reconnect.Jitter)
	}

	client.transport = transport
	client.scheduler = NewScheduler(transport, SchedulerOptions{
		BaseURL: config.APIBaseURL,
		Global:  global,
		Logger:  logger,
		clock:   options.session.clock,
	})
	client.bus = NewEventBus()

	sessionOptions := options.session
	sessionOptions.GatewayURL = config.GatewayURL
	sessionOptions.TransportCompression = config.Compress
	sessionOptions.Dialer = options.dialer
	sessionOptions.Bus = client.bus
	sessionOptions.Store = store
	sessionOptions.Strategy = strategy
	sessionOptions.StabilityPeriod = config.Reconnect.StabilityPeriod
	sessionOptions.Logger = logger
	client.session = NewSession(sessionOptions)
	client.bus.SetPanicHandler(client.session.listeners.broadcastException)

	client.ctx, client.cancel = context.WithCancel(context.Background())
	return client, nil
}

// Config returns the effective configuration.
func (client *Client) Config() Config {
	return client.config
}

// Scheduler returns the request scheduler.
func (client *Client) Scheduler() *Scheduler {
	return client.scheduler
}

// Session returns the gateway session.
func (client *Client) Session() *Session {
	return client.session
}

// Bus returns the event bus.
func (client *Client) Bus() *EventBus {
	return client.bus
}

// On subscribes handler to event and returns a function removing it.
func (client *Client) On(event string, handler EventHandler) func() {
	return client.bus.Subscribe(event, handler)
}

// SetExceptionListener adds listener for background errors on the receiver.
func (client *Client) SetExceptionListener(listener ExceptionListener) *Client {
	client.session.AddExceptionListener(listener)
	return client
}

// AddStateListener adds a gateway session state listener.
func (client *Client) AddStateListener(listener SessionStateListener) func() {
	return client.session.AddStateListener(listener)
}

// Request submits one REST call. body may be nil, a []byte used as is, or a
// value encoded as JSON.
func (client *Client) Request(ctx context.Context, route Route, body interface{}, reason string) (*Response, error) {
	request := &Request{Route: route, Reason: reason}
	switch typed := body.(type) {
	case nil:
	case []byte:
		request.Body = typed
	case json.RawMessage:
		request.Body = typed
	default:
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, NewError(CommandError, err)
		}
		request.Body = encoded
	}
	return client.scheduler.Do(ctx, request)
}

// DoJSON submits one REST call and decodes the response into out when out
// is non-nil.
func (client *Client) DoJSON(ctx context.Context, route Route, body interface{}, reason string, out interface{}) error {
	response, err := client.Request(ctx, route, body, reason)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return response.JSON(out)
}

// Connect starts the gateway session and waits until it is Connected, ends
// fatally or ctx is done. Without a configured gateway URL the URL is
// discovered through GET /gateway/bot. The session outlives ctx; Close
// stops it.
func (client *Client) Connect(ctx context.Context) error {
	client.lock.Lock()
	if client.closed {
		client.lock.Unlock()
		return ErrSessionClosed
	}
	client.lock.Unlock()

	if client.config.GatewayURL == "" {
		gateway, err := client.GetGatewayBot(ctx)
		if err != nil {
			return NewError(ConnectionError, err)
		}
		if err := client.session.SetGatewayURL(gateway.URL); err != nil {
			return err
		}
	}

	credentials := Credentials{
		Token:          client.config.Token,
		Intents:        client.config.Intents,
		Properties:     client.config.Properties,
		LargeThreshold: client.config.LargeThreshold,
	}
	if err := client.session.Start(client.ctx, credentials, client.config.Shard); err != nil {
		return err
	}

	select {
	case <-client.session.Ready():
		return nil
	case <-client.session.Done():
		if err := client.session.Err(); err != nil {
			return err
		}
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdatePresence sends a presence update on the gateway.
func (client *Client) UpdatePresence(ctx context.Context, presence Presence) error {
	return client.session.UpdatePresence(ctx, presence)
}

// RequestGuildMembers asks the gateway for guild members.
func (client *Client) RequestGuildMembers(ctx context.Context, request RequestGuildMembersData) error {
	return client.session.RequestGuildMembers(ctx, request)
}

// Close stops the gateway session without resume, fails queued requests
// with ErrShutdown and clears every event subscription.
func (client *Client) Close() error {
	client.lock.Lock()
	if client.closed {
		client.lock.Unlock()
		return nil
	}
	client.closed = true
	client.lock.Unlock()

	err := client.session.Stop()
	client.cancel()
	client.scheduler.Close()
	if idle, ok := client.transport.(interface{ CloseIdleConnections() }); ok {
		idle.CloseIdleConnections()
	}
	client.bus.Clear()
	if redisErr := client.closeRedis(); err == nil {
		err = redisErr
	}
	return err
}

func (client *Client) closeRedis() error {
	if client.redis == nil {
		return nil
	}
	err := client.redis.Close()
	client.redis = nil
	return err
}
