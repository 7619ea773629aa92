package dapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

const (
	DefaultAPIBaseURL = "https://discord.com/api/v10"
	LibraryHomepage   = "https://github.com/Thejuampi/dapi-client-go"
	LibraryVersion    = "0.1.0"
)

// DefaultUserAgent is the User-Agent the platform expects from bots.
var DefaultUserAgent = fmt.Sprintf("DiscordBot (%s, %s)", LibraryHomepage, LibraryVersion)

// TransportRequest is one fully resolved outbound call.
type TransportRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// TransportResponse is the raw result of a call.
type TransportResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport performs a single call. Implementations must return an error only
// when no response was received.
type Transport interface {
	Do(ctx context.Context, request *TransportRequest) (*TransportResponse, error)
}

// HTTPTransport is a Transport over net/http with bot token authorization.
type HTTPTransport struct {
	client    *http.Client
	token     string
	userAgent string
}

// HTTPTransportOptions configures NewHTTPTransport.
type HTTPTransportOptions struct {
	Timeout   time.Duration
	HTTP2     bool
	UserAgent string
	// Client overrides the HTTP client. Timeout and HTTP2 are ignored when set.
	Client *http.Client
}

// NewHTTPTransport returns a new HTTPTransport.
func NewHTTPTransport(token string, options HTTPTransportOptions) *HTTPTransport {
	client := options.Client
	if client == nil {
		client = &http.Client{Timeout: options.Timeout}
		if options.HTTP2 {
			client.Transport = &http2.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			}
		}
	}
	userAgent := options.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &HTTPTransport{client: client, token: token, userAgent: userAgent}
}

// Do executes the exported do operation.
func (transport *HTTPTransport) Do(ctx context.Context, request *TransportRequest) (*TransportResponse, error) {
	var body io.Reader
	if len(request.Body) > 0 {
		body = bytes.NewReader(request.Body)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, request.Method, request.URL, body)
	if err != nil {
		return nil, err
	}
	for name, values := range request.Header {
		for _, value := range values {
			httpRequest.Header.Add(name, value)
		}
	}
	if transport.token != "" && httpRequest.Header.Get("Authorization") == "" {
		httpRequest.Header.Set("Authorization", "Bot "+transport.token)
	}
	httpRequest.Header.Set("User-Agent", transport.userAgent)

	httpResponse, err := transport.client.Do(httpRequest)
	if err != nil {
		return nil, err
	}
	defer httpResponse.Body.Close()

	payload, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return nil, err
	}
	return &TransportResponse{
		StatusCode: httpResponse.StatusCode,
		Header:     httpResponse.Header,
		Body:       payload,
	}, nil
}

// CloseIdleConnections releases kept-alive connections of the underlying
// client.
func (transport *HTTPTransport) CloseIdleConnections() {
	transport.client.CloseIdleConnections()
}
