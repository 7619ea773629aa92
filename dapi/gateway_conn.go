package dapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zlib"
)

const (
	GatewayVersion        = "10"
	CompressionZlibStream = "zlib-stream"
)

// Conn is one gateway connection carrying JSON frames.
type Conn interface {
	// ReadFrame returns the next JSON frame. After the connection ends it
	// returns a *CloseError.
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close(code int, reason string) error
}

// Dialer opens gateway connections.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// GatewayURL adds the version, encoding and optional compression query to
// base.
func GatewayURL(base string, compress bool) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", NewError(InvalidURIError, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", NewError(InvalidURIError, "gateway url must be absolute: "+base)
	}
	query := parsed.Query()
	query.Set("v", GatewayVersion)
	query.Set("encoding", "json")
	if compress {
		query.Set("compress", CompressionZlibStream)
	} else {
		query.Del("compress")
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// WebsocketDialer dials the gateway with gorilla/websocket. A URL with
// compress=zlib-stream gets a connection that inflates the shared stream.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	ReadLimit        int64
}

// Dial executes the exported dial operation.
func (dialer *WebsocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, NewError(InvalidURIError, err)
	}
	timeout := 10 * time.Second
	var readLimit int64
	if dialer != nil {
		if dialer.HandshakeTimeout > 0 {
			timeout = dialer.HandshakeTimeout
		}
		readLimit = dialer.ReadLimit
	}

	wsDialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: timeout,
	}
	socket, _, err := wsDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, NewError(ConnectionError, err)
	}
	if readLimit > 0 {
		socket.SetReadLimit(readLimit)
	}

	if parsed.Query().Get("compress") == CompressionZlibStream {
		return newZlibStreamConn(socket), nil
	}
	return &websocketConn{socket: socket}, nil
}

type websocketConn struct {
	socket    *websocket.Conn
	writeLock sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (connection *websocketConn) ReadFrame() ([]byte, error) {
	_, data, err := connection.socket.ReadMessage()
	if err != nil {
		return nil, translateSocketError(err)
	}
	return data, nil
}

func (connection *websocketConn) WriteFrame(frame []byte) error {
	connection.writeLock.Lock()
	defer connection.writeLock.Unlock()
	return connection.socket.WriteMessage(websocket.TextMessage, frame)
}

func (connection *websocketConn) Close(code int, reason string) error {
	connection.closeOnce.Do(func() {
		connection.writeLock.Lock()
		_ = connection.socket.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
		connection.writeLock.Unlock()
		connection.closeErr = connection.socket.Close()
	})
	return connection.closeErr
}

// zlibStreamConn inflates a single zlib stream spanning every inbound
// message. A pump goroutine copies message payloads into a pipe read by the
// inflater.
type zlibStreamConn struct {
	websocketConn

	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	pumpDone   chan struct{}

	readLock sync.Mutex
	decoder  *json.Decoder

	errLock sync.Mutex
	readErr *CloseError
}

func newZlibStreamConn(socket *websocket.Conn) *zlibStreamConn {
	reader, writer := io.Pipe()
	connection := &zlibStreamConn{
		websocketConn: websocketConn{socket: socket},
		pipeReader:    reader,
		pipeWriter:    writer,
		pumpDone:      make(chan struct{}),
	}
	go connection.pump()
	return connection
}

func (connection *zlibStreamConn) pump() {
	defer close(connection.pumpDone)
	for {
		_, data, err := connection.socket.ReadMessage()
		if err != nil {
			closeErr := translateSocketError(err)
			connection.errLock.Lock()
			connection.readErr = closeErr
			connection.errLock.Unlock()
			_ = connection.pipeWriter.CloseWithError(closeErr)
			return
		}
		if _, err := connection.pipeWriter.Write(data); err != nil {
			return
		}
	}
}

func (connection *zlibStreamConn) ReadFrame() ([]byte, error) {
	connection.readLock.Lock()
	defer connection.readLock.Unlock()

	if connection.decoder == nil {
		inflater, err := zlib.NewReader(connection.pipeReader)
		if err != nil {
			return nil, connection.failure(err)
		}
		connection.decoder = json.NewDecoder(inflater)
	}
	var frame json.RawMessage
	if err := connection.decoder.Decode(&frame); err != nil {
		return nil, connection.failure(err)
	}
	return frame, nil
}

func (connection *zlibStreamConn) failure(err error) error {
	connection.errLock.Lock()
	defer connection.errLock.Unlock()
	if connection.readErr != nil {
		return connection.readErr
	}
	var closeErr *CloseError
	if errors.As(err, &closeErr) {
		return closeErr
	}
	if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &CloseError{Code: CloseAbnormal, Reason: err.Error()}
	}
	return &CloseError{Code: CloseDecodeError, Reason: err.Error()}
}

func (connection *zlibStreamConn) Close(code int, reason string) error {
	err := connection.websocketConn.Close(code, reason)
	_ = connection.pipeReader.Close()
	<-connection.pumpDone
	return err
}

func translateSocketError(err error) *CloseError {
	var wsClose *websocket.CloseError
	if errors.As(err, &wsClose) {
		return &CloseError{Code: wsClose.Code, Reason: wsClose.Text}
	}
	return &CloseError{Code: CloseAbnormal, Reason: err.Error()}
}
