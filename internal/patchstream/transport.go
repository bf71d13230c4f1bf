package patchstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
)

// Conn delivers raw frames in arrival order. Read returns io.EOF when the
// server ended the stream cleanly.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

type DialerFunc func(ctx context.Context, endpoint string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, endpoint string) (Conn, error) {
	return f(ctx, endpoint)
}

const defaultReadLimit = 16 << 20

type WebSocketDialer struct {
	baseURL    string
	token      string
	httpClient *http.Client
	readLimit  int64
}

func NewWebSocketDialer(baseURL, token string, httpClient *http.Client) *WebSocketDialer {
	if httpClient != nil && httpClient.Timeout > 0 {
		// websocket.Dial rejects clients with a Timeout; the dial context
		// bounds the handshake instead.
		clone := *httpClient
		clone.Timeout = 0
		httpClient = &clone
	}
	return &WebSocketDialer{
		baseURL:    normalizeBaseURL(baseURL),
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		readLimit:  defaultReadLimit,
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	target, err := resolveEndpoint(d.baseURL, endpoint)
	if err != nil {
		return nil, err
	}
	switch target.Scheme {
	case "http":
		target.Scheme = "ws"
	case "https":
		target.Scheme = "wss"
	}
	header := http.Header{}
	if d.token != "" {
		header.Set("Authorization", "Bearer "+d.token)
	}
	header.Set("X-Correlation-Id", correlationID())
	conn, resp, err := websocket.Dial(ctx, target.String(), &websocket.DialOptions{
		HTTPClient: d.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, fmt.Errorf("websocket handshake %s: http %d: %w", target.Redacted(), resp.StatusCode, err)
		}
		return nil, err
	}
	conn.SetReadLimit(d.readLimit)
	return &webSocketConn{conn: conn}, nil
}

type webSocketConn struct {
	conn *websocket.Conn
}

func (c *webSocketConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (c *webSocketConn) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		return nil
	}
	return err
}

func normalizeBaseURL(baseURL string) string {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:3000"
	}
	return baseURL
}

func resolveEndpoint(baseURL, endpoint string) (*url.URL, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("%w: empty endpoint", ErrInvalidInput)
	}
	if strings.Contains(endpoint, "://") {
		return url.Parse(endpoint)
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return url.Parse(baseURL + endpoint)
}
