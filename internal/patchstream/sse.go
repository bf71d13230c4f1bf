package patchstream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SSEDialer consumes the same patch streams as WebSocketDialer over
// Server-Sent Events. "json_patch" (or untyped) events carry a frame,
// "ready" and "finished" events map to the corresponding envelopes. Only a
// "finished" event ends the stream; a body that ends without one is a
// dropped connection.
type SSEDialer struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewSSEDialer(baseURL, token string, httpClient *http.Client) *SSEDialer {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &SSEDialer{
		baseURL:    normalizeBaseURL(baseURL),
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
}

func (d *SSEDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	target, err := resolveEndpoint(d.baseURL, endpoint)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("X-Correlation-Id", correlationID())
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("event stream %s: http %d: %s", target.Redacted(), resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return &sseConn{body: resp.Body, scanner: newSSEScanner(resp.Body)}, nil
}

type sseConn struct {
	body    io.ReadCloser
	scanner *sseScanner
}

func (c *sseConn) Read(ctx context.Context) ([]byte, error) {
	for c.scanner.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		event := c.scanner.Event()
		switch event.Type {
		case "", "message", "json_patch":
			return []byte(event.Data), nil
		case "ready":
			return []byte(`{"Ready":true}`), nil
		case "finished":
			return []byte(`{"finished":true}`), nil
		}
	}
	if err := c.scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return nil, io.ErrUnexpectedEOF
}

func (c *sseConn) Close() error {
	return c.body.Close()
}

type sseEvent struct {
	Type string
	Data string
}

// sseScanner splits an event stream into events. A blank line ends an
// event and "data:" lines are joined with newlines. Comments, unknown fields
// and an unterminated event at end of input are dropped.
type sseScanner struct {
	reader  *bufio.Reader
	current sseEvent
	err     error
}

func newSSEScanner(r io.Reader) *sseScanner {
	return &sseScanner{reader: bufio.NewReaderSize(r, 64*1024)}
}

func (s *sseScanner) Next() bool {
	if s.err != nil {
		return false
	}
	s.current = sseEvent{}
	var dataLines []string
	eventType := ""
	hasData := false
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			s.err = err
			return false
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if hasData || eventType != "" {
				s.current = sseEvent{Type: eventType, Data: strings.Join(dataLines, "\n")}
				return true
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		} else {
			field, value = line, ""
		}
		switch field {
		case "data":
			dataLines = append(dataLines, value)
			hasData = true
		case "event":
			eventType = value
		}
	}
}

func (s *sseScanner) Event() sseEvent {
	return s.current
}

func (s *sseScanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
