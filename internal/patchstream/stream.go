package patchstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateFinished:
		return "finished"
	default:
		return "idle"
	}
}

type Logger interface {
	Printf(format string, args ...any)
}

type SeedFunc func() json.RawMessage

type StreamOptions struct {
	Seed    SeedFunc
	Refresh *RefreshRegistry
	Backoff Backoff
	Logger  Logger
}

// Snapshot is a read-only view of a Stream. Data is a private copy.
// Exhausted is set once the backoff policy has given up redialing.
type Snapshot struct {
	Key         Key
	State       State
	Data        json.RawMessage
	Error       string
	Initialized bool
	Connected   bool
	Exhausted   bool
	Generation  uint64
	Nonce       uint64
}

func (s Snapshot) Decode(into any) error {
	if len(s.Data) == 0 {
		return fmt.Errorf("%w: empty snapshot", ErrInvalidInput)
	}
	return json.Unmarshal(s.Data, into)
}

// Stream owns the connection and local document of one subscription key.
// Every teardown bumps the generation; frames read by a connection of an
// older generation are dropped before they reach the document.
type Stream struct {
	dialer  Dialer
	seed    SeedFunc
	refresh *RefreshRegistry
	backoff Backoff
	logger  Logger

	sleep  func(ctx context.Context, d time.Duration) error
	sample func() float64

	mu          sync.Mutex
	closed      bool
	key         Key
	enabled     bool
	nonce       uint64
	generation  uint64
	state       State
	doc         *Document
	lastErr     string
	initialized bool
	connected   bool
	exhausted   bool
	cancel      context.CancelFunc

	changes          chan struct{}
	stopRefresh      func()
	onStaleDiscarded func(generation uint64)
}

func NewStream(dialer Dialer, opts StreamOptions) (*Stream, error) {
	if dialer == nil {
		return nil, fmt.Errorf("%w: dialer is required", ErrInvalidInput)
	}
	seed := opts.Seed
	if seed == nil {
		seed = func() json.RawMessage { return json.RawMessage(`{}`) }
	}
	doc, err := NewDocument(seed())
	if err != nil {
		return nil, err
	}
	backoff := opts.Backoff
	if backoff == (Backoff{}) {
		backoff = DefaultBackoff()
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var rngMu sync.Mutex
	s := &Stream{
		dialer:  dialer,
		seed:    seed,
		refresh: opts.Refresh,
		backoff: backoff.normalized(),
		logger:  opts.Logger,
		sleep:   waitWithContext,
		sample: func() float64 {
			rngMu.Lock()
			defer rngMu.Unlock()
			return rng.Float64()
		},
		doc:         doc,
		changes:     make(chan struct{}, 1),
		stopRefresh: func() {},
	}
	if opts.Refresh != nil {
		s.stopRefresh = opts.Refresh.Subscribe(s.onRefresh)
	}
	return s, nil
}

// Subscribe points the stream at key. A key that is not present or
// enabled=false leaves the stream idle at the seed value. Changing the key,
// the enabled flag or the key's refresh nonce tears the current connection
// down and starts over from the seed; anything else is a no-op.
func (s *Stream) Subscribe(key Key, enabled bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changed := s.resubscribeLocked(key, enabled, s.refresh.Nonce(key.RefreshKey()))
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

func (s *Stream) onRefresh(key RefreshKey, nonce uint64) {
	s.mu.Lock()
	if s.closed || !s.key.Present() || s.key.RefreshKey() != key || nonce == s.nonce {
		s.mu.Unlock()
		return
	}
	s.logf("stream %s refresh nonce %d -> %d; resynchronizing", s.key, s.nonce, nonce)
	changed := s.resubscribeLocked(s.key, s.enabled, nonce)
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

func (s *Stream) resubscribeLocked(key Key, enabled bool, nonce uint64) bool {
	if s.key.Equal(key) && s.enabled == enabled && s.nonce == nonce {
		return false
	}
	s.teardownLocked()
	s.key = key
	s.enabled = enabled
	s.nonce = nonce
	if key.Present() && enabled {
		s.startLocked()
	}
	return true
}

func (s *Stream) teardownLocked() {
	s.generation++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if err := s.doc.Reset(s.seed()); err != nil {
		s.logf("stream %s seed rejected, keeping previous seed: %v", s.key, err)
	}
	s.state = StateIdle
	s.lastErr = ""
	s.initialized = false
	s.connected = false
	s.exhausted = false
}

func (s *Stream) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.state = StateConnecting
	go s.run(ctx, s.generation, s.key.Endpoint(s.nonce))
}

func (s *Stream) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Stream) snapshotLocked() Snapshot {
	return Snapshot{
		Key:         s.key,
		State:       s.state,
		Data:        s.doc.Bytes(),
		Error:       s.lastErr,
		Initialized: s.initialized,
		Connected:   s.connected,
		Exhausted:   s.exhausted,
		Generation:  s.generation,
		Nonce:       s.nonce,
	}
}

// Changes signals after any change of the snapshot. Signals coalesce; read
// Snapshot after receiving one.
func (s *Stream) Changes() <-chan struct{} {
	return s.changes
}

func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.teardownLocked()
	s.mu.Unlock()
	s.stopRefresh()
	s.notify()
}

func (s *Stream) run(ctx context.Context, generation uint64, endpoint string) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := s.dialer.Dial(ctx, endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			if !s.transportFailed(generation, &TransportError{Endpoint: endpoint, Attempt: attempt, Err: err}) {
				return
			}
			if !s.waitToRetry(ctx, generation, endpoint, attempt) {
				return
			}
			continue
		}
		if !s.connectedTo(generation) {
			_ = conn.Close()
			return
		}
		attempt = 0

		done, err := s.consume(ctx, generation, conn)
		_ = conn.Close()
		if done || ctx.Err() != nil {
			return
		}
		attempt++
		if !s.transportFailed(generation, &TransportError{Endpoint: endpoint, Attempt: attempt, Err: err}) {
			return
		}
		if !s.waitToRetry(ctx, generation, endpoint, attempt) {
			return
		}
	}
}

func (s *Stream) waitToRetry(ctx context.Context, generation uint64, endpoint string, attempt int) bool {
	if s.backoff.Exhausted(attempt) {
		s.update(generation, func() {
			s.logf("stream %s: giving up after %d attempts", endpoint, attempt-1)
			s.exhausted = true
		})
		return false
	}
	delay := s.backoff.Delay(attempt, s.sample())
	s.logf("stream %s: reconnecting in %s (attempt %d)", endpoint, delay, attempt)
	return s.sleep(ctx, delay) == nil
}

// consume reads frames until the connection fails, the server finishes the
// stream, or the generation is superseded. done reports that no reconnect
// should follow.
func (s *Stream) consume(ctx context.Context, generation uint64, conn Conn) (done bool, err error) {
	for {
		raw, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.finished(generation)
				return true, nil
			}
			return false, err
		}
		frame, err := Decode(raw)
		if err != nil {
			if !s.decodeFailed(generation, err) {
				return true, nil
			}
			continue
		}
		current := true
		switch frame.Kind {
		case FrameHeartbeat:
		case FrameReady:
			current = s.ready(generation)
		case FrameFinished:
			s.finished(generation)
			return true, nil
		case FramePatch:
			current = s.applyBatch(generation, frame.Ops)
		}
		if !current {
			return true, nil
		}
	}
}

// update runs fn under the stream lock if generation is still current.
func (s *Stream) update(generation uint64, fn func()) bool {
	s.mu.Lock()
	if generation != s.generation || s.closed {
		s.mu.Unlock()
		if s.onStaleDiscarded != nil {
			s.onStaleDiscarded(generation)
		}
		return false
	}
	fn()
	s.mu.Unlock()
	s.notify()
	return true
}

func (s *Stream) applyBatch(generation uint64, ops []Operation) bool {
	return s.update(generation, func() {
		result := s.doc.Apply(ops)
		for _, skipped := range result.Skipped {
			s.logf("stream %s: skipped %s %q: %v", s.key, skipped.Op.Op, skipped.Op.Path, skipped.Err)
		}
		s.initialized = true
		s.state = StateStreaming
	})
}

func (s *Stream) ready(generation uint64) bool {
	return s.update(generation, func() {
		s.initialized = true
	})
}

func (s *Stream) connectedTo(generation uint64) bool {
	return s.update(generation, func() {
		s.state = StateStreaming
		s.connected = true
		s.lastErr = ""
	})
}

func (s *Stream) finished(generation uint64) {
	s.update(generation, func() {
		s.state = StateFinished
		s.connected = false
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
	})
}

func (s *Stream) decodeFailed(generation uint64, err error) bool {
	return s.update(generation, func() {
		s.logf("stream %s: dropping frame: %v", s.key, err)
		s.lastErr = err.Error()
	})
}

func (s *Stream) transportFailed(generation uint64, err error) bool {
	return s.update(generation, func() {
		s.logf("stream %s: %v", s.key, err)
		s.lastErr = err.Error()
		s.state = StateConnecting
		s.connected = false
	})
}

func (s *Stream) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *Stream) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
