package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/agentworkforce/kanbanstream/internal/gitwatch"
	"github.com/agentworkforce/kanbanstream/internal/kanban"
	"github.com/agentworkforce/kanbanstream/internal/patchstream"
	"github.com/agentworkforce/kanbanstream/internal/snapshot"
)

type streamView interface {
	Snapshot() patchstream.Snapshot
	Changes() <-chan struct{}
	Close()
}

type watchedStream struct {
	key     patchstream.Key
	view    streamView
	summary func() string
}

type streamLine struct {
	Key         string          `json:"key"`
	State       string          `json:"state"`
	Initialized bool            `json:"initialized"`
	Connected   bool            `json:"connected"`
	Nonce       uint64          `json:"nonce"`
	Error       string          `json:"error,omitempty"`
	Restored    bool            `json:"restored,omitempty"`
	Data        json.RawMessage `json:"data"`
}

type jsonLineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newJSONLineWriter(w io.Writer) *jsonLineWriter {
	return &jsonLineWriter{enc: json.NewEncoder(w)}
}

func (w *jsonLineWriter) write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(v)
}

// runWatch follows every configured stream and writes one JSON line per
// observed change until ctx is done, or until all streams have initialized
// when cfg.Once is set. In once mode a stream that finishes or gives up
// before initializing fails the run.
func runWatch(ctx context.Context, cfg watchConfig, dialer patchstream.Dialer, out io.Writer, logger patchstream.Logger) error {
	registry := patchstream.NewRefreshRegistry()
	opts := patchstream.StreamOptions{Refresh: registry, Backoff: cfg.Backoff, Logger: logger}

	streams, err := openStreams(cfg.Streams, dialer, opts)
	if err != nil {
		return err
	}
	defer func() {
		for _, s := range streams {
			s.view.Close()
		}
	}()

	backend, err := snapshot.BuildBackendFromDSN(cfg.SnapshotDSN)
	if err != nil {
		return fmt.Errorf("snapshot backend: %w", err)
	}
	if backend != nil {
		defer backend.Close()
	}

	lines := newJSONLineWriter(out)
	if backend != nil {
		for _, s := range streams {
			doc, ok, err := backend.Load(s.key.String())
			if err != nil {
				logger.Printf("restore %s failed: %v", s.key, err)
				continue
			}
			if ok {
				_ = lines.write(streamLine{Key: s.key.String(), State: patchstream.StateIdle.String(), Restored: true, Data: doc})
			}
		}
	}

	if cfg.GitDir != "" {
		if err := startGitWatch(ctx, cfg.GitDir, streams, registry, logger); err != nil {
			return err
		}
	}

	updates := make(chan int, len(streams))
	for i, s := range streams {
		go forwardChanges(ctx, i, s.view.Changes(), updates)
	}

	settled := make([]bool, len(streams))
	for {
		select {
		case <-ctx.Done():
			return nil
		case i := <-updates:
			s := streams[i]
			snap := s.view.Snapshot()
			if err := lines.write(streamLine{
				Key:         s.key.String(),
				State:       snap.State.String(),
				Initialized: snap.Initialized,
				Connected:   snap.Connected,
				Nonce:       snap.Nonce,
				Error:       snap.Error,
				Data:        snap.Data,
			}); err != nil {
				return err
			}
			if !snap.Initialized {
				if cfg.Once {
					if err := unsettledError(s.key, snap); err != nil {
						return err
					}
				}
				continue
			}
			if backend != nil {
				if err := backend.Save(s.key.String(), snap.Data); err != nil {
					logger.Printf("persist %s failed: %v", s.key, err)
				}
			}
			if !settled[i] {
				settled[i] = true
				logger.Printf("stream %s initialized: %s", s.key, s.summary())
			}
			if cfg.Once && allTrue(settled) {
				return nil
			}
		}
	}
}

func openStreams(specs []streamSpec, dialer patchstream.Dialer, opts patchstream.StreamOptions) ([]watchedStream, error) {
	var streams []watchedStream
	closeAll := func() {
		for _, s := range streams {
			s.view.Close()
		}
	}
	for _, spec := range specs {
		key, err := spec.key()
		if err != nil {
			closeAll()
			return nil, err
		}
		if duplicateKey(streams, key) {
			continue
		}
		s, err := openStream(key, dialer, opts)
		if err != nil {
			closeAll()
			return nil, err
		}
		streams = append(streams, s)
	}
	return streams, nil
}

func openStream(key patchstream.Key, dialer patchstream.Dialer, opts patchstream.StreamOptions) (watchedStream, error) {
	switch key.Kind {
	case patchstream.KindDiff:
		diffs, err := kanban.NewDiffStream(dialer, opts)
		if err != nil {
			return watchedStream{}, err
		}
		diffs.Watch(key.ID, key.StatsOnly, true)
		return watchedStream{key: key, view: diffs, summary: func() string {
			stats, err := diffs.Stats()
			if err != nil {
				return err.Error()
			}
			return fmt.Sprintf("%d files, +%d -%d", stats.FilesChanged, stats.Additions, stats.Deletions)
		}}, nil
	case patchstream.KindWorkspaces:
		workspaces, err := kanban.NewWorkspacesStream(dialer, opts)
		if err != nil {
			return watchedStream{}, err
		}
		workspaces.Watch(true)
		return watchedStream{key: key, view: workspaces, summary: func() string {
			active, err := workspaces.Active()
			if err != nil {
				return err.Error()
			}
			archived, err := workspaces.Archived()
			if err != nil {
				return err.Error()
			}
			return fmt.Sprintf("%d active, %d archived workspaces", len(active), len(archived))
		}}, nil
	default:
		logs, err := kanban.NewRawLogsStream(dialer, opts)
		if err != nil {
			return watchedStream{}, err
		}
		logs.Watch(key.ID, true)
		return watchedStream{key: key, view: logs, summary: func() string {
			lines, err := logs.Lines()
			if err != nil {
				return err.Error()
			}
			return fmt.Sprintf("%d log lines", len(lines))
		}}, nil
	}
}

func startGitWatch(ctx context.Context, gitDir string, streams []watchedStream, registry *patchstream.RefreshRegistry, logger patchstream.Logger) error {
	var diffKeys []patchstream.RefreshKey
	for _, s := range streams {
		if s.key.Kind == patchstream.KindDiff {
			diffKeys = append(diffKeys, s.key.RefreshKey())
		}
	}
	if len(diffKeys) == 0 {
		logger.Printf("git-dir %s ignored: no diff streams to refresh", gitDir)
		return nil
	}
	watcher, err := gitwatch.New(gitDir, func(paths []string) {
		for _, key := range diffKeys {
			nonce := registry.Invalidate(key)
			logger.Printf("refs moved (%v): refreshing %s (nonce %d)", paths, key, nonce)
		}
	}, gitwatch.Options{Logger: logger})
	if err != nil {
		return err
	}
	go func() {
		_ = watcher.Run(ctx)
	}()
	return nil
}

func forwardChanges(ctx context.Context, index int, changes <-chan struct{}, updates chan<- int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			select {
			case updates <- index:
			case <-ctx.Done():
				return
			}
		}
	}
}

func duplicateKey(streams []watchedStream, key patchstream.Key) bool {
	for _, s := range streams {
		if s.key.Equal(key) {
			return true
		}
	}
	return false
}

// unsettledError reports a stream that can no longer initialize without a
// new subscription.
func unsettledError(key patchstream.Key, snap patchstream.Snapshot) error {
	switch {
	case snap.Exhausted:
		return fmt.Errorf("stream %s gave up reconnecting: %s", key, snap.Error)
	case snap.State == patchstream.StateFinished:
		return fmt.Errorf("stream %s finished before initializing", key)
	default:
		return nil
	}
}

func allTrue(values []bool) bool {
	for _, v := range values {
		if !v {
			return false
		}
	}
	return true
}
