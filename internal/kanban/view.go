package kanban

import (
	"encoding/json"

	"github.com/agentworkforce/kanbanstream/internal/patchstream"
)

// view binds a stream to the seed of one document shape.
type view struct {
	stream *patchstream.Stream
	logger patchstream.Logger
}

func newView(dialer patchstream.Dialer, seed string, opts patchstream.StreamOptions) (view, error) {
	opts.Seed = func() json.RawMessage { return json.RawMessage(seed) }
	stream, err := patchstream.NewStream(dialer, opts)
	if err != nil {
		return view{}, err
	}
	return view{stream: stream, logger: opts.Logger}, nil
}

func (v view) Stream() *patchstream.Stream { return v.stream }

func (v view) Snapshot() patchstream.Snapshot { return v.stream.Snapshot() }

func (v view) Changes() <-chan struct{} { return v.stream.Changes() }

func (v view) Close() { v.stream.Close() }

func (v view) logf(format string, args ...any) {
	if v.logger == nil {
		return
	}
	v.logger.Printf(format, args...)
}
