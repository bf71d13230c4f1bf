package kanban

import (
	"github.com/agentworkforce/kanbanstream/internal/patchstream"
)

const rawLogsSeed = `{"stdout":[],"stderr":[]}`

type LogLine struct {
	Stream string
	Text   string
}

type rawLogsDocument struct {
	Stdout []string `json:"stdout"`
	Stderr []string `json:"stderr"`
}

// RawLogsStream follows stdout and stderr of one execution process.
type RawLogsStream struct {
	view
}

func NewRawLogsStream(dialer patchstream.Dialer, opts patchstream.StreamOptions) (*RawLogsStream, error) {
	v, err := newView(dialer, rawLogsSeed, opts)
	if err != nil {
		return nil, err
	}
	return &RawLogsStream{view: v}, nil
}

func (r *RawLogsStream) Watch(processID string, enabled bool) {
	r.stream.Subscribe(patchstream.RawLogsKey(processID), enabled)
}

// Lines returns stdout lines followed by stderr lines.
func (r *RawLogsStream) Lines() ([]LogLine, error) {
	var doc rawLogsDocument
	if err := r.stream.Snapshot().Decode(&doc); err != nil {
		return nil, err
	}
	lines := make([]LogLine, 0, len(doc.Stdout)+len(doc.Stderr))
	for _, text := range doc.Stdout {
		lines = append(lines, LogLine{Stream: "stdout", Text: text})
	}
	for _, text := range doc.Stderr {
		lines = append(lines, LogLine{Stream: "stderr", Text: text})
	}
	return lines, nil
}
