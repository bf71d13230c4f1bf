package kanban

import (
	"encoding/json"
	"sort"

	"github.com/agentworkforce/kanbanstream/internal/patchstream"
)

const diffSeed = `{"entries":{}}`

type Diff struct {
	Change         string  `json:"change"`
	OldPath        *string `json:"oldPath"`
	NewPath        *string `json:"newPath"`
	OldContent     *string `json:"oldContent,omitempty"`
	NewContent     *string `json:"newContent,omitempty"`
	ContentOmitted bool    `json:"contentOmitted"`
	Additions      *int    `json:"additions"`
	Deletions      *int    `json:"deletions"`
}

// Path prefers the post-change path.
func (d Diff) Path() string {
	if d.NewPath != nil && *d.NewPath != "" {
		return *d.NewPath
	}
	if d.OldPath != nil {
		return *d.OldPath
	}
	return ""
}

type DiffStats struct {
	FilesChanged int
	Additions    int
	Deletions    int
}

type patchEntry struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

type diffDocument struct {
	Entries map[string]patchEntry `json:"entries"`
}

func DiffRefreshKey(attemptID string) patchstream.RefreshKey {
	return patchstream.DiffKey(attemptID, nil).RefreshKey()
}

// DiffStream follows the diff of one task attempt.
type DiffStream struct {
	view
}

func NewDiffStream(dialer patchstream.Dialer, opts patchstream.StreamOptions) (*DiffStream, error) {
	v, err := newView(dialer, diffSeed, opts)
	if err != nil {
		return nil, err
	}
	return &DiffStream{view: v}, nil
}

// Watch switches to attemptID. An empty id leaves the stream idle.
func (d *DiffStream) Watch(attemptID string, statsOnly *bool, enabled bool) {
	d.stream.Subscribe(patchstream.DiffKey(attemptID, statsOnly), enabled)
}

func (d *DiffStream) Diffs() ([]Diff, error) {
	return diffsFromSnapshot(d.stream.Snapshot(), d.logf)
}

func (d *DiffStream) Stats() (DiffStats, error) {
	diffs, err := d.Diffs()
	if err != nil {
		return DiffStats{}, err
	}
	return SummarizeDiffs(diffs), nil
}

// diffsFromSnapshot skips entries whose content is not a diff so that one
// odd entry does not blank the whole list.
func diffsFromSnapshot(snap patchstream.Snapshot, logf func(format string, args ...any)) ([]Diff, error) {
	var doc diffDocument
	if err := snap.Decode(&doc); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(doc.Entries))
	for key, entry := range doc.Entries {
		if entry.Type == "DIFF" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	diffs := make([]Diff, 0, len(keys))
	for _, key := range keys {
		var diff Diff
		if err := json.Unmarshal(doc.Entries[key].Content, &diff); err != nil {
			logf("diff %s: skipping entry %q: %v", snap.Key, key, err)
			continue
		}
		diffs = append(diffs, diff)
	}
	return diffs, nil
}

func SummarizeDiffs(diffs []Diff) DiffStats {
	stats := DiffStats{FilesChanged: len(diffs)}
	for _, diff := range diffs {
		if diff.Additions != nil {
			stats.Additions += *diff.Additions
		}
		if diff.Deletions != nil {
			stats.Deletions += *diff.Deletions
		}
	}
	return stats
}
