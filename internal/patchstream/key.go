package patchstream

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

type Kind string

const (
	KindDiff       Kind = "diff"
	KindWorkspaces Kind = "workspaces"
	KindRawLogs    Kind = "raw-logs"
)

func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindDiff, "diffs":
		return KindDiff, nil
	case KindWorkspaces, "workspace":
		return KindWorkspaces, nil
	case KindRawLogs, "logs", "raw_logs":
		return KindRawLogs, nil
	default:
		return "", fmt.Errorf("%w: unknown stream kind %q", ErrInvalidInput, raw)
	}
}

// Key identifies one logical document stream. Two keys are the same stream
// iff they compare equal with Equal.
type Key struct {
	Kind      Kind
	ID        string
	StatsOnly *bool
}

func DiffKey(attemptID string, statsOnly *bool) Key {
	return Key{Kind: KindDiff, ID: strings.TrimSpace(attemptID), StatsOnly: statsOnly}
}

func WorkspacesKey() Key {
	return Key{Kind: KindWorkspaces}
}

func RawLogsKey(processID string) Key {
	return Key{Kind: KindRawLogs, ID: strings.TrimSpace(processID)}
}

func (k Key) Present() bool {
	switch k.Kind {
	case KindWorkspaces:
		return true
	case KindDiff, KindRawLogs:
		return strings.TrimSpace(k.ID) != ""
	default:
		return false
	}
}

func (k Key) Equal(other Key) bool {
	if k.Kind != other.Kind || k.ID != other.ID {
		return false
	}
	if (k.StatsOnly == nil) != (other.StatsOnly == nil) {
		return false
	}
	return k.StatsOnly == nil || *k.StatsOnly == *other.StatsOnly
}

// RefreshKey drops the per-view options: all views of one attempt share a
// refresh nonce.
func (k Key) RefreshKey() RefreshKey {
	return RefreshKey{Kind: k.Kind, ID: k.ID}
}

func (k Key) Path() string {
	id := url.PathEscape(k.ID)
	switch k.Kind {
	case KindDiff:
		return "/api/task-attempts/" + id + "/diff/ws"
	case KindWorkspaces:
		return "/api/task-attempts/stream/ws"
	case KindRawLogs:
		return "/api/execution-processes/" + id + "/raw-logs/ws"
	default:
		return ""
	}
}

func (k Key) Query(nonce uint64) url.Values {
	q := url.Values{}
	if k.StatsOnly != nil {
		q.Set("stats_only", strconv.FormatBool(*k.StatsOnly))
	}
	if nonce > 0 {
		q.Set("_refresh", strconv.FormatUint(nonce, 10))
	}
	return q
}

// Endpoint returns the path plus query for the given nonce, relative to the
// backend base URL.
func (k Key) Endpoint(nonce uint64) string {
	path := k.Path()
	if path == "" {
		return ""
	}
	q := k.Query(nonce)
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

func (k Key) String() string {
	var b strings.Builder
	b.WriteString(string(k.Kind))
	if k.ID != "" {
		b.WriteString(":")
		b.WriteString(k.ID)
	}
	if k.StatsOnly != nil {
		b.WriteString("?stats_only=")
		b.WriteString(strconv.FormatBool(*k.StatsOnly))
	}
	return b.String()
}

// RefreshKey is the cache key of a refresh nonce.
type RefreshKey struct {
	Kind Kind
	ID   string
}

func (k RefreshKey) String() string {
	if k.ID == "" {
		return string(k.Kind)
	}
	return string(k.Kind) + ":" + k.ID
}
