package patchstream

import (
	"errors"
	"testing"
)

func TestDecodeBarePatchList(t *testing.T) {
	frame, err := Decode([]byte(`[{"op":"add","path":"/entries/a.ts","value":{"type":"DIFF"}},{"op":"remove","path":"/entries/b.ts"}]`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if frame.Kind != FramePatch {
		t.Fatalf("expected patch frame, got %s", frame.Kind)
	}
	if len(frame.Ops) != 2 {
		t.Fatalf("expected two ops, got %d", len(frame.Ops))
	}
	if frame.Ops[0].Op != "add" || frame.Ops[0].Path != "/entries/a.ts" || string(frame.Ops[0].Value) != `{"type":"DIFF"}` {
		t.Fatalf("unexpected first op %+v", frame.Ops[0])
	}
	if frame.Ops[1].Op != "remove" || len(frame.Ops[1].Value) != 0 {
		t.Fatalf("unexpected second op %+v", frame.Ops[1])
	}
}

func TestDecodeEnvelopes(t *testing.T) {
	cases := []struct {
		raw  string
		kind FrameKind
		ops  int
	}{
		{raw: `{"JsonPatch":[{"op":"replace","path":"/workspaces/w1/pinned","value":true}]}`, kind: FramePatch, ops: 1},
		{raw: `{"JsonPatch":[]}`, kind: FramePatch, ops: 0},
		{raw: `{"Ready":true}`, kind: FrameReady},
		{raw: `{"finished":true}`, kind: FrameFinished},
		{raw: "  \n", kind: FrameHeartbeat},
		{raw: `[{"op":"replace","path":"","value":{"entries":{}}}]`, kind: FramePatch, ops: 1},
		{raw: `[{"op":"move","from":"/entries/a","path":"/entries/b"}]`, kind: FramePatch, ops: 1},
	}
	for _, tc := range cases {
		frame, err := Decode([]byte(tc.raw))
		if err != nil {
			t.Fatalf("decode %s failed: %v", tc.raw, err)
		}
		if frame.Kind != tc.kind {
			t.Fatalf("decode %s: expected %s, got %s", tc.raw, tc.kind, frame.Kind)
		}
		if len(frame.Ops) != tc.ops {
			t.Fatalf("decode %s: expected %d ops, got %d", tc.raw, tc.ops, len(frame.Ops))
		}
	}
}

func TestDecodeNullValueIsKept(t *testing.T) {
	frame, err := Decode([]byte(`[{"op":"add","path":"/entries/a","value":null}]`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if string(frame.Ops[0].Value) != "null" {
		t.Fatalf("expected explicit null value, got %q", frame.Ops[0].Value)
	}
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	cases := []string{
		`not json`,
		`[{"op":"add","path":"/a","value":1}] trailing`,
		`[{"path":"/a","value":1}]`,
		`[{"op":"explode","path":"/a"}]`,
		`[{"op":"add","path":"a","value":1}]`,
		`[{"op":"add","path":"/a"}]`,
		`[{"op":"copy","path":"/a"}]`,
		`{"Ready":false}`,
		`{"unknown":1}`,
		`42`,
	}
	for _, raw := range cases {
		_, err := Decode([]byte(raw))
		if err == nil {
			t.Fatalf("expected %q to be rejected", raw)
		}
		if !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("expected malformed frame error for %q, got %v", raw, err)
		}
		var decodeErr *DecodeError
		if !errors.As(err, &decodeErr) {
			t.Fatalf("expected *DecodeError for %q, got %T", raw, err)
		}
	}
}
