package patchstream

import (
	"bytes"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// Document is the local JSON value of one subscription. It only changes
// through Apply and Reset.
type Document struct {
	buf     []byte
	options *jsonpatch.ApplyOptions
}

type SkippedOp struct {
	Index int
	Op    Operation
	Err   error
}

type ApplyResult struct {
	Applied int
	Skipped []SkippedOp
}

func NewDocument(seed json.RawMessage) (*Document, error) {
	buf, err := compactJSON(seed)
	if err != nil {
		return nil, fmt.Errorf("%w: seed: %v", ErrInvalidInput, err)
	}
	return &Document{
		buf:     buf,
		options: jsonpatch.NewApplyOptions(),
	}, nil
}

// Apply runs ops in order. An op that does not apply is skipped and
// reported; the document keeps the value it had before that op.
//
// The batch is decoded once and first tried as a whole, which parses the
// document once per batch. Only a batch that fails falls back to one op at
// a time, re-parsing the document for every op.
func (d *Document) Apply(ops []Operation) ApplyResult {
	var result ApplyResult
	if len(ops) == 0 {
		return result
	}
	patch, err := decodePatch(ops)
	if err == nil && !touchesRoot(ops) {
		if next, err := patch.ApplyWithOptions(d.buf, d.options); err == nil {
			d.buf = next
			result.Applied = len(ops)
			return result
		}
	}
	for i, op := range ops {
		var single jsonpatch.Patch
		if patch != nil {
			single = patch[i : i+1]
		}
		next, err := d.applyOne(op, single)
		if err != nil {
			result.Skipped = append(result.Skipped, SkippedOp{Index: i, Op: op, Err: err})
			continue
		}
		d.buf = next
		result.Applied++
	}
	return result
}

func decodePatch(ops []Operation) (jsonpatch.Patch, error) {
	encoded, err := json.Marshal(ops)
	if err != nil {
		return nil, err
	}
	return jsonpatch.DecodePatch(encoded)
}

// touchesRoot reports ops addressing the whole document, which the patch
// library does not replace.
func touchesRoot(ops []Operation) bool {
	for _, op := range ops {
		if op.Path == "" {
			return true
		}
	}
	return false
}

func (d *Document) applyOne(op Operation, single jsonpatch.Patch) ([]byte, error) {
	if op.Path == "" {
		switch op.Op {
		case "add", "replace":
			return compactJSON(op.Value)
		case "test":
		default:
			return nil, fmt.Errorf("%s operation does not apply to the document root", op.Op)
		}
	}
	if single == nil {
		var err error
		if single, err = decodePatch([]Operation{op}); err != nil {
			return nil, err
		}
	}
	return single.ApplyWithOptions(d.buf, d.options)
}

// Reset discards the current value in favour of seed.
func (d *Document) Reset(seed json.RawMessage) error {
	buf, err := compactJSON(seed)
	if err != nil {
		return fmt.Errorf("%w: seed: %v", ErrInvalidInput, err)
	}
	d.buf = buf
	return nil
}

func (d *Document) Bytes() json.RawMessage {
	return append(json.RawMessage(nil), d.buf...)
}

func (d *Document) Decode(into any) error {
	return json.Unmarshal(d.Bytes(), into)
}

func compactJSON(raw []byte) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("empty json value")
	}
	var out bytes.Buffer
	if err := json.Compact(&out, raw); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
