package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// PatchOpKind is the tagged variant of a patch operation.
type PatchOpKind string

const (
	OpAdd     PatchOpKind = "add"
	OpReplace PatchOpKind = "replace"
	OpRemove  PatchOpKind = "remove"
)

// PatchOp is one mutation against the record tree. Value is ignored for
// remove. Paths are dotted; array elements are addressed by numeric segment,
// and whole-array growth is expressed as a replace of the array leaf (see
// AppendToArray).
type PatchOp struct {
	Op    PatchOpKind     `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// ErrPatchShape is wrapped by every patch-application failure so callers can
// treat any malformed op as a single rejection class.
var ErrPatchShape = errors.New("patch does not fit record shape")

// ApplyPatch applies ops to a copy of the record and returns the copy.
// The original is never touched. Application is total: any op that cannot be
// applied against the current shape fails the whole patch, and a patch that
// would introduce fields the schema does not know is rejected when the
// mutated tree is lifted back into the struct form.
func ApplyPatch(r *ClinicalRecord, ops []PatchOp) (*ClinicalRecord, error) {
	tree := toTree(r)
	for i, op := range ops {
		if err := applyOp(tree, op); err != nil {
			return nil, fmt.Errorf("op %d (%s %s): %w", i, op.Op, op.Path, err)
		}
	}
	return liftTree(tree, r.Evidence)
}

func applyOp(tree map[string]any, op PatchOp) error {
	segs := strings.Split(op.Path, ".")
	if op.Path == "" || segs[0] == "evidence_index" || segs[0] == "schema_version" {
		return fmt.Errorf("%w: path %q is not patchable", ErrPatchShape, op.Path)
	}
	switch op.Op {
	case OpAdd, OpReplace:
		var val any
		if len(op.Value) > 0 {
			if err := json.Unmarshal(op.Value, &val); err != nil {
				return fmt.Errorf("%w: bad value: %v", ErrPatchShape, err)
			}
		}
		return setAtPath(tree, segs, val, op.Op == OpAdd)
	case OpRemove:
		return removeAtPath(tree, segs)
	default:
		return fmt.Errorf("%w: unknown op %q", ErrPatchShape, op.Op)
	}
}

// setAtPath walks to the parent of the final segment, creating intermediate
// maps only for add, then writes the leaf. Replace requires the full path to
// already exist.
func setAtPath(tree map[string]any, segs []string, val any, isAdd bool) error {
	parent, err := walkToParent(tree, segs, isAdd)
	if err != nil {
		return err
	}
	last := segs[len(segs)-1]
	switch node := parent.(type) {
	case map[string]any:
		if _, exists := node[last]; !exists && !isAdd {
			return fmt.Errorf("%w: replace target missing", ErrPatchShape)
		}
		node[last] = val
		return nil
	case []any:
		i, convErr := strconv.Atoi(last)
		if convErr != nil || i < 0 || i >= len(node) {
			return fmt.Errorf("%w: bad array index %q", ErrPatchShape, last)
		}
		node[i] = val
		return nil
	default:
		return fmt.Errorf("%w: parent is a leaf", ErrPatchShape)
	}
}

func removeAtPath(tree map[string]any, segs []string) error {
	parent, err := walkToParent(tree, segs, false)
	if err != nil {
		return err
	}
	last := segs[len(segs)-1]
	node, ok := parent.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: remove targets object members only", ErrPatchShape)
	}
	if _, exists := node[last]; !exists {
		return fmt.Errorf("%w: remove target missing", ErrPatchShape)
	}
	// Removing a leaf resets it to the schema zero value on lift; deleting
	// the key is enough here.
	delete(node, last)
	return nil
}

// walkToParent resolves every segment but the last. Slices are traversed by
// index; missing object segments are created only when create is set.
func walkToParent(tree map[string]any, segs []string, create bool) (any, error) {
	var cur any = tree
	for i := 0; i < len(segs)-1; i++ {
		seg := segs[i]
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok || next == nil {
				if !create {
					return nil, fmt.Errorf("%w: segment %q missing", ErrPatchShape, seg)
				}
				created := map[string]any{}
				node[seg] = created
				cur = created
				continue
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, fmt.Errorf("%w: bad array segment %q", ErrPatchShape, seg)
			}
			cur = node[idx]
		default:
			return nil, fmt.Errorf("%w: segment %q descends into a leaf", ErrPatchShape, seg)
		}
	}
	return cur, nil
}

// liftTree re-marshals the mutated tree into a fresh record, rejecting any
// field the schema does not declare. The evidence index is carried over from
// the source record untouched; patches never write evidence.
func liftTree(tree map[string]any, evidence EvidenceIndex) (*ClinicalRecord, error) {
	data, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPatchShape, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	out := NewRecord()
	if err := dec.Decode(out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPatchShape, err)
	}
	out.SchemaVersion = SchemaVersion
	out.Evidence = EvidenceIndex{}
	for path, spans := range evidence {
		out.Evidence[path] = append([]EvidenceSpan(nil), spans...)
	}
	return out, nil
}

// AppendToArray is a convenience for judge proposals that add one element to
// a string array leaf (e.g. an extra sampled station). It is expressed as a
// replace over the whole array so the gate sees a single allow-listed path.
func AppendToArray(r *ClinicalRecord, path string, elem string) (PatchOp, error) {
	v, ok := Resolve(r, path)
	if !ok {
		return PatchOp{}, fmt.Errorf("%w: %s does not resolve", ErrPatchShape, path)
	}
	arr, ok := v.([]any)
	if !ok && v != nil {
		return PatchOp{}, fmt.Errorf("%w: %s is not an array", ErrPatchShape, path)
	}
	out := make([]string, 0, len(arr)+1)
	for _, e := range arr {
		s, ok := e.(string)
		if !ok {
			return PatchOp{}, fmt.Errorf("%w: %s holds non-string elements", ErrPatchShape, path)
		}
		out = append(out, s)
	}
	out = append(out, elem)
	raw, err := json.Marshal(out)
	if err != nil {
		return PatchOp{}, err
	}
	return PatchOp{Op: OpReplace, Path: path, Value: raw}, nil
}
