// Package store defines the shared-document contract the session layer
// runs against: whole-document reads, field merge-writes, and
// per-document change subscriptions. There is no cross-document
// transaction; callers that need ordering rely on the store
// serializing writes to a single document.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

var ErrClosed = errors.New("store closed")

// Doc is one document's fields. Values are plain JSON-compatible data.
type Doc map[string]any

// Snapshot is a document state delivered to a watcher. Exists is false
// when the document was deleted (or never written).
type Snapshot struct {
	Path   string
	Doc    Doc
	Exists bool
}

// CancelFunc releases a subscription. Safe to call more than once.
type CancelFunc func()

// Store is the shared-document service. Merge updates named fields
// without clobbering siblings; field keys may be dot-separated paths
// into nested maps ("peers.alice.offer"). Watch delivers the full
// current document at-least-once after every change, including once
// immediately for the current state.
type Store interface {
	Get(ctx context.Context, path string) (Doc, bool, error)
	Set(ctx context.Context, path string, doc Doc) error
	Merge(ctx context.Context, path string, fields Doc) error
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) (map[string]Doc, error)
	Watch(path string, fn func(Snapshot)) CancelFunc
	WatchPrefix(prefix string, fn func(Snapshot)) CancelFunc
	Close() error
}

// Decode unmarshals a document into a typed record via its JSON form.
func Decode(d Doc, out any) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// Encode converts a typed record into a document.
func Encode(in any) (Doc, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var d Doc
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return d, nil
}

// applyMerge writes each field into doc. A dot-separated key descends
// into nested maps, creating them as needed. A nil value deletes the
// addressed field.
func applyMerge(doc Doc, fields Doc) {
	for key, val := range fields {
		parts := strings.Split(key, ".")
		node := doc
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[p] = child
			}
			node = child
		}
		leaf := parts[len(parts)-1]
		if val == nil {
			delete(node, leaf)
			continue
		}
		node[leaf] = normalize(val)
	}
}

// normalize converts a value to its JSON-compatible form so documents
// hold the same shapes no matter which adapter wrote them.
func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func deepCopy(d Doc) Doc {
	if d == nil {
		return nil
	}
	out := make(Doc, len(d))
	for k, v := range d {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = copyValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = copyValue(vv)
		}
		return out
	default:
		return v
	}
}
