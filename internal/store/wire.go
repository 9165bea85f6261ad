package store

// Wire protocol between the websocket store adapter and the relay
// server. Requests carry a client-chosen id; the relay answers with a
// "result" frame bearing the same id. Change notifications are pushed
// as "change" frames keyed by the client's watch id.

const (
	OpGet     = "get"
	OpSet     = "set"
	OpMerge   = "merge"
	OpDelete  = "delete"
	OpList    = "list"
	OpWatch   = "watch"
	OpUnwatch = "unwatch"
	OpResult  = "result"
	OpChange  = "change"
)

type WireMsg struct {
	ID      uint64         `json:"id,omitempty"`
	Op      string         `json:"op"`
	Path    string         `json:"path,omitempty"`
	Prefix  string         `json:"prefix,omitempty"`
	Doc     Doc            `json:"doc,omitempty"`
	Fields  Doc            `json:"fields,omitempty"`
	Docs    map[string]Doc `json:"docs,omitempty"`
	WatchID uint64         `json:"watchId,omitempty"`
	Exists  bool           `json:"exists,omitempty"`
	Error   string         `json:"error,omitempty"`
}
