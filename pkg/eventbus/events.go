package eventbus

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Event types carried on the bus. The set is closed on the server side;
// clients must tolerate types they do not recognize.
const (
	EventEntryCreated     = "entry_created"
	EventEntryDeleted     = "entry_deleted"
	EventEntriesTruncated = "entries_truncated"
	EventAvatarUpdated    = "avatar_updated"
	EventUserUpdated      = "user_updated"

	// Synthetic stream events. Never persisted; generated by the SSE
	// hub for connection bookkeeping.
	EventConnected = "connected"
	EventPing      = "ping"
)

// Event is one record on the bus and the unit sent over the wire.
// Seq is assigned by the store at insert time and is the resumption
// cursor; TimeUS is informational only, ordering authority is Seq.
type Event struct {
	Seq    int64           `json:"seq,omitempty"`
	Type   string          `json:"type"`
	TimeUS int64           `json:"time_us,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// EntryCreated carries the full entry record so clients can render it
// without a follow-up fetch.
type EntryCreated struct {
	ID              string `json:"id"`
	UserID          string `json:"user_id"`
	UserName        string `json:"user_name"`
	MarkdownContent string `json:"markdown_content"`
	RelatedEntryID  string `json:"related_entry_id,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
	IsReply         bool   `json:"is_reply"`
}

// EntryDeleted identifies a removed entry.
type EntryDeleted struct {
	ID string `json:"id"`
}

// EntriesTruncated reports the counts of a bulk delete. It is a
// statement of new ground truth, not a delta.
type EntriesTruncated struct {
	DeletedCount   int    `json:"deleted_count"`
	UsersDeleted   int    `json:"users_deleted"`
	AvatarsDeleted int    `json:"avatars_deleted"`
	DeleteOption   string `json:"delete_option,omitempty"`
}

// AvatarUpdated announces a regenerated avatar image for a user.
type AvatarUpdated struct {
	UserID     string `json:"user_id"`
	AvatarPath string `json:"avatar_path"`
}

// UserUpdated carries a field-level patch of a user's mutable
// attributes.
type UserUpdated struct {
	UserID        string         `json:"user_id"`
	UpdatedFields map[string]any `json:"updated_fields"`
}

// Connected is the synthetic event pushed when a stream opens.
type Connected struct{}

// Ping is the keep-alive event.
type Ping struct{}

// Unknown is the catch-all variant for event types this build does not
// recognize. Consumers must treat it as a no-op.
type Unknown struct {
	Type string
	Data json.RawMessage
}

// NewEvent builds an Event of the given type with the payload
// serialized as JSON. Seq is zero until the bus assigns one.
func NewEvent(eventType string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshaling %s payload: %w", eventType, err)
	}
	return Event{Type: eventType, Data: data}, nil
}

// DecodePayload unpacks the typed payload of an event. Unrecognized
// event types decode to Unknown rather than an error, so a client built
// against an older event set keeps working against a newer server.
func DecodePayload(e Event) (any, error) {
	switch e.Type {
	case EventEntryCreated:
		var p EntryCreated
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", e.Type, err)
		}
		return p, nil
	case EventEntryDeleted:
		var p EntryDeleted
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", e.Type, err)
		}
		return p, nil
	case EventEntriesTruncated:
		var p EntriesTruncated
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", e.Type, err)
		}
		return p, nil
	case EventAvatarUpdated:
		var p AvatarUpdated
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", e.Type, err)
		}
		return p, nil
	case EventUserUpdated:
		var p UserUpdated
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", e.Type, err)
		}
		return p, nil
	case EventConnected:
		return Connected{}, nil
	case EventPing:
		return Ping{}, nil
	default:
		return Unknown{Type: e.Type, Data: e.Data}, nil
	}
}
