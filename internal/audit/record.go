package audit

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SystemActor is the actor recorded for events that no user caused.
const SystemActor = "SYSTEM"

// Action is the kind of operation an audit record describes.
// Open-ended kinds are encoded as "OTHER:<label>".
type Action string

const (
	ActionCreate  Action = "CREATE"
	ActionRead    Action = "READ"
	ActionUpdate  Action = "UPDATE"
	ActionDelete  Action = "DELETE"
	ActionApprove Action = "APPROVE"
	ActionLogin   Action = "LOGIN"
	ActionLogout  Action = "LOGOUT"
)

const otherPrefix = "OTHER:"

var knownActions = []Action{
	ActionCreate, ActionRead, ActionUpdate, ActionDelete,
	ActionApprove, ActionLogin, ActionLogout,
}

// OtherAction returns an open-ended action carrying the given label.
func OtherAction(label string) Action {
	return Action(otherPrefix + label)
}

// ParseAction maps user input to an Action. Known kinds are matched
// case-insensitively; anything else becomes an OTHER action.
func ParseAction(s string) Action {
	s = strings.TrimSpace(s)
	for _, a := range knownActions {
		if strings.EqualFold(s, string(a)) {
			return a
		}
	}
	if len(s) > len(otherPrefix) && strings.EqualFold(s[:len(otherPrefix)], otherPrefix) {
		return OtherAction(s[len(otherPrefix):])
	}
	return OtherAction(s)
}

// IsOther reports whether a is an open-ended action.
func (a Action) IsOther() bool {
	return strings.HasPrefix(string(a), otherPrefix)
}

// Label returns the label of an OTHER action, or the kind itself.
func (a Action) Label() string {
	return strings.TrimPrefix(string(a), otherPrefix)
}

// Record is one line of the audit trail. Once sealed by an append it is
// never modified; the only way a record disappears is deletion of the
// whole file that holds it.
//
// Optional fields are empty when absent and are omitted from the line.
type Record struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	ActorID      string    `json:"actor_id"`
	Action       Action    `json:"action"`
	EntityType   string    `json:"entity_type"`
	EntityID     string    `json:"entity_id"`
	OldValue     string    `json:"old_value,omitempty"`
	NewValue     string    `json:"new_value,omitempty"`
	Details      string    `json:"details,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	IPAddress    string    `json:"ip_address,omitempty"`
	PreviousHash string    `json:"previous_hash,omitempty"`
	Checksum     string    `json:"checksum"`
}

// NewRecord starts a record with a fresh ID and the current UTC time.
// The chain fields are filled in when the record is appended.
func NewRecord(actorID string, action Action, entityType, entityID string) *Record {
	return &Record{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		ActorID:    actorID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
	}
}

func (r *Record) WithOldValue(v string) *Record {
	r.OldValue = v
	return r
}

func (r *Record) WithNewValue(v string) *Record {
	r.NewValue = v
	return r
}

func (r *Record) WithDetails(d string) *Record {
	r.Details = d
	return r
}

// WithSession attaches session context. Empty values leave the
// corresponding field untouched.
func (r *Record) WithSession(sessionID, ip string) *Record {
	if sessionID != "" {
		r.SessionID = sessionID
	}
	if ip != "" {
		r.IPAddress = ip
	}
	return r
}
