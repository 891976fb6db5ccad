package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/gowebpki/jcs"
	"github.com/oxiqms/oxiqms/internal/audit"
)

// SystemEntityType and SystemEntityID identify events that concern the
// audit trail itself.
const (
	SystemEntityType = "system"
	SystemEntityID   = "audit_trail"
)

// ESignature is the electronic signature attached to an approval. It is
// stored as canonical JSON in the record's new_value, so the signature is
// covered by the record checksum.
type ESignature struct {
	SignerID   string    `json:"signer_id" validate:"required"`
	SignerName string    `json:"signer_name,omitempty"`
	Meaning    string    `json:"meaning" validate:"required"` // e.g. "Approved", "Reviewed"
	Reason     string    `json:"reason,omitempty"`
	Method     string    `json:"method,omitempty"` // e.g. "password", "token"
	SignedAt   time.Time `json:"signed_at"`
}

var sigValidator = validator.New(validator.WithRequiredStructEnabled())

// LogAction records a generic action on an entity.
func (s *AuditService) LogAction(actorID string, action audit.Action, entityType, entityID, details string) (*audit.Record, error) {
	rec := audit.NewRecord(actorID, action, entityType, entityID).WithDetails(details)
	return s.log(rec)
}

// LogCreate records the creation of an entity with its initial state.
func (s *AuditService) LogCreate(actorID, entityType, entityID string, newValue any) (*audit.Record, error) {
	nv, err := snapshot(newValue)
	if err != nil {
		return nil, err
	}
	rec := audit.NewRecord(actorID, audit.ActionCreate, entityType, entityID).WithNewValue(nv)
	return s.log(rec)
}

// LogRead records that an entity was viewed.
func (s *AuditService) LogRead(actorID, entityType, entityID string) (*audit.Record, error) {
	rec := audit.NewRecord(actorID, audit.ActionRead, entityType, entityID)
	return s.log(rec)
}

// LogUpdate records a change with before and after snapshots.
func (s *AuditService) LogUpdate(actorID, entityType, entityID string, oldValue, newValue any) (*audit.Record, error) {
	ov, err := snapshot(oldValue)
	if err != nil {
		return nil, err
	}
	nv, err := snapshot(newValue)
	if err != nil {
		return nil, err
	}
	rec := audit.NewRecord(actorID, audit.ActionUpdate, entityType, entityID).
		WithOldValue(ov).
		WithNewValue(nv)
	return s.log(rec)
}

// LogDelete records the deletion of an entity with its last state.
func (s *AuditService) LogDelete(actorID, entityType, entityID string, oldValue any) (*audit.Record, error) {
	ov, err := snapshot(oldValue)
	if err != nil {
		return nil, err
	}
	rec := audit.NewRecord(actorID, audit.ActionDelete, entityType, entityID).WithOldValue(ov)
	return s.log(rec)
}

// LogApproval records an APPROVE carrying an electronic signature. A zero
// SignedAt is set to the current time.
func (s *AuditService) LogApproval(actorID, entityType, entityID string, sig ESignature) (*audit.Record, error) {
	if err := sigValidator.Struct(sig); err != nil {
		return nil, fmt.Errorf("invalid electronic signature: %w", err)
	}
	if sig.SignedAt.IsZero() {
		sig.SignedAt = s.now().UTC()
	}
	nv, err := snapshot(sig)
	if err != nil {
		return nil, err
	}
	rec := audit.NewRecord(actorID, audit.ActionApprove, entityType, entityID).
		WithNewValue(nv).
		WithDetails(sig.Meaning)
	return s.log(rec)
}

// LogBulk records one summary record for an operation on many entities.
// The entity id is BULK(<n>) and the ids are stored as a JSON array in
// new_value.
func (s *AuditService) LogBulk(actorID string, action audit.Action, entityType string, entityIDs []string, summary string) (*audit.Record, error) {
	if len(entityIDs) == 0 {
		return nil, errors.New("bulk operation needs at least one entity id")
	}
	nv, err := snapshot(entityIDs)
	if err != nil {
		return nil, err
	}
	rec := audit.NewRecord(actorID, action, entityType, fmt.Sprintf("BULK(%d)", len(entityIDs))).
		WithNewValue(nv).
		WithDetails(summary)
	return s.log(rec)
}

// LogSystemEvent records an event no user caused.
func (s *AuditService) LogSystemEvent(action audit.Action, details string) (*audit.Record, error) {
	rec := audit.NewRecord(audit.SystemActor, action, SystemEntityType, SystemEntityID).WithDetails(details)
	return s.log(rec)
}

func (s *AuditService) log(rec *audit.Record) (*audit.Record, error) {
	if err := s.Append(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// systemEvent adapts LogSystemEvent to lifecycle.EventFunc.
func (s *AuditService) systemEvent(action audit.Action, details string) error {
	_, err := s.LogSystemEvent(action, details)
	return err
}

// snapshot serializes an entity state for old_value/new_value. Strings
// and byte slices are stored as given; anything else becomes canonical
// JSON (RFC 8785), so equal values always produce equal checksums.
func snapshot(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case json.RawMessage:
		return canonical(x)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshaling snapshot: %w", err)
	}
	return canonical(data)
}

func canonical(data []byte) (string, error) {
	out, err := jcs.Transform(data)
	if err != nil {
		return "", fmt.Errorf("canonicalizing snapshot: %w", err)
	}
	return string(out), nil
}
