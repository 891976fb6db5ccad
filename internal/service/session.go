package service

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oxiqms/oxiqms/internal/audit"
)

// Session is the authenticated context records are attributed to.
type Session struct {
	ActorID   string
	SessionID string
	IPAddress string
	StartedAt time.Time
}

// Login starts a session for actorID and records a LOGIN event. An empty
// sessionID is generated. A previous session is replaced without a
// LOGOUT record.
func (s *AuditService) Login(actorID, sessionID, ip string) (*Session, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if actorID == "" {
		return nil, fmt.Errorf("login: actor id is required")
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	sess := &Session{
		ActorID:   actorID,
		SessionID: sessionID,
		IPAddress: ip,
		StartedAt: s.now().UTC(),
	}

	s.sessMu.Lock()
	s.session = sess
	s.sessMu.Unlock()

	rec := audit.NewRecord(actorID, audit.ActionLogin, "session", sessionID)
	if err := s.Append(rec); err != nil {
		return nil, fmt.Errorf("recording login: %w", err)
	}
	copied := *sess
	return &copied, nil
}

// Logout records a LOGOUT event for the active session and ends it.
// Returns ErrNoSession if nobody is logged in.
func (s *AuditService) Logout() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.sessMu.Lock()
	sess := s.session
	s.sessMu.Unlock()
	if sess == nil {
		return ErrNoSession
	}

	rec := audit.NewRecord(sess.ActorID, audit.ActionLogout, "session", sess.SessionID).
		WithDetails(fmt.Sprintf("session duration %s", s.now().Sub(sess.StartedAt).Round(time.Second)))
	if err := s.Append(rec); err != nil {
		return fmt.Errorf("recording logout: %w", err)
	}

	s.sessMu.Lock()
	if s.session == sess {
		s.session = nil
	}
	s.sessMu.Unlock()
	return nil
}

// CurrentSession returns a copy of the active session.
func (s *AuditService) CurrentSession() (Session, bool) {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	if s.session == nil {
		return Session{}, false
	}
	return *s.session, true
}

// enrich fills in actor and session context a record does not carry
// itself. Without a session the actor defaults to SYSTEM.
func (s *AuditService) enrich(rec *audit.Record) {
	s.sessMu.Lock()
	sess := s.session
	s.sessMu.Unlock()

	if sess == nil {
		if rec.ActorID == "" {
			rec.ActorID = audit.SystemActor
		}
		return
	}
	if rec.ActorID == "" {
		rec.ActorID = sess.ActorID
	}
	if rec.SessionID == "" {
		rec.SessionID = sess.SessionID
	}
	if rec.IPAddress == "" {
		rec.IPAddress = sess.IPAddress
	}
}
