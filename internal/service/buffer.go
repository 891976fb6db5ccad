package service

import (
	"fmt"

	"github.com/oxiqms/oxiqms/internal/audit"
)

// Enqueue queues rec for a later Flush. Session context is attached now,
// so a record keeps the session it was created in even if the session
// ends before the flush.
func (s *AuditService) Enqueue(rec *audit.Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.enrich(rec)

	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	s.buffer = append(s.buffer, rec)
	s.metrics.bufferPending.Set(float64(len(s.buffer)))
	return nil
}

// Flush appends queued records in order and returns how many were
// appended. It stops at the first failure; that record and everything
// after it stay queued.
func (s *AuditService) Flush() (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return s.flush()
}

func (s *AuditService) flush() (int, error) {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()

	n := 0
	var err error
	for _, rec := range s.buffer {
		if err = s.append(rec); err != nil {
			err = fmt.Errorf("flushing record %d of %d: %w", n+1, len(s.buffer), err)
			break
		}
		n++
	}
	s.buffer = s.buffer[n:]
	if len(s.buffer) == 0 {
		s.buffer = nil
	}
	s.metrics.flushedTotal.Add(float64(n))
	s.metrics.bufferPending.Set(float64(len(s.buffer)))
	return n, err
}

// Pending returns the number of queued records.
func (s *AuditService) Pending() int {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	return len(s.buffer)
}
