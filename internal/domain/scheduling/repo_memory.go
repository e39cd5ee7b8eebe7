package scheduling

import (
	"context"
	"sync"

	"github.com/hms/hms/internal/platform/db"
)

type memoryStore struct {
	mu    sync.RWMutex
	appts map[string]*Appointment
}

// NewMemoryStore returns a process-local AppointmentStore. Records are copied
// on the way in and out, so the map is only ever touched under the lock.
func NewMemoryStore() AppointmentStore {
	return &memoryStore{appts: make(map[string]*Appointment)}
}

func (s *memoryStore) Insert(_ context.Context, a *Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.appts[a.ID]; ok {
		return ErrDuplicateID
	}
	s.appts[a.ID] = a.Clone()
	return nil
}

// lookup must be called with s.mu held.
func (s *memoryStore) lookup(id string, tenant db.TenantID) (*Appointment, bool) {
	a, ok := s.appts[id]
	if !ok || a.Tenant != tenant {
		return nil, false
	}
	return a, true
}

func (s *memoryStore) Get(_ context.Context, id string, tenant db.TenantID) (*Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.lookup(id, tenant)
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (s *memoryStore) Update(_ context.Context, id string, tenant db.TenantID, mutate func(*Appointment) error) (*Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.lookup(id, tenant)
	if !ok {
		return nil, ErrNotFound
	}
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	// id and tenant are fixed for the record's lifetime
	next.ID = cur.ID
	next.Tenant = cur.Tenant
	next.CreatedAt = cur.CreatedAt

	s.appts[id] = next
	return next.Clone(), nil
}

func (s *memoryStore) Delete(_ context.Context, id string, tenant db.TenantID) (*Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.lookup(id, tenant)
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.appts, id)
	return a, nil
}

func (s *memoryStore) Query(_ context.Context, tenant db.TenantID, f Filter) ([]*Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Appointment
	for _, a := range s.appts {
		if a.Tenant != tenant || !f.Matches(a) {
			continue
		}
		result = append(result, a.Clone())
	}
	return result, nil
}
