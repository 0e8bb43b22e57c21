// Package memstore provides an in-memory implementation of intake.Store.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/linnemanlabs/intake/internal/intake"
)

// Store holds intake data in memory. Suitable for dev/testing and single-node
// deployments that can lose state on restart.
type Store struct {
	mu sync.RWMutex

	patients     map[int64]*intake.Patient
	patientOrder []int64
	identities   map[string]int64 // identity key -> patient ID

	appointments map[int64]*intake.Appointment
	byPatient    map[int64][]int64 // patient ID -> appointment IDs in creation order

	notifications map[int64]*intake.Notification

	lastPatient, lastAppointment, lastNotification int64
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		patients:      make(map[int64]*intake.Patient),
		identities:    make(map[string]int64),
		appointments:  make(map[int64]*intake.Appointment),
		byPatient:     make(map[int64][]int64),
		notifications: make(map[int64]*intake.Notification),
	}
}

// CreatePatient stores a copy of p under a new ID.
func (s *Store) CreatePatient(_ context.Context, p *intake.Patient) (*intake.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := p.IdentityKey()
	if _, ok := s.identities[key]; ok {
		return nil, fmt.Errorf("patient %q: %w", p.Name, intake.ErrConflict)
	}
	return s.insertPatient(key, p), nil
}

// FindOrCreatePatient returns the stored patient sharing p's identity or stores p.
func (s *Store) FindOrCreatePatient(_ context.Context, p *intake.Patient) (*intake.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := p.IdentityKey()
	if id, ok := s.identities[key]; ok {
		cp := *s.patients[id]
		return &cp, nil
	}
	return s.insertPatient(key, p), nil
}

// insertPatient requires s.mu held for writing.
func (s *Store) insertPatient(key string, p *intake.Patient) *intake.Patient {
	s.lastPatient++
	cp := *p
	cp.ID = s.lastPatient
	s.patients[cp.ID] = &cp
	s.patientOrder = append(s.patientOrder, cp.ID)
	s.identities[key] = cp.ID
	out := cp
	return &out
}

// GetPatient retrieves a patient by ID. Returns a copy.
func (s *Store) GetPatient(_ context.Context, id int64) (*intake.Patient, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[id]
	if !ok {
		return nil, false, nil
	}
	cp := *p
	return &cp, true, nil
}

// GetPatientHistory retrieves a patient with appointments, oldest first.
func (s *Store) GetPatientHistory(_ context.Context, id int64) (*intake.PatientHistory, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.patients[id]; !ok {
		return nil, false, nil
	}
	h := s.history(id)
	return &h, true, nil
}

// ListPatients returns patients in registration order with their history.
func (s *Store) ListPatients(_ context.Context, page intake.Page) ([]intake.PatientHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.patientOrder
	if page.Skip > 0 {
		ids = ids[min(page.Skip, len(ids)):]
	}
	if page.Limit > 0 && page.Limit < len(ids) {
		ids = ids[:page.Limit]
	}
	out := make([]intake.PatientHistory, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.history(id))
	}
	return out, nil
}

// history requires s.mu held.
func (s *Store) history(id int64) intake.PatientHistory {
	h := intake.PatientHistory{Patient: *s.patients[id], Appointments: []intake.Appointment{}}
	for _, aid := range s.byPatient[id] {
		h.Appointments = append(h.Appointments, copyAppointment(s.appointments[aid]))
	}
	return h
}

// CreateAppointment stores a copy of a under a new ID with its patient embedded.
func (s *Store) CreateAppointment(_ context.Context, a *intake.Appointment) (*intake.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.patients[a.PatientID]; !ok {
		return nil, fmt.Errorf("patient %d: %w", a.PatientID, intake.ErrNotFound)
	}
	s.lastAppointment++
	cp := copyAppointment(a)
	cp.ID = s.lastAppointment
	cp.Patient = nil
	s.appointments[cp.ID] = &cp
	s.byPatient[a.PatientID] = append(s.byPatient[a.PatientID], cp.ID)
	out := s.withPatient(&cp)
	return &out, nil
}

// GetAppointment retrieves an appointment with its patient. Returns a copy.
func (s *Store) GetAppointment(_ context.Context, id int64) (*intake.Appointment, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.appointments[id]
	if !ok {
		return nil, false, nil
	}
	out := s.withPatient(a)
	return &out, true, nil
}

// ListActiveAppointments returns every Queued appointment with its patient.
func (s *Store) ListActiveAppointments(_ context.Context) ([]intake.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]intake.Appointment, 0, len(s.appointments))
	for _, a := range s.appointments {
		if a.Status == intake.StatusQueued {
			out = append(out, s.withPatient(a))
		}
	}
	return out, nil
}

// CompleteAppointment marks a Queued appointment Completed.
func (s *Store) CompleteAppointment(_ context.Context, id int64, at time.Time) (*intake.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appointments[id]
	if !ok || a.Status != intake.StatusQueued {
		return nil, fmt.Errorf("queued appointment %d: %w", id, intake.ErrNotFound)
	}
	a.Status = intake.StatusCompleted
	a.CompletedAt = &at
	out := s.withPatient(a)
	return &out, nil
}

// withPatient requires s.mu held.
func (s *Store) withPatient(a *intake.Appointment) intake.Appointment {
	out := copyAppointment(a)
	if p, ok := s.patients[a.PatientID]; ok {
		cp := *p
		out.Patient = &cp
	}
	return out
}

func copyAppointment(a *intake.Appointment) intake.Appointment {
	cp := *a
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Patient = nil
	return cp
}

// CreateNotification stores a copy of n under a new ID.
func (s *Store) CreateNotification(_ context.Context, n *intake.Notification) (*intake.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.patients[n.PatientID]; !ok {
		return nil, fmt.Errorf("patient %d: %w", n.PatientID, intake.ErrNotFound)
	}
	s.lastNotification++
	cp := copyNotification(n)
	cp.ID = s.lastNotification
	s.notifications[cp.ID] = &cp
	out := copyNotification(&cp)
	return &out, nil
}

// FinalizeNotification moves a Pending notification to a terminal status.
func (s *Store) FinalizeNotification(_ context.Context, id int64, status intake.NotificationStatus, sentAt *time.Time, reason string) (*intake.Notification, error) {
	if !status.Final() {
		return nil, fmt.Errorf("finalize to %q: %w", status, intake.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return nil, fmt.Errorf("notification %d: %w", id, intake.ErrNotFound)
	}
	if n.Status != intake.NotificationPending {
		return nil, fmt.Errorf("notification %d is %s: %w", id, n.Status, intake.ErrAlreadyFinal)
	}
	n.Status = status
	n.Error = reason
	if sentAt != nil {
		t := *sentAt
		n.SentAt = &t
	}
	out := copyNotification(n)
	return &out, nil
}

// GetNotification retrieves a notification by ID. Returns a copy.
func (s *Store) GetNotification(_ context.Context, id int64) (*intake.Notification, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notifications[id]
	if !ok {
		return nil, false, nil
	}
	out := copyNotification(n)
	return &out, true, nil
}

// ListNotifications returns matches newest first.
func (s *Store) ListNotifications(_ context.Context, f intake.NotificationFilter) ([]intake.Notification, error) {
	s.mu.RLock()
	out := make([]intake.Notification, 0)
	for _, n := range s.notifications {
		if f.Match(n) {
			out = append(out, copyNotification(n))
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b intake.Notification) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if f.Skip > 0 {
		out = out[min(f.Skip, len(out)):]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ListPendingNotifications returns Pending notifications created before olderThan, oldest first.
func (s *Store) ListPendingNotifications(_ context.Context, olderThan time.Time, limit int) ([]intake.Notification, error) {
	s.mu.RLock()
	out := make([]intake.Notification, 0)
	for _, n := range s.notifications {
		if n.Status == intake.NotificationPending && n.CreatedAt.Before(olderThan) {
			out = append(out, copyNotification(n))
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b intake.Notification) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyNotification(n *intake.Notification) intake.Notification {
	cp := *n
	if n.AppointmentID != nil {
		id := *n.AppointmentID
		cp.AppointmentID = &id
	}
	if n.SentAt != nil {
		t := *n.SentAt
		cp.SentAt = &t
	}
	return cp
}
