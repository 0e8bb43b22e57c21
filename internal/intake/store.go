package intake

import (
	"context"
	"time"
)

// Store is the persistence interface for patients, appointments and
// notifications. Implementations must make every mutation atomic with respect
// to the others and must return copies the caller is free to modify.
type Store interface {
	// CreatePatient inserts p and fails with ErrConflict if its identity is taken.
	CreatePatient(ctx context.Context, p *Patient) (*Patient, error)
	// FindOrCreatePatient returns the patient sharing p's identity, inserting p if none does.
	FindOrCreatePatient(ctx context.Context, p *Patient) (*Patient, error)
	GetPatient(ctx context.Context, id int64) (*Patient, bool, error)
	GetPatientHistory(ctx context.Context, id int64) (*PatientHistory, bool, error)
	ListPatients(ctx context.Context, page Page) ([]PatientHistory, error)

	// CreateAppointment fails with ErrNotFound if a.PatientID is unknown.
	CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error)
	GetAppointment(ctx context.Context, id int64) (*Appointment, bool, error)
	// ListActiveAppointments returns every Queued appointment with its patient, in no particular order.
	ListActiveAppointments(ctx context.Context) ([]Appointment, error)
	// CompleteAppointment fails with ErrNotFound if id is unknown or already Completed.
	CompleteAppointment(ctx context.Context, id int64, at time.Time) (*Appointment, error)

	CreateNotification(ctx context.Context, n *Notification) (*Notification, error)
	// FinalizeNotification moves a Pending notification to Sent or Failed.
	// It fails with ErrAlreadyFinal if the notification already left Pending.
	FinalizeNotification(ctx context.Context, id int64, status NotificationStatus, sentAt *time.Time, reason string) (*Notification, error)
	GetNotification(ctx context.Context, id int64) (*Notification, bool, error)
	// ListNotifications returns matches newest first, at most f.Limit of them.
	ListNotifications(ctx context.Context, f NotificationFilter) ([]Notification, error)
	// ListPendingNotifications returns Pending notifications created before olderThan, oldest first.
	ListPendingNotifications(ctx context.Context, olderThan time.Time, limit int) ([]Notification, error)
}
