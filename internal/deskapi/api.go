// Package deskapi exposes the intake queue and notifications over HTTP for the
// front-desk and staff dashboards. Clients poll; there is no push.
package deskapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/intake/internal/intake"
)

// QueueService defines the queue operations deskapi needs.
type QueueService interface {
	Admit(ctx context.Context, in intake.Admission) (*intake.Appointment, error)
	RankPage(ctx context.Context, page intake.Page) ([]intake.Appointment, error)
	Discharge(ctx context.Context, id int64) error
	Classify(symptoms string) (intake.TriageLevel, error)
	RegisterPatient(ctx context.Context, in intake.PatientInput) (*intake.Patient, error)
	Patients(ctx context.Context, page intake.Page) ([]intake.PatientHistory, error)
	Patient(ctx context.Context, id int64) (*intake.PatientHistory, error)
}

// NotificationService defines the notification operations deskapi needs.
type NotificationService interface {
	Send(ctx context.Context, req intake.SendRequest) (*intake.Notification, error)
	SendConfirmation(ctx context.Context, appointmentID int64) (*intake.Notification, error)
	SendStatusUpdate(ctx context.Context, appointmentID int64) (*intake.Notification, error)
	List(ctx context.Context, f intake.NotificationFilter) ([]intake.Notification, error)
	ForPatient(ctx context.Context, patientID int64, page intake.Page) ([]intake.Notification, error)
	ForAppointment(ctx context.Context, appointmentID int64, page intake.Page) ([]intake.Notification, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	queue  QueueService
	notify NotificationService
}

// New creates a new API handler.
func New(logger log.Logger, queue QueueService, notify NotificationService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if queue == nil {
		panic(xerrors.New("queue service is required"))
	}
	if notify == nil {
		panic(xerrors.New("notification service is required"))
	}
	return &API{
		logger: logger,
		queue:  queue,
		notify: notify,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Post("/triage", a.handleTriage)
	r.Post("/book", a.handleBook)
	r.Get("/appointments", a.handleListAppointments)
	r.Delete("/appointment/{id}", a.handleDischarge)

	r.Route("/patients", func(r chi.Router) {
		r.Get("/", a.handleListPatients)
		r.Post("/", a.handleRegisterPatient)
		r.Get("/{id}", a.handleGetPatient)
	})

	r.Route("/notifications", func(r chi.Router) {
		r.Get("/", a.handleListNotifications)
		r.Post("/send", a.handleSend)
		r.Post("/send-confirmation/{id}", a.handleSendConfirmation)
		r.Post("/send-update/{id}", a.handleSendUpdate)
		r.Get("/patient/{id}", a.handlePatientNotifications)
		r.Get("/appointment/{id}", a.handleAppointmentNotifications)
	})
}

// Handler returns a router with only the API routes, for tests and embedding.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	a.RegisterRoutes(r)
	return r
}
