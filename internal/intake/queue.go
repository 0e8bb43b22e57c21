package intake

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

// MaxAge bounds the accepted patient age.
const MaxAge = 150

// QueueHooks are optional callbacks for instrumentation.
type QueueHooks struct {
	OnAdmit     func(level TriageLevel)
	OnDischarge func(err error)
}

// PatientInput is the patient part of an admission as entered at the desk.
type PatientInput struct {
	Name    string `json:"name"`
	Age     *int   `json:"age"`
	Gender  string `json:"gender"`
	Contact string `json:"contact"`
}

// Admission is a walk-in request to be queued.
type Admission struct {
	Patient  PatientInput `json:"patient"`
	Symptoms string       `json:"symptoms"`
}

// Confirmer sends an admission confirmation without holding up the caller.
type Confirmer interface {
	ConfirmAsync(ctx context.Context, appointmentID int64)
}

// Queue owns admission, ranking and discharge. It holds no state of its own;
// every read is derived from the Store.
type Queue struct {
	store      Store
	classifier *Classifier
	logger     log.Logger
	hooks      QueueHooks
	confirmer  Confirmer
	now        func() time.Time
}

// NewQueue creates a queue over store using classifier for tiering.
func NewQueue(store Store, classifier *Classifier, logger log.Logger, hooks QueueHooks) *Queue {
	if store == nil {
		panic(xerrors.New("intake store is required"))
	}
	if classifier == nil {
		panic(xerrors.New("classifier is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Queue{
		store:      store,
		classifier: classifier,
		logger:     logger,
		hooks:      hooks,
		now:        time.Now,
	}
}

// ConfirmWith makes every successful Admit hand the new appointment to c.
func (q *Queue) ConfirmWith(c Confirmer) {
	q.confirmer = c
}

// Classify tiers symptoms without admitting anyone.
func (q *Queue) Classify(symptoms string) (TriageLevel, error) {
	if strings.TrimSpace(symptoms) == "" {
		return "", &ValidationError{Field: "symptoms", Reason: "must not be empty"}
	}
	return q.classifier.Classify(symptoms), nil
}

// Rank returns every queued appointment, most urgent first and then by arrival.
func (q *Queue) Rank(ctx context.Context) ([]Appointment, error) {
	active, err := q.store.ListActiveAppointments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active appointments: %w", err)
	}
	slices.SortFunc(active, compareQueued)
	return active, nil
}

// RankPage is Rank restricted to a skip/limit window. A zero limit means
// DefaultListLimit.
func (q *Queue) RankPage(ctx context.Context, page Page) ([]Appointment, error) {
	page, err := clampPage(page, DefaultListLimit)
	if err != nil {
		return nil, err
	}
	ranked, err := q.Rank(ctx)
	if err != nil {
		return nil, err
	}
	return paginate(ranked, page), nil
}

func compareQueued(a, b Appointment) int {
	if c := cmp.Compare(b.TriageLevel.Priority(), a.TriageLevel.Priority()); c != 0 {
		return c
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Admit validates the request, reuses or registers the patient, tiers the
// symptoms and queues a new appointment.
func (q *Queue) Admit(ctx context.Context, in Admission) (*Appointment, error) {
	p, err := newPatient(in.Patient)
	if err != nil {
		return nil, err
	}
	symptoms := strings.TrimSpace(in.Symptoms)
	if symptoms == "" {
		return nil, &ValidationError{Field: "symptoms", Reason: "must not be empty"}
	}

	patient, err := q.store.FindOrCreatePatient(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("find or create patient: %w", err)
	}

	level := q.classifier.Classify(symptoms)
	appt, err := q.store.CreateAppointment(ctx, &Appointment{
		PatientID:   patient.ID,
		Symptoms:    symptoms,
		TriageLevel: level,
		Status:      StatusQueued,
		CreatedAt:   q.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("create appointment: %w", err)
	}
	if appt.Patient == nil {
		appt.Patient = patient
	}

	q.logger.Info(ctx, "patient admitted",
		"appointment_id", appt.ID,
		"patient_id", patient.ID,
		"triage_level", level,
	)
	if q.hooks.OnAdmit != nil {
		q.hooks.OnAdmit(level)
	}
	if q.confirmer != nil {
		q.confirmer.ConfirmAsync(ctx, appt.ID)
	}
	return appt, nil
}

// Discharge completes a queued appointment. A second discharge of the same id
// fails with ErrNotFound.
func (q *Queue) Discharge(ctx context.Context, id int64) error {
	_, err := q.store.CompleteAppointment(ctx, id, q.now().UTC())
	if q.hooks.OnDischarge != nil {
		q.hooks.OnDischarge(err)
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("appointment %d: %w", id, err)
		}
		return fmt.Errorf("complete appointment %d: %w", id, err)
	}
	q.logger.Info(ctx, "patient discharged", "appointment_id", id)
	return nil
}

// RegisterPatient creates a patient without an appointment.
func (q *Queue) RegisterPatient(ctx context.Context, in PatientInput) (*Patient, error) {
	p, err := newPatient(in)
	if err != nil {
		return nil, err
	}
	created, err := q.store.CreatePatient(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("create patient: %w", err)
	}
	return created, nil
}

// Patients lists patients with their appointment history. A zero limit means
// DefaultListLimit.
func (q *Queue) Patients(ctx context.Context, page Page) ([]PatientHistory, error) {
	page, err := clampPage(page, DefaultListLimit)
	if err != nil {
		return nil, err
	}
	return q.store.ListPatients(ctx, page)
}

// Patient returns one patient with history.
func (q *Queue) Patient(ctx context.Context, id int64) (*PatientHistory, error) {
	h, ok, err := q.store.GetPatientHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("patient %d: %w", id, ErrNotFound)
	}
	return h, nil
}

func newPatient(in PatientInput) (*Patient, error) {
	name := strings.Join(strings.Fields(in.Name), " ")
	if name == "" {
		return nil, &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if in.Age == nil {
		return nil, &ValidationError{Field: "age", Reason: "is required"}
	}
	if *in.Age < 0 || *in.Age > MaxAge {
		return nil, &ValidationError{Field: "age", Reason: fmt.Sprintf("must be 0..%d", MaxAge)}
	}
	gender, err := ParseGender(in.Gender)
	if err != nil {
		return nil, err
	}
	contact := strings.TrimSpace(in.Contact)
	if !UsableContact(contact) {
		contact = ContactNone
	}
	return &Patient{Name: name, Age: *in.Age, Gender: gender, Contact: contact}, nil
}
