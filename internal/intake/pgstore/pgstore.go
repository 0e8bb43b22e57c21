// Package pgstore provides a PostgreSQL implementation of intake.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/intake/internal/intake"
)

var tracer = otel.Tracer("github.com/linnemanlabs/intake/internal/intake/pgstore")

//go:embed schema.sql
var schema string

// Store persists intake data in PostgreSQL. State transitions are single
// conditional statements so concurrent callers never interleave partial writes.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pgstore."+name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

const patientColumns = `id, name, age, gender, contact`

// CreatePatient inserts p, failing with intake.ErrConflict when its identity exists.
func (s *Store) CreatePatient(ctx context.Context, p *intake.Patient) (*intake.Patient, error) {
	ctx, span := startSpan(ctx, "CreatePatient", "INSERT")
	defer span.End()

	row := s.pool.QueryRow(ctx,
		`INSERT INTO patients (name, age, gender, contact, identity_key)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (identity_key) DO NOTHING
		 RETURNING `+patientColumns,
		p.Name, p.Age, string(p.Gender), p.Contact, p.IdentityKey(),
	)
	out, err := scanPatient(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("patient %q: %w", p.Name, intake.ErrConflict)
	}
	if err != nil {
		return nil, fail(span, fmt.Errorf("insert patient: %w", err))
	}
	return out, nil
}

// FindOrCreatePatient upserts on the identity key. The no-op update makes
// RETURNING yield the existing row, which stays unchanged.
func (s *Store) FindOrCreatePatient(ctx context.Context, p *intake.Patient) (*intake.Patient, error) {
	ctx, span := startSpan(ctx, "FindOrCreatePatient", "UPSERT")
	defer span.End()

	row := s.pool.QueryRow(ctx,
		`INSERT INTO patients (name, age, gender, contact, identity_key)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (identity_key) DO UPDATE SET identity_key = EXCLUDED.identity_key
		 RETURNING `+patientColumns,
		p.Name, p.Age, string(p.Gender), p.Contact, p.IdentityKey(),
	)
	out, err := scanPatient(row)
	if err != nil {
		return nil, fail(span, fmt.Errorf("upsert patient: %w", err))
	}
	return out, nil
}

// GetPatient retrieves a patient by ID.
func (s *Store) GetPatient(ctx context.Context, id int64) (*intake.Patient, bool, error) {
	ctx, span := startSpan(ctx, "GetPatient", "SELECT")
	defer span.End()

	p, err := scanPatient(s.pool.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("get patient: %w", err))
	}
	return p, true, nil
}

// GetPatientHistory retrieves a patient with appointments, oldest first.
func (s *Store) GetPatientHistory(ctx context.Context, id int64) (*intake.PatientHistory, bool, error) {
	ctx, span := startSpan(ctx, "GetPatientHistory", "SELECT")
	defer span.End()

	p, err := scanPatient(s.pool.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("get patient: %w", err))
	}
	hist, err := s.loadHistory(ctx, []intake.Patient{*p})
	if err != nil {
		return nil, false, fail(span, err)
	}
	return &hist[0], true, nil
}

// ListPatients returns patients in registration order with their history.
func (s *Store) ListPatients(ctx context.Context, page intake.Page) ([]intake.PatientHistory, error) {
	ctx, span := startSpan(ctx, "ListPatients", "SELECT")
	defer span.End()

	var limit any // NULL means no limit
	if page.Limit > 0 {
		limit = page.Limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+patientColumns+` FROM patients ORDER BY id OFFSET $1 LIMIT $2`,
		max(page.Skip, 0), limit,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query patients: %w", err))
	}
	patients, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (intake.Patient, error) {
		p, err := scanPatient(r)
		if err != nil {
			return intake.Patient{}, err
		}
		return *p, nil
	})
	if err != nil {
		return nil, fail(span, fmt.Errorf("scan patients: %w", err))
	}
	out, err := s.loadHistory(ctx, patients)
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

// loadHistory fetches the appointments for patients in one query.
func (s *Store) loadHistory(ctx context.Context, patients []intake.Patient) ([]intake.PatientHistory, error) {
	out := make([]intake.PatientHistory, len(patients))
	if len(patients) == 0 {
		return out, nil
	}
	ids := make([]int64, len(patients))
	index := make(map[int64]int, len(patients))
	for i := range patients {
		ids[i] = patients[i].ID
		index[patients[i].ID] = i
		out[i] = intake.PatientHistory{Patient: patients[i], Appointments: []intake.Appointment{}}
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+appointmentColumns+` FROM appointments
		 WHERE patient_id = ANY($1) ORDER BY created_at, id`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("query appointments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		i := index[a.PatientID]
		out[i].Appointments = append(out[i].Appointments, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate appointments: %w", err)
	}
	return out, nil
}

const appointmentColumns = `id, patient_id, symptoms, triage_level, status, created_at, completed_at`

// joinedAppointment selects an appointment with its patient; a is appointments, p is patients.
const joinedAppointment = `SELECT a.id, a.patient_id, a.symptoms, a.triage_level, a.status, a.created_at, a.completed_at,
	p.id, p.name, p.age, p.gender, p.contact
	FROM appointments a JOIN patients p ON p.id = a.patient_id`

// CreateAppointment inserts a for an existing patient and returns it with the patient embedded.
func (s *Store) CreateAppointment(ctx context.Context, a *intake.Appointment) (*intake.Appointment, error) {
	ctx, span := startSpan(ctx, "CreateAppointment", "INSERT")
	defer span.End()

	row := s.pool.QueryRow(ctx,
		`WITH ins AS (
			INSERT INTO appointments (patient_id, symptoms, triage_level, status, created_at)
			SELECT id, $2, $3, $4, $5 FROM patients WHERE id = $1
			RETURNING `+appointmentColumns+`
		)
		SELECT a.id, a.patient_id, a.symptoms, a.triage_level, a.status, a.created_at, a.completed_at,
			p.id, p.name, p.age, p.gender, p.contact
		FROM ins a JOIN patients p ON p.id = a.patient_id`,
		a.PatientID, a.Symptoms, string(a.TriageLevel), string(a.Status), a.CreatedAt,
	)
	out, err := scanJoinedAppointment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("patient %d: %w", a.PatientID, intake.ErrNotFound)
	}
	if err != nil {
		return nil, fail(span, fmt.Errorf("insert appointment: %w", err))
	}
	return out, nil
}

// GetAppointment retrieves an appointment with its patient.
func (s *Store) GetAppointment(ctx context.Context, id int64) (*intake.Appointment, bool, error) {
	ctx, span := startSpan(ctx, "GetAppointment", "SELECT")
	defer span.End()

	a, err := scanJoinedAppointment(s.pool.QueryRow(ctx, joinedAppointment+` WHERE a.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("get appointment: %w", err))
	}
	return a, true, nil
}

// ListActiveAppointments returns every Queued appointment with its patient.
func (s *Store) ListActiveAppointments(ctx context.Context) ([]intake.Appointment, error) {
	ctx, span := startSpan(ctx, "ListActiveAppointments", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, joinedAppointment+` WHERE a.status = 'Queued'`)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query active appointments: %w", err))
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (intake.Appointment, error) {
		a, err := scanJoinedAppointment(r)
		if err != nil {
			return intake.Appointment{}, err
		}
		return *a, nil
	})
	if err != nil {
		return nil, fail(span, fmt.Errorf("scan active appointments: %w", err))
	}
	return out, nil
}

// CompleteAppointment marks a Queued appointment Completed. The status
// predicate makes concurrent discharges of one id succeed exactly once.
func (s *Store) CompleteAppointment(ctx context.Context, id int64, at time.Time) (*intake.Appointment, error) {
	ctx, span := startSpan(ctx, "CompleteAppointment", "UPDATE")
	defer span.End()

	row := s.pool.QueryRow(ctx,
		`WITH upd AS (
			UPDATE appointments SET status = 'Completed', completed_at = $2
			WHERE id = $1 AND status = 'Queued'
			RETURNING `+appointmentColumns+`
		)
		SELECT a.id, a.patient_id, a.symptoms, a.triage_level, a.status, a.created_at, a.completed_at,
			p.id, p.name, p.age, p.gender, p.contact
		FROM upd a JOIN patients p ON p.id = a.patient_id`,
		id, at,
	)
	out, err := scanJoinedAppointment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("queued appointment %d: %w", id, intake.ErrNotFound)
	}
	if err != nil {
		return nil, fail(span, fmt.Errorf("complete appointment: %w", err))
	}
	return out, nil
}

const notificationColumns = `id, patient_id, appointment_id, contact_number, message,
	notification_type, status, error, delivery_ref, created_at, sent_at`

// CreateNotification inserts n and returns it with its ID.
func (s *Store) CreateNotification(ctx context.Context, n *intake.Notification) (*intake.Notification, error) {
	ctx, span := startSpan(ctx, "CreateNotification", "INSERT")
	defer span.End()

	row := s.pool.QueryRow(ctx,
		`INSERT INTO notifications (patient_id, appointment_id, contact_number, message,
			notification_type, status, error, delivery_ref, created_at, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING `+notificationColumns,
		n.PatientID, n.AppointmentID, n.ContactNumber, n.Message,
		string(n.Type), string(n.Status), n.Error, n.DeliveryRef, n.CreatedAt, n.SentAt,
	)
	out, err := scanNotification(row)
	if err != nil {
		return nil, fail(span, fmt.Errorf("insert notification: %w", err))
	}
	return out, nil
}

// FinalizeNotification moves a Pending notification to Sent or Failed.
func (s *Store) FinalizeNotification(ctx context.Context, id int64, status intake.NotificationStatus, sentAt *time.Time, reason string) (*intake.Notification, error) {
	if !status.Final() {
		return nil, fmt.Errorf("finalize to %q: %w", status, intake.ErrValidation)
	}
	ctx, span := startSpan(ctx, "FinalizeNotification", "UPDATE")
	defer span.End()

	row := s.pool.QueryRow(ctx,
		`UPDATE notifications SET status = $2, sent_at = $3, error = $4
		 WHERE id = $1 AND status = 'Pending'
		 RETURNING `+notificationColumns,
		id, string(status), sentAt, reason,
	)
	out, err := scanNotification(row)
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fail(span, fmt.Errorf("finalize notification: %w", err))
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM notifications WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fail(span, fmt.Errorf("check notification: %w", err))
	}
	if !exists {
		return nil, fmt.Errorf("notification %d: %w", id, intake.ErrNotFound)
	}
	return nil, fmt.Errorf("notification %d: %w", id, intake.ErrAlreadyFinal)
}

// GetNotification retrieves a notification by ID.
func (s *Store) GetNotification(ctx context.Context, id int64) (*intake.Notification, bool, error) {
	ctx, span := startSpan(ctx, "GetNotification", "SELECT")
	defer span.End()

	n, err := scanNotification(s.pool.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("get notification: %w", err))
	}
	return n, true, nil
}

// ListNotifications returns matches newest first.
func (s *Store) ListNotifications(ctx context.Context, f intake.NotificationFilter) ([]intake.Notification, error) {
	ctx, span := startSpan(ctx, "ListNotifications", "SELECT")
	defer span.End()

	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.Replace(cond, "?", "$"+strconv.Itoa(len(args)), 1))
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if f.Type != "" {
		add("notification_type = ?", string(f.Type))
	}
	if f.PatientID != 0 {
		add("patient_id = ?", f.PatientID)
	}
	if f.AppointmentID != 0 {
		add("appointment_id = ?", f.AppointmentID)
	}

	query := `SELECT ` + notificationColumns + ` FROM notifications`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Skip > 0 {
		args = append(args, f.Skip)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	out, err := s.queryNotifications(ctx, query, args...)
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

// ListPendingNotifications returns Pending notifications created before olderThan, oldest first.
func (s *Store) ListPendingNotifications(ctx context.Context, olderThan time.Time, limit int) ([]intake.Notification, error) {
	ctx, span := startSpan(ctx, "ListPendingNotifications", "SELECT")
	defer span.End()

	out, err := s.queryNotifications(ctx,
		`SELECT `+notificationColumns+` FROM notifications
		 WHERE status = 'Pending' AND created_at < $1
		 ORDER BY created_at, id LIMIT $2`,
		olderThan, limit,
	)
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

func (s *Store) queryNotifications(ctx context.Context, query string, args ...any) ([]intake.Notification, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (intake.Notification, error) {
		n, err := scanNotification(r)
		if err != nil {
			return intake.Notification{}, err
		}
		return *n, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan notifications: %w", err)
	}
	return out, nil
}

func scanPatient(row pgx.Row) (*intake.Patient, error) {
	var (
		p      intake.Patient
		gender string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Age, &gender, &p.Contact); err != nil {
		return nil, err
	}
	p.Gender = intake.Gender(gender)
	return &p, nil
}

func scanAppointment(row pgx.Row) (*intake.Appointment, error) {
	var (
		a             intake.Appointment
		level, status string
	)
	if err := row.Scan(&a.ID, &a.PatientID, &a.Symptoms, &level, &status, &a.CreatedAt, &a.CompletedAt); err != nil {
		return nil, err
	}
	a.TriageLevel = intake.TriageLevel(level)
	a.Status = intake.AppointmentStatus(status)
	return &a, nil
}

func scanJoinedAppointment(row pgx.Row) (*intake.Appointment, error) {
	var (
		a                     intake.Appointment
		p                     intake.Patient
		level, status, gender string
	)
	err := row.Scan(
		&a.ID, &a.PatientID, &a.Symptoms, &level, &status, &a.CreatedAt, &a.CompletedAt,
		&p.ID, &p.Name, &p.Age, &gender, &p.Contact,
	)
	if err != nil {
		return nil, err
	}
	a.TriageLevel = intake.TriageLevel(level)
	a.Status = intake.AppointmentStatus(status)
	p.Gender = intake.Gender(gender)
	a.Patient = &p
	return &a, nil
}

func scanNotification(row pgx.Row) (*intake.Notification, error) {
	var (
		n           intake.Notification
		typ, status string
	)
	err := row.Scan(
		&n.ID, &n.PatientID, &n.AppointmentID, &n.ContactNumber, &n.Message,
		&typ, &status, &n.Error, &n.DeliveryRef, &n.CreatedAt, &n.SentAt,
	)
	if err != nil {
		return nil, err
	}
	n.Type = intake.NotificationType(typ)
	n.Status = intake.NotificationStatus(status)
	return &n, nil
}
