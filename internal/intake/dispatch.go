package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/linnemanlabs/intake/internal/intake")

const (
	// SegmentLen is the size of one SMS segment.
	SegmentLen = 160
	// MaxMessageLen caps a message at ten segments.
	MaxMessageLen = 10 * SegmentLen

	DefaultListLimit    = 100
	DefaultPatientLimit = 50
	MaxListLimit        = 500

	DefaultDeliveryTimeout = 10 * time.Second
)

// Outbound is what the transport receives for one notification.
type Outbound struct {
	Ref      string           `json:"ref"`
	To       string           `json:"to"`
	Message  string           `json:"message"`
	Type     NotificationType `json:"type"`
	Segments int              `json:"segments"`
}

// Delivery hands a message to the phone transport. It may block; the
// Dispatcher bounds each call with a deadline.
type Delivery interface {
	Deliver(ctx context.Context, msg *Outbound) error
}

// DeliveryFunc adapts a plain function to Delivery.
type DeliveryFunc func(ctx context.Context, msg *Outbound) error

// Deliver implements Delivery.
func (f DeliveryFunc) Deliver(ctx context.Context, msg *Outbound) error { return f(ctx, msg) }

// DispatchHooks are optional callbacks for instrumentation.
type DispatchHooks struct {
	OnFinalize func(n *Notification)
	OnDelivery func(duration float64, err error)
	OnSweep    func(n int)
}

// SendRequest asks for one message to a patient.
type SendRequest struct {
	PatientID     int64  `json:"patient_id"`
	AppointmentID *int64 `json:"appointment_id,omitempty"`
	Message       string `json:"message"`
	Type          string `json:"notification_type"`
}

// Dispatcher creates notifications and drives them from Pending to Sent or Failed.
type Dispatcher struct {
	store    Store
	delivery Delivery
	logger   log.Logger
	hooks    DispatchHooks
	timeout  time.Duration
	now      func() time.Time
	inflight sync.WaitGroup
}

// NewDispatcher creates a dispatcher. A zero timeout means DefaultDeliveryTimeout.
func NewDispatcher(store Store, delivery Delivery, logger log.Logger, hooks DispatchHooks, timeout time.Duration) *Dispatcher {
	if store == nil {
		panic(xerrors.New("intake store is required"))
	}
	if delivery == nil {
		panic(xerrors.New("delivery is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if timeout <= 0 {
		timeout = DefaultDeliveryTimeout
	}
	return &Dispatcher{
		store:    store,
		delivery: delivery,
		logger:   logger,
		hooks:    hooks,
		timeout:  timeout,
		now:      time.Now,
	}
}

// Send records a Pending notification, delivers it and records the outcome.
// When delivery fails the Failed notification is returned together with an
// error wrapping ErrDelivery. Validation and lookup failures create no record.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (*Notification, error) {
	n, err := d.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return d.deliver(ctx, n)
}

// SendBestEffort is Send for callers that must not fail on notification
// problems. Every failure is logged; the returned notification may be nil.
func (d *Dispatcher) SendBestEffort(ctx context.Context, req SendRequest) *Notification {
	n, err := d.Send(ctx, req)
	if err != nil {
		d.logger.Warn(ctx, "best-effort notification not sent",
			"patient_id", req.PatientID,
			"notification_type", req.Type,
			"error", err,
		)
	}
	return n
}

// SendConfirmation confirms an appointment to its patient. A delivery failure
// is reported only through the returned notification's status.
func (d *Dispatcher) SendConfirmation(ctx context.Context, appointmentID int64) (*Notification, error) {
	return d.sendForAppointment(ctx, appointmentID, TypeConfirmation, func(a *Appointment) string {
		return fmt.Sprintf("Your appointment has been confirmed. Triage Level: %s. Please arrive on time.", a.TriageLevel)
	})
}

// SendStatusUpdate tells the patient the appointment's current status, with
// the same failure semantics as SendConfirmation.
func (d *Dispatcher) SendStatusUpdate(ctx context.Context, appointmentID int64) (*Notification, error) {
	return d.sendForAppointment(ctx, appointmentID, TypeStatusUpdate, func(a *Appointment) string {
		return fmt.Sprintf("Status update: Your appointment status is %s.", a.Status)
	})
}

// ConfirmAsync sends a confirmation in the background. Wait blocks until
// every such send has finished.
func (d *Dispatcher) ConfirmAsync(ctx context.Context, appointmentID int64) {
	ctx = context.WithoutCancel(ctx)
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		if _, err := d.SendConfirmation(ctx, appointmentID); err != nil {
			d.logger.Warn(ctx, "admission confirmation not sent", "appointment_id", appointmentID, "error", err)
		}
	}()
}

// Wait blocks until background sends finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) sendForAppointment(ctx context.Context, appointmentID int64, typ NotificationType, text func(*Appointment) string) (*Notification, error) {
	a, ok, err := d.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("get appointment %d: %w", appointmentID, err)
	}
	if !ok {
		return nil, fmt.Errorf("appointment %d: %w", appointmentID, ErrNotFound)
	}
	n, err := d.Send(ctx, SendRequest{
		PatientID:     a.PatientID,
		AppointmentID: &a.ID,
		Message:       text(a),
		Type:          string(typ),
	})
	if errors.Is(err, ErrDelivery) {
		return n, nil
	}
	return n, err
}

func (d *Dispatcher) prepare(ctx context.Context, req SendRequest) (*Notification, error) {
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return nil, &ValidationError{Field: "message", Reason: "must not be empty"}
	}
	if utf8.RuneCountInString(msg) > MaxMessageLen {
		return nil, &ValidationError{Field: "message", Reason: fmt.Sprintf("longer than %d characters", MaxMessageLen)}
	}
	typ, err := ParseNotificationType(req.Type)
	if err != nil {
		return nil, err
	}

	p, ok, err := d.store.GetPatient(ctx, req.PatientID)
	if err != nil {
		return nil, fmt.Errorf("get patient %d: %w", req.PatientID, err)
	}
	if !ok {
		return nil, fmt.Errorf("patient %d: %w", req.PatientID, ErrNotFound)
	}

	if req.AppointmentID != nil {
		a, ok, err := d.store.GetAppointment(ctx, *req.AppointmentID)
		if err != nil {
			return nil, fmt.Errorf("get appointment %d: %w", *req.AppointmentID, err)
		}
		if !ok {
			return nil, fmt.Errorf("appointment %d: %w", *req.AppointmentID, ErrNotFound)
		}
		if a.PatientID != p.ID {
			return nil, &ValidationError{Field: "appointment_id", Reason: "belongs to a different patient"}
		}
	}

	if !UsableContact(p.Contact) {
		return nil, fmt.Errorf("patient %d: %w", p.ID, ErrInvalidContact)
	}

	n, err := d.store.CreateNotification(ctx, &Notification{
		PatientID:     p.ID,
		AppointmentID: req.AppointmentID,
		ContactNumber: strings.TrimSpace(p.Contact),
		Message:       msg,
		Type:          typ,
		Status:        NotificationPending,
		DeliveryRef:   ulid.Make().String(),
		CreatedAt:     d.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}
	return n, nil
}

// deliver runs the transport detached from the caller's cancellation so an
// aborted request cannot strand the record in Pending.
func (d *Dispatcher) deliver(ctx context.Context, n *Notification) (*Notification, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "intake.deliver", trace.WithAttributes(
		attribute.Int64("intake.notification.id", n.ID),
		attribute.String("intake.notification.type", string(n.Type)),
		attribute.String("intake.notification.ref", n.DeliveryRef),
	))
	defer span.End()

	L := d.logger.With("notification_id", n.ID, "patient_id", n.PatientID, "delivery_ref", n.DeliveryRef)

	out := &Outbound{
		Ref:      n.DeliveryRef,
		To:       n.ContactNumber,
		Message:  n.Message,
		Type:     n.Type,
		Segments: Segments(n.Message),
	}

	start := time.Now()
	derr := d.call(ctx, out)
	if d.hooks.OnDelivery != nil {
		d.hooks.OnDelivery(time.Since(start).Seconds(), derr)
	}

	status := NotificationSent
	var sentAt *time.Time
	var reason string
	if derr != nil {
		status = NotificationFailed
		reason = derr.Error()
		span.RecordError(derr)
		span.SetStatus(codes.Error, reason)
	} else {
		t := d.now().UTC()
		sentAt = &t
	}

	final, err := d.store.FinalizeNotification(ctx, n.ID, status, sentAt, reason)
	if errors.Is(err, ErrAlreadyFinal) {
		// the sweeper got there first; report what is stored
		cur, ok, gerr := d.store.GetNotification(ctx, n.ID)
		if gerr != nil || !ok {
			return n, fmt.Errorf("reload notification %d: %w", n.ID, errors.Join(err, gerr))
		}
		final, err = cur, nil
	}
	if err != nil {
		L.Error(ctx, err, "failed to record delivery outcome", "status", status)
		return n, fmt.Errorf("finalize notification %d: %w", n.ID, err)
	}

	span.SetAttributes(attribute.String("intake.notification.status", string(final.Status)))
	if d.hooks.OnFinalize != nil {
		d.hooks.OnFinalize(final)
	}

	if final.Status == NotificationFailed {
		L.Warn(ctx, "notification delivery failed", "error", final.Error)
		return final, fmt.Errorf("notification %d: %w: %s", final.ID, ErrDelivery, final.Error)
	}
	L.Info(ctx, "notification sent", "notification_type", final.Type)
	return final, nil
}

// call bounds the transport with the delivery timeout even when the
// transport ignores its context.
func (d *Dispatcher) call(ctx context.Context, out *Outbound) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- d.delivery.Deliver(ctx, out)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("delivery timed out after %s", d.timeout)
	}
}

// Segments is the number of SMS segments msg occupies.
func Segments(msg string) int {
	n := utf8.RuneCountInString(msg)
	if n == 0 {
		return 0
	}
	return (n + SegmentLen - 1) / SegmentLen
}

// List returns notifications matching f, newest first.
func (d *Dispatcher) List(ctx context.Context, f NotificationFilter) ([]Notification, error) {
	page, err := clampPage(Page{Skip: f.Skip, Limit: f.Limit}, DefaultListLimit)
	if err != nil {
		return nil, err
	}
	f.Skip, f.Limit = page.Skip, page.Limit
	if f.Status != "" && !f.Status.Valid() {
		return nil, &ValidationError{Field: "status", Reason: "unknown status " + string(f.Status)}
	}
	return d.store.ListNotifications(ctx, f)
}

// ForPatient lists a patient's notifications, newest first.
func (d *Dispatcher) ForPatient(ctx context.Context, patientID int64, page Page) ([]Notification, error) {
	if _, ok, err := d.store.GetPatient(ctx, patientID); err != nil {
		return nil, fmt.Errorf("get patient %d: %w", patientID, err)
	} else if !ok {
		return nil, fmt.Errorf("patient %d: %w", patientID, ErrNotFound)
	}
	page, err := clampPage(page, DefaultPatientLimit)
	if err != nil {
		return nil, err
	}
	return d.store.ListNotifications(ctx, NotificationFilter{PatientID: patientID, Skip: page.Skip, Limit: page.Limit})
}

// ForAppointment lists the notifications sent about one appointment, newest first.
func (d *Dispatcher) ForAppointment(ctx context.Context, appointmentID int64, page Page) ([]Notification, error) {
	if _, ok, err := d.store.GetAppointment(ctx, appointmentID); err != nil {
		return nil, fmt.Errorf("get appointment %d: %w", appointmentID, err)
	} else if !ok {
		return nil, fmt.Errorf("appointment %d: %w", appointmentID, ErrNotFound)
	}
	page, err := clampPage(page, DefaultListLimit)
	if err != nil {
		return nil, err
	}
	return d.store.ListNotifications(ctx, NotificationFilter{AppointmentID: appointmentID, Skip: page.Skip, Limit: page.Limit})
}

// clampPage fills in def when no limit was asked for and caps it at MaxListLimit.
func clampPage(p Page, def int) (Page, error) {
	if p.Skip < 0 {
		return Page{}, &ValidationError{Field: "skip", Reason: "must not be negative"}
	}
	switch {
	case p.Limit < 0:
		return Page{}, &ValidationError{Field: "limit", Reason: "must not be negative"}
	case p.Limit == 0:
		p.Limit = def
	case p.Limit > MaxListLimit:
		p.Limit = MaxListLimit
	}
	return p, nil
}

const sweepBatch = 100

// Sweep fails notifications that have been Pending for longer than age. It
// recovers records stranded by a crash during delivery.
func (d *Dispatcher) Sweep(ctx context.Context, age time.Duration) (int, error) {
	cutoff := d.now().UTC().Add(-age)
	total := 0
	for {
		stale, err := d.store.ListPendingNotifications(ctx, cutoff, sweepBatch)
		if err != nil {
			return total, fmt.Errorf("list pending notifications: %w", err)
		}
		swept := 0
		for i := range stale {
			n, err := d.store.FinalizeNotification(ctx, stale[i].ID, NotificationFailed, nil, "delivery timed out")
			if errors.Is(err, ErrAlreadyFinal) {
				continue
			}
			if err != nil {
				return total, fmt.Errorf("finalize notification %d: %w", stale[i].ID, err)
			}
			swept++
			if d.hooks.OnFinalize != nil {
				d.hooks.OnFinalize(n)
			}
		}
		total += swept
		if len(stale) < sweepBatch || swept == 0 {
			break
		}
	}
	if total > 0 {
		d.logger.Warn(ctx, "failed stale pending notifications", "count", total, "older_than", age.String())
	}
	if d.hooks.OnSweep != nil {
		d.hooks.OnSweep(total)
	}
	return total, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (d *Dispatcher) RunSweeper(ctx context.Context, interval, age time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := d.Sweep(ctx, age); err != nil {
				d.logger.Error(ctx, err, "notification sweep failed")
			}
		}
	}
}
