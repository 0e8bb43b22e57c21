package intake

import (
	"strconv"
	"strings"
	"time"
)

// TriageLevel is the urgency tier assigned to an appointment at admission.
type TriageLevel string

const (
	LevelEmergency TriageLevel = "Emergency"
	LevelUrgent    TriageLevel = "Urgent"
	LevelRoutine   TriageLevel = "Routine"
)

// Priority maps a tier to its rank weight. Higher is seen first.
func (l TriageLevel) Priority() int {
	switch l {
	case LevelEmergency:
		return 3
	case LevelUrgent:
		return 2
	case LevelRoutine:
		return 1
	default:
		return 0
	}
}

// Valid reports whether l is one of the known tiers.
func (l TriageLevel) Valid() bool { return l.Priority() > 0 }

// AppointmentStatus tracks where an appointment is in its lifecycle.
type AppointmentStatus string

const (
	// StatusQueued means waiting to be seen
	StatusQueued AppointmentStatus = "Queued"

	// StatusCompleted means discharged, terminal
	StatusCompleted AppointmentStatus = "Completed"
)

// NotificationStatus tracks delivery of a single notification.
type NotificationStatus string

const (
	// NotificationPending means created, delivery not yet resolved
	NotificationPending NotificationStatus = "Pending"

	// NotificationSent means the transport accepted the message
	NotificationSent NotificationStatus = "Sent"

	// NotificationFailed means delivery was attempted and did not succeed
	NotificationFailed NotificationStatus = "Failed"
)

// Final reports whether s is a terminal state.
func (s NotificationStatus) Final() bool {
	return s == NotificationSent || s == NotificationFailed
}

// Valid reports whether s is one of the known states.
func (s NotificationStatus) Valid() bool {
	return s == NotificationPending || s.Final()
}

// NotificationType classifies the purpose of a notification.
type NotificationType string

const (
	TypeConfirmation NotificationType = "Confirmation"
	TypeStatusUpdate NotificationType = "Status Update"
	TypeReminder     NotificationType = "Reminder"
	TypeReschedule   NotificationType = "Appointment Reschedule"
	TypeGeneral      NotificationType = "General Message"
)

var notificationTypes = []NotificationType{
	TypeConfirmation, TypeStatusUpdate, TypeReminder, TypeReschedule, TypeGeneral,
}

// ParseNotificationType resolves s against the closed set of types.
// An empty value means a status update.
func ParseNotificationType(s string) (NotificationType, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TypeStatusUpdate, nil
	}
	for _, t := range notificationTypes {
		if strings.EqualFold(s, string(t)) {
			return t, nil
		}
	}
	return "", &ValidationError{Field: "notification_type", Reason: "unknown type " + strconv.Quote(s)}
}

// Gender as recorded on the patient.
type Gender string

const (
	GenderMale   Gender = "Male"
	GenderFemale Gender = "Female"
	GenderOther  Gender = "Other"
)

// ParseGender resolves s case-insensitively. An empty value means Other.
func ParseGender(s string) (Gender, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return GenderOther, nil
	}
	for _, g := range []Gender{GenderMale, GenderFemale, GenderOther} {
		if strings.EqualFold(s, string(g)) {
			return g, nil
		}
	}
	return "", &ValidationError{Field: "gender", Reason: "unknown gender " + strconv.Quote(s)}
}

// ContactNone is stored when a patient gives no phone number.
const ContactNone = "N/A"

// UsableContact reports whether c can be handed to the SMS transport.
func UsableContact(c string) bool {
	c = strings.TrimSpace(c)
	return c != "" && !strings.EqualFold(c, ContactNone)
}

// Patient is created on first admission and never modified afterwards.
type Patient struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Age     int    `json:"age"`
	Gender  Gender `json:"gender"`
	Contact string `json:"contact"`
}

// IdentityKey is the reuse key for find-or-create. Patients with a usable
// contact are matched by name and number, the rest by name and age.
func (p *Patient) IdentityKey() string {
	name := strings.ToLower(strings.Join(strings.Fields(p.Name), " "))
	if UsableContact(p.Contact) {
		return "c:" + strings.TrimSpace(p.Contact) + "|" + name
	}
	return "a:" + strconv.Itoa(p.Age) + "|" + name
}

// PatientHistory is a patient with every appointment they have had, oldest first.
type PatientHistory struct {
	Patient
	Appointments []Appointment `json:"appointments"`
}

// Appointment is one visit. TriageLevel and CreatedAt never change after creation.
type Appointment struct {
	ID          int64             `json:"id"`
	PatientID   int64             `json:"patient_id"`
	Symptoms    string            `json:"symptoms"`
	TriageLevel TriageLevel       `json:"triage_level"`
	Status      AppointmentStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Patient     *Patient          `json:"patient,omitempty"`
}

// Notification is a message to a patient's phone and its delivery outcome.
type Notification struct {
	ID            int64              `json:"id"`
	PatientID     int64              `json:"patient_id"`
	AppointmentID *int64             `json:"appointment_id"`
	ContactNumber string             `json:"contact_number"`
	Message       string             `json:"message"`
	Type          NotificationType   `json:"notification_type"`
	Status        NotificationStatus `json:"status"`
	Error         string             `json:"error,omitempty"`
	DeliveryRef   string             `json:"delivery_ref"`
	CreatedAt     time.Time          `json:"created_at"`
	SentAt        *time.Time         `json:"sent_at"`
}

// Page is a skip/limit window over a listing.
type Page struct {
	Skip  int
	Limit int
}

func paginate[T any](items []T, p Page) []T {
	if p.Skip > 0 {
		if p.Skip >= len(items) {
			return []T{}
		}
		items = items[p.Skip:]
	}
	if p.Limit > 0 && p.Limit < len(items) {
		items = items[:p.Limit]
	}
	return items
}

// NotificationFilter narrows a notification listing. Zero fields match everything.
type NotificationFilter struct {
	Status        NotificationStatus
	Type          NotificationType
	PatientID     int64
	AppointmentID int64
	Skip          int
	Limit         int
}

// Match reports whether n passes every set field of f.
func (f NotificationFilter) Match(n *Notification) bool {
	if f.Status != "" && n.Status != f.Status {
		return false
	}
	if f.Type != "" && n.Type != f.Type {
		return false
	}
	if f.PatientID != 0 && n.PatientID != f.PatientID {
		return false
	}
	if f.AppointmentID != 0 && (n.AppointmentID == nil || *n.AppointmentID != f.AppointmentID) {
		return false
	}
	return true
}
