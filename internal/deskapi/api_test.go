package deskapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/intake/internal/intake"
	"github.com/linnemanlabs/intake/internal/intake/memstore"
)

type testEnv struct {
	router chi.Router
	queue  *intake.Queue
	disp   *intake.Dispatcher
}

func newTestEnv(t *testing.T, deliver intake.DeliveryFunc) *testEnv {
	t.Helper()
	if deliver == nil {
		deliver = func(context.Context, *intake.Outbound) error { return nil }
	}
	st := memstore.New()
	q := intake.NewQueue(st, intake.NewClassifier(intake.DefaultRules()), nil, intake.QueueHooks{})
	d := intake.NewDispatcher(st, deliver, nil, intake.DispatchHooks{}, time.Second)
	r := chi.NewRouter()
	New(nil, q, d).RegisterRoutes(r)
	return &testEnv{router: r, queue: q, disp: d}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

const janeBooking = `{"patient":{"name":"Jane Doe","age":34,"gender":"Female","contact":"+15550100"},"symptoms":"persistent fever"}`
const johnBooking = `{"patient":{"name":"John Roe","age":50,"gender":"Male","contact":"+15550101"},"symptoms":"severe chest pain"}`

//  New / constructor

func TestNew_NilLogger(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	q := intake.NewQueue(st, intake.NewClassifier(intake.DefaultRules()), nil, intake.QueueHooks{})
	d := intake.NewDispatcher(st, intake.DeliveryFunc(func(context.Context, *intake.Outbound) error { return nil }), log.Nop(), intake.DispatchHooks{}, 0)
	api := New(nil, q, d)
	if api.logger == nil {
		t.Fatal("New left logger nil; expected Nop logger")
	}
}

func TestNew_NilServices_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New(nil, nil, nil) did not panic")
		}
	}()
	New(nil, nil, nil)
}

//  Queue endpoints

func TestTriage(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantLevel  intake.TriageLevel
	}{
		{"emergency", `{"symptoms":"severe chest pain"}`, http.StatusOK, intake.LevelEmergency},
		{"urgent", `{"symptoms":"persistent fever"}`, http.StatusOK, intake.LevelUrgent},
		{"routine", `{"symptoms":"annual checkup"}`, http.StatusOK, intake.LevelRoutine},
		{"blank", `{"symptoms":"  "}`, http.StatusUnprocessableEntity, ""},
		{"malformed", `{"symptoms":`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := e.do(t, http.MethodPost, "/triage", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body)
			}
			if tt.wantLevel != "" {
				got := decodeBody[triageResponse](t, rec)
				if got.TriageLevel != tt.wantLevel {
					t.Errorf("triage_level = %s, want %s", got.TriageLevel, tt.wantLevel)
				}
			}
		})
	}
}

func TestBookAndRank(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)

	rec := e.do(t, http.MethodPost, "/book", janeBooking)
	if rec.Code != http.StatusCreated {
		t.Fatalf("book Jane status = %d: %s", rec.Code, rec.Body)
	}
	jane := decodeBody[intake.Appointment](t, rec)
	if jane.TriageLevel != intake.LevelUrgent || jane.Status != intake.StatusQueued || jane.Patient == nil {
		t.Errorf("Jane = %+v", jane)
	}

	rec = e.do(t, http.MethodPost, "/book", johnBooking)
	john := decodeBody[intake.Appointment](t, rec)
	if john.TriageLevel != intake.LevelEmergency {
		t.Errorf("John level = %s", john.TriageLevel)
	}

	rec = e.do(t, http.MethodGet, "/appointments", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	list := decodeBody[[]intake.Appointment](t, rec)
	if len(list) != 2 || list[0].ID != john.ID || list[1].ID != jane.ID {
		t.Errorf("ranked = %+v, want John then Jane", list)
	}
	if list[0].Patient == nil || list[0].Patient.Name != "John Roe" {
		t.Errorf("ranked entry missing patient: %+v", list[0])
	}

	rec = e.do(t, http.MethodGet, "/appointments?skip=1&limit=1", "")
	page := decodeBody[[]intake.Appointment](t, rec)
	if len(page) != 1 || page[0].ID != jane.ID {
		t.Errorf("page = %+v", page)
	}

	if rec := e.do(t, http.MethodGet, "/appointments?limit=abc", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}
}

func TestBook_Errors(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantField  string
	}{
		{"malformed json", `{"patient":`, http.StatusBadRequest, ""},
		{"missing age", `{"patient":{"name":"A"},"symptoms":"fever"}`, http.StatusUnprocessableEntity, "age"},
		{"age out of range", `{"patient":{"name":"A","age":200},"symptoms":"fever"}`, http.StatusUnprocessableEntity, "age"},
		{"missing name", `{"patient":{"age":20},"symptoms":"fever"}`, http.StatusUnprocessableEntity, "name"},
		{"missing symptoms", `{"patient":{"name":"A","age":20}}`, http.StatusUnprocessableEntity, "symptoms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := e.do(t, http.MethodPost, "/book", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body)
			}
			if tt.wantField != "" {
				body := decodeBody[errorBody](t, rec)
				if body.Field != tt.wantField {
					t.Errorf("field = %q, want %q", body.Field, tt.wantField)
				}
			}
		})
	}
}

func TestDischarge(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)

	appt := decodeBody[intake.Appointment](t, e.do(t, http.MethodPost, "/book", janeBooking))
	path := "/appointment/" + itoa(appt.ID)

	if rec := e.do(t, http.MethodDelete, path, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("first discharge status = %d: %s", rec.Code, rec.Body)
	}
	if rec := e.do(t, http.MethodDelete, path, ""); rec.Code != http.StatusNotFound {
		t.Errorf("second discharge status = %d, want 404", rec.Code)
	}
	if rec := e.do(t, http.MethodDelete, "/appointment/abc", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", rec.Code)
	}
	if rec := e.do(t, http.MethodDelete, "/appointment/0", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("zero id status = %d, want 400", rec.Code)
	}

	list := decodeBody[[]intake.Appointment](t, e.do(t, http.MethodGet, "/appointments", ""))
	if len(list) != 0 {
		t.Errorf("queue after discharge = %+v, want empty", list)
	}
}

func TestPatients(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)

	rec := e.do(t, http.MethodPost, "/patients", `{"name":"Sam","age":40}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d: %s", rec.Code, rec.Body)
	}
	sam := decodeBody[intake.Patient](t, rec)
	if sam.Contact != intake.ContactNone {
		t.Errorf("contact = %q, want N/A", sam.Contact)
	}
	if rec := e.do(t, http.MethodPost, "/patients", `{"name":"Sam","age":40}`); rec.Code != http.StatusConflict {
		t.Errorf("duplicate register status = %d, want 409", rec.Code)
	}

	e.do(t, http.MethodPost, "/book", `{"patient":{"name":"Sam","age":40},"symptoms":"rash"}`)

	rec = e.do(t, http.MethodGet, "/patients/"+itoa(sam.ID), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	h := decodeBody[intake.PatientHistory](t, rec)
	if h.ID != sam.ID || len(h.Appointments) != 1 {
		t.Errorf("history = %+v", h)
	}

	list := decodeBody[[]intake.PatientHistory](t, e.do(t, http.MethodGet, "/patients", ""))
	if len(list) != 1 {
		t.Errorf("patients = %d, want 1", len(list))
	}
	if rec := e.do(t, http.MethodGet, "/patients/999", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown patient status = %d, want 404", rec.Code)
	}
}

//  Notification endpoints

func TestSend(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)

	appt := decodeBody[intake.Appointment](t, e.do(t, http.MethodPost, "/book", janeBooking))

	body := `{"patient_id":` + itoa(appt.PatientID) + `,"appointment_id":` + itoa(appt.ID) + `,"message":"Room 4 please","notification_type":"General Message"}`
	rec := e.do(t, http.MethodPost, "/notifications/send", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("send status = %d: %s", rec.Code, rec.Body)
	}
	n := decodeBody[intake.Notification](t, rec)
	if n.Status != intake.NotificationSent || n.Type != intake.TypeGeneral || n.SentAt == nil {
		t.Errorf("notification = %+v", n)
	}

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"unknown patient", `{"patient_id":999,"message":"hi"}`, http.StatusNotFound},
		{"empty message", `{"patient_id":` + itoa(appt.PatientID) + `,"message":""}`, http.StatusUnprocessableEntity},
		{"unknown type", `{"patient_id":` + itoa(appt.PatientID) + `,"message":"hi","notification_type":"Promo"}`, http.StatusUnprocessableEntity},
		{"malformed", `{"patient_id":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if rec := e.do(t, http.MethodPost, "/notifications/send", tt.body); rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body)
			}
		})
	}
}

func TestSend_NoContact(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)

	appt := decodeBody[intake.Appointment](t, e.do(t, http.MethodPost, "/book", `{"patient":{"name":"Sam","age":40},"symptoms":"rash"}`))
	rec := e.do(t, http.MethodPost, "/notifications/send", `{"patient_id":`+itoa(appt.PatientID)+`,"message":"hi"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", rec.Code, rec.Body)
	}
	if body := decodeBody[errorBody](t, rec); body.Field != "contact" {
		t.Errorf("field = %q, want contact", body.Field)
	}
	list := decodeBody[[]intake.Notification](t, e.do(t, http.MethodGet, "/notifications", ""))
	if len(list) != 0 {
		t.Errorf("notifications = %d, want 0", len(list))
	}
}

func TestSend_DeliveryFailure(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, func(context.Context, *intake.Outbound) error { return errors.New("gateway down") })

	appt := decodeBody[intake.Appointment](t, e.do(t, http.MethodPost, "/book", janeBooking))

	rec := e.do(t, http.MethodPost, "/notifications/send", `{"patient_id":`+itoa(appt.PatientID)+`,"message":"hi"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502: %s", rec.Code, rec.Body)
	}
	body := decodeBody[errorBody](t, rec)
	if body.Notification == nil || body.Notification.Status != intake.NotificationFailed {
		t.Errorf("body = %+v, want failed notification", body)
	}

	// confirmation endpoints report failure through the record, not the status code
	rec = e.do(t, http.MethodPost, "/notifications/send-confirmation/"+itoa(appt.ID), "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("confirmation status = %d: %s", rec.Code, rec.Body)
	}
	if n := decodeBody[intake.Notification](t, rec); n.Status != intake.NotificationFailed {
		t.Errorf("confirmation status = %s, want Failed", n.Status)
	}
}

func TestSendConfirmationAndUpdate(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)

	appt := decodeBody[intake.Appointment](t, e.do(t, http.MethodPost, "/book", johnBooking))

	rec := e.do(t, http.MethodPost, "/notifications/send-confirmation/"+itoa(appt.ID), "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("confirmation status = %d: %s", rec.Code, rec.Body)
	}
	c := decodeBody[intake.Notification](t, rec)
	if !strings.Contains(c.Message, "Triage Level: Emergency") || c.Type != intake.TypeConfirmation {
		t.Errorf("confirmation = %+v", c)
	}

	rec = e.do(t, http.MethodPost, "/notifications/send-update/"+itoa(appt.ID), "")
	u := decodeBody[intake.Notification](t, rec)
	if u.Message != "Status update: Your appointment status is Queued." {
		t.Errorf("update message = %q", u.Message)
	}

	if rec := e.do(t, http.MethodPost, "/notifications/send-confirmation/999", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown appointment status = %d, want 404", rec.Code)
	}

	forAppt := decodeBody[[]intake.Notification](t, e.do(t, http.MethodGet, "/notifications/appointment/"+itoa(appt.ID), ""))
	if len(forAppt) != 2 || forAppt[0].ID != u.ID {
		t.Errorf("appointment notifications = %+v, want update first", forAppt)
	}
	forPatient := decodeBody[[]intake.Notification](t, e.do(t, http.MethodGet, "/notifications/patient/"+itoa(appt.PatientID)+"?limit=1", ""))
	if len(forPatient) != 1 {
		t.Errorf("patient notifications = %d, want 1", len(forPatient))
	}
	if rec := e.do(t, http.MethodGet, "/notifications/patient/999", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown patient status = %d, want 404", rec.Code)
	}
}

func TestListNotifications_Filters(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)

	appt := decodeBody[intake.Appointment](t, e.do(t, http.MethodPost, "/book", janeBooking))
	e.do(t, http.MethodPost, "/notifications/send", `{"patient_id":`+itoa(appt.PatientID)+`,"message":"a","notification_type":"Reminder"}`)
	e.do(t, http.MethodPost, "/notifications/send", `{"patient_id":`+itoa(appt.PatientID)+`,"message":"b"}`)

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantCount  int
	}{
		{"all", "", http.StatusOK, 2},
		{"by type", "?type=reminder", http.StatusOK, 1},
		{"by status", "?status=Sent", http.StatusOK, 2},
		{"by patient", "?patient_id=" + itoa(appt.PatientID), http.StatusOK, 2},
		{"other patient", "?patient_id=999", http.StatusOK, 0},
		{"limit", "?limit=1", http.StatusOK, 1},
		{"skip", "?skip=1", http.StatusOK, 1},
		{"skip past end", "?skip=5", http.StatusOK, 0},
		{"negative skip", "?skip=-1", http.StatusBadRequest, 0},
		{"bad status", "?status=Queued", http.StatusUnprocessableEntity, 0},
		{"bad type", "?type=Promo", http.StatusUnprocessableEntity, 0},
		{"bad patient", "?patient_id=x", http.StatusBadRequest, 0},
		{"negative limit", "?limit=-1", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := e.do(t, http.MethodGet, "/notifications"+tt.query, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body)
			}
			if tt.wantStatus == http.StatusOK {
				if got := decodeBody[[]intake.Notification](t, rec); len(got) != tt.wantCount {
					t.Errorf("count = %d, want %d", len(got), tt.wantCount)
				}
			}
		})
	}
}

func TestPatientNotifications_Skip(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)

	appt := decodeBody[intake.Appointment](t, e.do(t, http.MethodPost, "/book", janeBooking))
	first := decodeBody[intake.Notification](t, e.do(t, http.MethodPost, "/notifications/send", `{"patient_id":`+itoa(appt.PatientID)+`,"message":"a"}`))
	e.do(t, http.MethodPost, "/notifications/send", `{"patient_id":`+itoa(appt.PatientID)+`,"message":"b"}`)

	rec := e.do(t, http.MethodGet, "/notifications/patient/"+itoa(appt.PatientID)+"?skip=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	got := decodeBody[[]intake.Notification](t, rec)
	if len(got) != 1 || got[0].ID != first.ID {
		t.Errorf("skip 1 = %+v, want oldest only", got)
	}
}

// failingQueue fails every ranked listing with an unclassified error.
type failingQueue struct {
	QueueService
}

func (failingQueue) RankPage(context.Context, intake.Page) ([]intake.Appointment, error) {
	return nil, errors.New("connection reset")
}

func TestErrorResponses_AreJSON(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)
	broken := chi.NewRouter()
	New(nil, failingQueue{}, e.disp).RegisterRoutes(broken)

	tests := []struct {
		name       string
		router     chi.Router
		method     string
		path       string
		body       string
		wantStatus int
		wantError  string
	}{
		{"malformed payload", e.router, http.MethodPost, "/book", `{"patient":`, http.StatusBadRequest, "invalid payload"},
		{"invalid id", e.router, http.MethodDelete, "/appointment/abc", "", http.StatusBadRequest, "invalid id"},
		{"invalid skip", e.router, http.MethodGet, "/patients?skip=x", "", http.StatusBadRequest, "invalid skip"},
		{"store failure", broken, http.MethodGet, "/appointments", "", http.StatusInternalServerError, "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			tt.router.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body)))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}
			if got := decodeBody[errorBody](t, rec); got.Error != tt.wantError {
				t.Errorf("error = %q, want %q", got.Error, tt.wantError)
			}
		})
	}
}

func TestHandler_ServesRoutes(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)

	st := memstore.New()
	q := intake.NewQueue(st, intake.NewClassifier(intake.DefaultRules()), nil, intake.QueueHooks{})
	h := New(nil, q, e.disp).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/appointments", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/appointments", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("PUT status = %d, want 405", rec.Code)
	}
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
