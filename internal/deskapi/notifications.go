package deskapi

import (
	"errors"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/intake/internal/intake"
)

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	var req intake.SendRequest
	if !decode(w, r, &req) {
		return
	}
	n, err := a.notify.Send(r.Context(), req)
	if errors.Is(err, intake.ErrDelivery) {
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error(), Notification: n})
		return
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.annotate(r, n)
	writeJSON(w, http.StatusCreated, n)
}

func (a *API) handleSendConfirmation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	n, err := a.notify.SendConfirmation(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.annotate(r, n)
	writeJSON(w, http.StatusCreated, n)
}

func (a *API) handleSendUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	n, err := a.notify.SendStatusUpdate(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.annotate(r, n)
	writeJSON(w, http.StatusCreated, n)
}

func (a *API) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	page, ok := queryPage(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := intake.NotificationFilter{
		Status: intake.NotificationStatus(q.Get("status")),
		Skip:   page.Skip,
		Limit:  page.Limit,
	}
	if s := q.Get("type"); s != "" {
		typ, err := intake.ParseNotificationType(s)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		f.Type = typ
	}
	if s := q.Get("patient_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid patient_id", Field: "patient_id"})
			return
		}
		f.PatientID = id
	}

	list, err := a.notify.List(r.Context(), f)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handlePatientNotifications(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	page, ok := queryPage(w, r)
	if !ok {
		return
	}
	list, err := a.notify.ForPatient(r.Context(), id, page)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleAppointmentNotifications(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	page, ok := queryPage(w, r)
	if !ok {
		return
	}
	list, err := a.notify.ForAppointment(r.Context(), id, page)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) annotate(r *http.Request, n *intake.Notification) {
	if n == nil {
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.Int64("intake.notification.id", n.ID),
		attribute.String("intake.notification.status", string(n.Status)),
	)
}
