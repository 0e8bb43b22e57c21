package deskapi

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/intake/internal/intake"
)

type triageRequest struct {
	Symptoms string `json:"symptoms"`
}

type triageResponse struct {
	TriageLevel intake.TriageLevel `json:"triage_level"`
}

func (a *API) handleTriage(w http.ResponseWriter, r *http.Request) {
	var req triageRequest
	if !decode(w, r, &req) {
		return
	}
	level, err := a.queue.Classify(req.Symptoms)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, triageResponse{TriageLevel: level})
}

func (a *API) handleBook(w http.ResponseWriter, r *http.Request) {
	var req intake.Admission
	if !decode(w, r, &req) {
		return
	}
	appt, err := a.queue.Admit(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.Int64("intake.appointment.id", appt.ID),
		attribute.String("intake.triage_level", string(appt.TriageLevel)),
	)
	writeJSON(w, http.StatusCreated, appt)
}

func (a *API) handleListAppointments(w http.ResponseWriter, r *http.Request) {
	page, ok := queryPage(w, r)
	if !ok {
		return
	}
	ranked, err := a.queue.RankPage(r.Context(), page)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ranked)
}

func (a *API) handleDischarge(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.Int64("intake.appointment.id", id))

	if err := a.queue.Discharge(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListPatients(w http.ResponseWriter, r *http.Request) {
	page, ok := queryPage(w, r)
	if !ok {
		return
	}
	patients, err := a.queue.Patients(r.Context(), page)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, patients)
}

func (a *API) handleRegisterPatient(w http.ResponseWriter, r *http.Request) {
	var req intake.PatientInput
	if !decode(w, r, &req) {
		return
	}
	p, err := a.queue.RegisterPatient(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) handleGetPatient(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := a.queue.Patient(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
