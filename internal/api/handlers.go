// Package api exposes HTTP handlers for the activity service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/iamavinashmourya/DevOrbit/internal/auth"
	"github.com/iamavinashmourya/DevOrbit/internal/classify"
	"github.com/iamavinashmourya/DevOrbit/internal/domain"
	"github.com/iamavinashmourya/DevOrbit/internal/importer"
	"github.com/iamavinashmourya/DevOrbit/internal/observability"
	"github.com/iamavinashmourya/DevOrbit/internal/persistence"
	"github.com/iamavinashmourya/DevOrbit/internal/synchub"
)

const (
	maxBatchItems   = 500
	maxTakeoutBytes = 32 << 20
)

// Handler coordinates HTTP requests with the merge engine.
type Handler struct {
	service    *domain.Service
	classifier *classify.Classifier
	hub        *synchub.Hub
}

// NewHandler builds a Handler.
func NewHandler(service *domain.Service, classifier *classify.Classifier, hub *synchub.Hub) *Handler {
	return &Handler{service: service, classifier: classifier, hub: hub}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/activities", h.activities)
	mux.HandleFunc("/v1/activities/batch", h.batch)
	mux.HandleFunc("/v1/activities/", h.activityByID)
	mux.HandleFunc("/v1/classify", h.classify)
	mux.HandleFunc("/v1/classify/overrides", h.trainOverride)
	mux.HandleFunc("/v1/reports/summary", h.reportSummary)
	mux.HandleFunc("/v1/import/takeout", h.importTakeout)
	mux.HandleFunc("/v1/sync/subscribe", h.subscribe)
	mux.HandleFunc("/v1/sync/trigger", h.triggerSync)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) activities(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.recordActivity(w, r)
	case http.MethodGet:
		h.listActivities(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) activityByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/activities/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing activity id")
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.getActivity(w, r, id)
	case http.MethodPatch:
		h.updateActivity(w, r, id)
	case http.MethodDelete:
		h.deleteActivity(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) recordActivity(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeActivitiesWrite)
	if !ok {
		return
	}

	var req ObservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	outcome, err := h.service.MergeOne(r.Context(), req.toObservation(claims.Subject))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := MergeOutcomeResponse{
		Status: string(outcome.Status),
		Split:  outcome.Split,
	}
	if outcome.Record != nil {
		view := toRecordView(*outcome.Record)
		resp.Record = &view
	}

	status := http.StatusOK
	if outcome.Status == domain.MergeStatusCreated {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

func (h *Handler) batch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeActivitiesWrite)
	if !ok {
		return
	}

	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if len(req.Activities) == 0 {
		writeError(w, http.StatusBadRequest, "validation_failed", "activities must not be empty")
		return
	}
	if len(req.Activities) > maxBatchItems {
		writeError(w, http.StatusBadRequest, "validation_failed", "too many activities in batch")
		return
	}

	observations := make([]domain.Observation, 0, len(req.Activities))
	for _, item := range req.Activities {
		observations = append(observations, item.toObservation(claims.Subject))
	}
	observability.RecordBatchSize(len(observations))

	processed, err := h.service.MergeBatch(r.Context(), observations)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, BatchResponse{
		Submitted: len(req.Activities),
		Processed: processed,
	})
}

func (h *Handler) getActivity(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := requireScope(w, r, auth.ScopeActivitiesRead, auth.ScopeActivitiesWrite)
	if !ok {
		return
	}

	rec, err := h.service.GetRecord(r.Context(), claims.Subject, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordView(*rec))
}

func (h *Handler) updateActivity(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := requireScope(w, r, auth.ScopeActivitiesWrite)
	if !ok {
		return
	}

	var req UpdateActivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	upd := domain.RecordUpdate{
		Category: domain.Category(req.Category),
		Title:    req.Title,
		Context:  req.Context,
	}
	if req.StartTime != nil {
		upd.StartTime = *req.StartTime
	}
	if req.EndTime != nil {
		upd.EndTime = *req.EndTime
	}

	rec, err := h.service.UpdateRecord(r.Context(), claims.Subject, id, upd)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordView(*rec))
}

func (h *Handler) deleteActivity(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := requireScope(w, r, auth.ScopeActivitiesWrite)
	if !ok {
		return
	}

	if err := h.service.DeleteRecord(r.Context(), claims.Subject, id); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listActivities(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeActivitiesRead, auth.ScopeActivitiesWrite)
	if !ok {
		return
	}

	query := domain.ListQuery{OwnerID: claims.Subject}
	if raw := r.URL.Query().Get("category"); raw != "" {
		category := domain.Category(raw)
		if !category.Valid() {
			writeError(w, http.StatusBadRequest, "validation_failed", "unknown category")
			return
		}
		query.Category = category
	}
	from, to, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	query.From, query.To = from, to

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			if parsed > 200 {
				parsed = 200
			}
			limit = parsed
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	records, next, err := h.service.ListRecords(r.Context(), query, cursor, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]RecordView, 0, len(records))
	for _, rec := range records {
		items = append(items, toRecordView(rec))
	}
	writeJSON(w, http.StatusOK, ListActivitiesResponse{
		Items:      items,
		NextCursor: persistence.EncodeCursor(next),
	})
}

func (h *Handler) classify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeActivitiesRead, auth.ScopeActivitiesWrite)
	if !ok {
		return
	}

	var req ClassifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if strings.TrimSpace(req.Title) == "" && strings.TrimSpace(req.Context) == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "title or context is required")
		return
	}

	category, err := h.classifier.Classify(r.Context(), claims.Subject, req.Title, req.Context)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ClassifyResponse{Category: string(category)})
}

func (h *Handler) trainOverride(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeActivitiesWrite)
	if !ok {
		return
	}

	var req TrainOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	if err := h.classifier.Train(r.Context(), claims.Subject, req.Context, domain.Category(req.Category)); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "trained"})
}

func (h *Handler) reportSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeActivitiesRead, auth.ScopeActivitiesWrite)
	if !ok {
		return
	}

	from, to, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	if to.IsZero() {
		to = time.Now()
	}
	if from.IsZero() {
		from = to.AddDate(0, 0, -7)
	}

	topLimit := 5
	if raw := r.URL.Query().Get("top"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			if parsed > 25 {
				parsed = 25
			}
			topLimit = parsed
		}
	}

	summary, err := h.service.Summarize(r.Context(), claims.Subject, from, to, topLimit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) importTakeout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeActivitiesWrite)
	if !ok {
		return
	}

	observations, err := importer.ParseWatchHistory(http.MaxBytesReader(w, r.Body, maxTakeoutBytes), claims.Subject)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(observations) == 0 {
		writeJSON(w, http.StatusOK, BatchResponse{Submitted: 0, Processed: 0})
		return
	}
	observability.RecordBatchSize(len(observations))

	processed, err := h.service.MergeBatch(r.Context(), observations)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BatchResponse{
		Submitted: len(observations),
		Processed: processed,
	})
}

func (h *Handler) triggerSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeActivitiesWrite)
	if !ok {
		return
	}

	reached := h.hub.Notify(claims.Subject, synchub.Event{Status: "refresh"})
	writeJSON(w, http.StatusOK, map[string]int{"devices": reached})
}

func requireScope(w http.ResponseWriter, r *http.Request, scopes ...string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	for _, scope := range scopes {
		if claims.HasScope(scope) {
			return claims, true
		}
	}
	writeError(w, http.StatusForbidden, "forbidden", "scope "+scopes[0]+" required")
	return nil, false
}

func parseWindow(r *http.Request) (time.Time, time.Time, error) {
	var from, to time.Time
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return from, to, errors.New("invalid from timestamp")
		}
		from = parsed
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return from, to, errors.New("invalid to timestamp")
		}
		to = parsed
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return from, to, errors.New("to must not precede from")
	}
	return from, to, nil
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, domain.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "not_found", "activity not found")
	default:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

// ObservationRequest is the payload for POST /v1/activities.
type ObservationRequest struct {
	Category        string          `json:"category,omitempty"`
	Title           string          `json:"title"`
	Source          string          `json:"source"`
	StartTime       time.Time       `json:"start_time"`
	EndTime         *time.Time      `json:"end_time,omitempty"`
	DurationMinutes int             `json:"duration_minutes,omitempty"`
	Context         *domain.Context `json:"context,omitempty"`
}

// Validate ensures request correctness.
func (r ObservationRequest) Validate() error {
	if !domain.Source(r.Source).Valid() {
		return errors.New("unknown source")
	}
	if r.Category != "" && !domain.Category(r.Category).Valid() {
		return errors.New("unknown category")
	}
	if r.StartTime.IsZero() {
		return errors.New("start_time is required")
	}
	if r.EndTime != nil && r.EndTime.Before(r.StartTime) {
		return errors.New("end_time must not precede start_time")
	}
	if r.DurationMinutes < 0 {
		return errors.New("duration_minutes must not be negative")
	}
	return nil
}

func (r ObservationRequest) toObservation(ownerID string) domain.Observation {
	obs := domain.Observation{
		OwnerID:         ownerID,
		Category:        domain.Category(r.Category),
		Title:           r.Title,
		Source:          domain.Source(r.Source),
		StartTime:       r.StartTime,
		DurationMinutes: r.DurationMinutes,
	}
	if r.EndTime != nil {
		obs.EndTime = *r.EndTime
	}
	if r.Context != nil {
		obs.Context = *r.Context
	}
	return obs
}

// BatchRequest is the payload for POST /v1/activities/batch.
type BatchRequest struct {
	Activities []ObservationRequest `json:"activities"`
}

// BatchResponse reports best-effort batch results.
type BatchResponse struct {
	Submitted int `json:"submitted"`
	Processed int `json:"processed"`
}

// MergeOutcomeResponse describes what happened to a single observation.
type MergeOutcomeResponse struct {
	Status string      `json:"status"`
	Split  bool        `json:"split,omitempty"`
	Record *RecordView `json:"record,omitempty"`
}

// UpdateActivityRequest carries manual edits for PATCH /v1/activities/{id}.
type UpdateActivityRequest struct {
	Category  string          `json:"category,omitempty"`
	Title     string          `json:"title,omitempty"`
	StartTime *time.Time      `json:"start_time,omitempty"`
	EndTime   *time.Time      `json:"end_time,omitempty"`
	Context   *domain.Context `json:"context,omitempty"`
}

// ClassifyRequest asks for a category without writing any record.
type ClassifyRequest struct {
	Title   string `json:"title"`
	Context string `json:"context,omitempty"`
}

// ClassifyResponse carries the resolved category.
type ClassifyResponse struct {
	Category string `json:"category"`
}

// TrainOverrideRequest pins a category for one of the caller's contexts.
type TrainOverrideRequest struct {
	Context  string `json:"context"`
	Category string `json:"category"`
}

// Validate ensures request correctness.
func (r TrainOverrideRequest) Validate() error {
	if strings.TrimSpace(r.Context) == "" {
		return errors.New("context is required")
	}
	if !domain.Category(r.Category).Valid() {
		return errors.New("unknown category")
	}
	return nil
}

// RecordView exposes full details about a merged record.
type RecordView struct {
	RecordID        string                `json:"record_id"`
	Category        string                `json:"category"`
	Title           string                `json:"title"`
	Source          string                `json:"source"`
	Context         domain.Context        `json:"context"`
	StartTime       time.Time             `json:"start_time"`
	EndTime         time.Time             `json:"end_time"`
	DurationMinutes int                   `json:"duration_minutes"`
	History         []domain.HistoryEntry `json:"history"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// ListActivitiesResponse packages list results.
type ListActivitiesResponse struct {
	Items      []RecordView `json:"items"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toRecordView(rec domain.Record) RecordView {
	return RecordView{
		RecordID:        rec.ID,
		Category:        string(rec.Category),
		Title:           rec.Title,
		Source:          string(rec.Source),
		Context:         rec.Context,
		StartTime:       rec.StartTime,
		EndTime:         rec.EndTime,
		DurationMinutes: rec.DurationMinutes,
		History:         rec.History,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
}
