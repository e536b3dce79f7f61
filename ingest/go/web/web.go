// Package web is the HTTP surface of the ingestion service: run control,
// an SSE progress stream per run, publication listing with snapshot
// pagination, read-state mutations, and continuation-queue inspection.
// Authentication happens in a fronting proxy which forwards the numeric
// user id in a header; this package only parses it.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"go.scholarhound.org/scholarhound/go/httputils"
	"go.scholarhound.org/scholarhound/go/now"
	"go.scholarhound.org/scholarhound/go/sklog"
	"go.scholarhound.org/scholarhound/ingest/go/authorsearch"
	"go.scholarhound.org/scholarhound/ingest/go/engine"
	"go.scholarhound.org/scholarhound/ingest/go/feedcache"
	"go.scholarhound.org/scholarhound/ingest/go/runevents"
	"go.scholarhound.org/scholarhound/ingest/go/store"
	"go.scholarhound.org/scholarhound/ingest/go/types"
)

// UserIDHeader carries the authenticated user id, set by the auth proxy.
const UserIDHeader = "X-Scholarhound-User"

// Listing limits.
const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// sseHeartbeat is how often an idle event stream emits a comment line so
// proxies do not drop the connection.
const sseHeartbeat = 15 * time.Second

// RunEngine is the slice of the run engine the handlers use.
type RunEngine interface {
	StartRun(ctx context.Context, userID int64, opts engine.RunOptions) (*types.RunStartResult, error)
	CancelRun(ctx context.Context, runID int64) error
}

// AuthorSearcher is the slice of the author search service the handlers
// use.
type AuthorSearcher interface {
	Search(ctx context.Context, query string, start int) (*authorsearch.Result, error)
}

// Server holds the handler dependencies.
type Server struct {
	stores store.Stores
	eng    RunEngine
	bus    *runevents.Bus
	search AuthorSearcher
}

// New returns a Server. search may be nil, which disables the author
// search endpoint.
func New(stores store.Stores, eng RunEngine, bus *runevents.Bus, search AuthorSearcher) *Server {
	return &Server{
		stores: stores,
		eng:    eng,
		bus:    bus,
		search: search,
	}
}

// AddHandlers registers all routes on the router.
func (s *Server) AddHandlers(r chi.Router) {
	r.Post("/api/runs/start", s.startRunHandler)
	r.Get("/api/runs/{id}", s.getRunHandler)
	r.Post("/api/runs/{id}/cancel", s.cancelRunHandler)
	r.Get("/api/runs/{id}/events", s.runEventsHandler)
	r.Get("/api/publications", s.listPublicationsHandler)
	r.Post("/api/publications/read_all", s.readAllHandler)
	r.Post("/api/publications/read", s.readSelectedHandler)
	r.Post("/api/publications/{id}/favorite", s.favoriteHandler)
	r.Get("/api/queue", s.listQueueHandler)
	r.Post("/api/queue/{id}/retry", s.retryJobHandler)
	r.Post("/api/queue/{id}/drop", s.dropJobHandler)
	r.Get("/api/scholars/search", s.authorSearchHandler)
}

// userID extracts the authenticated user id, writing a 401 and returning
// false when it is missing or malformed.
func (s *Server) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.Header.Get(UserIDHeader)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "missing or invalid user", http.StatusUnauthorized)
		return 0, false
	}
	return id, true
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func sendJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		sklog.Errorf("Failed to encode response: %s", err)
	}
}

func sendJSONStatus(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		sklog.Errorf("Failed to encode response: %s", err)
	}
}

type startRunRequest struct {
	IdempotencyKey    string  `json:"idempotency_key"`
	ScholarProfileIDs []int64 `json:"scholar_profile_ids"`
}

func (s *Server) startRunHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req startRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputils.ReportError(w, err, "Failed to decode request.", http.StatusBadRequest)
			return
		}
	}
	res, err := s.eng.StartRun(r.Context(), userID, engine.RunOptions{
		Trigger:           types.TriggerManual,
		IdempotencyKey:    req.IdempotencyKey,
		ScholarProfileIDs: req.ScholarProfileIDs,
	})
	var blocked *engine.BlockedBySafetyError
	switch {
	case errors.Is(err, engine.ErrRunInProgress):
		sendJSONStatus(w, http.StatusConflict, map[string]string{
			"error": "run_already_in_progress",
		})
	case errors.As(err, &blocked):
		sendJSONStatus(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":  blocked.Error(),
			"safety": blocked.Payload,
		})
	case err != nil:
		httputils.ReportError(w, err, "Failed to start run.", http.StatusInternalServerError)
	default:
		sendJSON(w, res)
	}
}

// runForUser loads the run and enforces ownership, writing the error
// response itself on failure.
func (s *Server) runForUser(w http.ResponseWriter, r *http.Request, userID int64) (*types.CrawlRun, bool) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid run id", http.StatusBadRequest)
		return nil, false
	}
	run, err := s.stores.Runs.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.NotFound(w, r)
		} else {
			httputils.ReportError(w, err, "Failed to load run.", http.StatusInternalServerError)
		}
		return nil, false
	}
	if run.UserID != userID {
		http.NotFound(w, r)
		return nil, false
	}
	return run, true
}

type runResponse struct {
	ID           int64           `json:"id"`
	Status       types.RunStatus `json:"status"`
	TriggerType  types.TriggerType `json:"trigger_type"`
	StartDT      time.Time       `json:"start_dt"`
	EndDT        *time.Time      `json:"end_dt,omitempty"`
	ScholarCount int             `json:"scholar_count"`
	NewPubCount  int             `json:"new_pub_count"`
	Log          types.RunLog    `json:"log"`
}

func (s *Server) getRunHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	run, ok := s.runForUser(w, r, userID)
	if !ok {
		return
	}
	sendJSON(w, runResponse{
		ID:           run.ID,
		Status:       run.Status,
		TriggerType:  run.TriggerType,
		StartDT:      run.StartDT,
		EndDT:        run.EndDT,
		ScholarCount: run.ScholarCount,
		NewPubCount:  run.NewPubCount,
		Log:          run.Log,
	})
}

func (s *Server) cancelRunHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	run, ok := s.runForUser(w, r, userID)
	if !ok {
		return
	}
	if err := s.eng.CancelRun(r.Context(), run.ID); err != nil {
		if errors.Is(err, store.ErrNotCancelable) {
			sendJSONStatus(w, http.StatusConflict, map[string]string{
				"error": "run_not_cancelable",
			})
			return
		}
		httputils.ReportError(w, err, "Failed to cancel run.", http.StatusInternalServerError)
		return
	}
	sendJSON(w, map[string]string{"status": "canceled"})
}

// runEventsHandler bridges the run's event bus subscription onto an SSE
// stream. The stream ends when the client disconnects or the run reaches
// a terminal status.
func (s *Server) runEventsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	run, ok := s.runForUser(w, r, userID)
	if !ok {
		return
	}
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	subID, ch := s.bus.Subscribe(run.ID)
	defer s.bus.Unsubscribe(run.ID, subID)
	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(evt.Data)
			if err != nil {
				sklog.Errorf("Failed to marshal %s event for run %d: %s", evt.Type, run.ID, err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
			flusher.Flush()
		case <-heartbeat.C:
			status, err := s.stores.Runs.GetRunStatus(r.Context(), run.ID)
			if err == nil && status.IsTerminal() {
				fmt.Fprintf(w, "event: run_finished\ndata: {\"status\":%q}\n\n", status)
				flusher.Flush()
				return
			}
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

type publicationItem struct {
	ID                int64                    `json:"id"`
	Title             string                   `json:"title"`
	Year              int                      `json:"year,omitempty"`
	CitationCount     int                      `json:"citation_count"`
	AuthorText        string                   `json:"author_text,omitempty"`
	VenueText         string                   `json:"venue_text,omitempty"`
	PubURL            string                   `json:"pub_url,omitempty"`
	PDFURL            string                   `json:"pdf_url,omitempty"`
	DOI               string                   `json:"doi,omitempty"`
	ScholarProfileID  int64                    `json:"scholar_profile_id"`
	IsRead            bool                     `json:"is_read"`
	IsFavorite        bool                     `json:"is_favorite"`
	FirstSeenRunID    int64                    `json:"first_seen_run_id"`
	FirstSeenAt       time.Time                `json:"first_seen_at"`
	DisplayIdentifier *types.DisplayIdentifier `json:"display_identifier,omitempty"`
}

type publicationListResponse struct {
	Publications []publicationItem `json:"publications"`
	Offset       int               `json:"offset"`
	Limit        int               `json:"limit"`
}

func (s *Server) listPublicationsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	opts := store.PublicationListOptions{
		SortBy:   q.Get("sort_by"),
		SortDesc: q.Get("sort_desc") == "true",
		Limit:    defaultPageLimit,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		opts.Limit = n
	}
	if opts.Limit > maxPageLimit {
		opts.Limit = maxPageLimit
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid offset", http.StatusBadRequest)
			return
		}
		opts.Offset = n
	}
	if v := q.Get("snapshot_before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid snapshot_before", http.StatusBadRequest)
			return
		}
		opts.SnapshotBefore = t
	}

	rows, err := s.stores.Publications.ListForUser(r.Context(), userID, opts)
	if err != nil {
		httputils.ReportError(w, err, "Failed to list publications.", http.StatusInternalServerError)
		return
	}
	items := make([]publicationItem, 0, len(rows))
	for _, row := range rows {
		item := publicationItem{
			ID:               row.Publication.ID,
			Title:            row.TitleRaw,
			Year:             row.Year,
			CitationCount:    row.CitationCount,
			AuthorText:       row.AuthorText,
			VenueText:        row.VenueText,
			PubURL:           row.PubURL,
			PDFURL:           row.PDFURL,
			DOI:              row.DOI,
			ScholarProfileID: row.ScholarProfileID,
			IsRead:           row.IsRead,
			IsFavorite:       row.IsFavorite,
			FirstSeenRunID:   row.FirstSeenRunID,
			FirstSeenAt:      row.FirstSeenAt,
		}
		di, err := s.stores.Publications.BestDisplayIdentifier(r.Context(), row.Publication.ID)
		if err != nil {
			sklog.Errorf("Failed to load display identifier for publication %d: %s", row.Publication.ID, err)
		} else {
			item.DisplayIdentifier = di
		}
		items = append(items, item)
	}
	sendJSON(w, publicationListResponse{
		Publications: items,
		Offset:       opts.Offset,
		Limit:        opts.Limit,
	})
}

func (s *Server) readAllHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	n, err := s.stores.Publications.MarkAllUnreadAsRead(r.Context(), userID)
	if err != nil {
		httputils.ReportError(w, err, "Failed to mark publications read.", http.StatusInternalServerError)
		return
	}
	sendJSON(w, map[string]int{"updated": n})
}

type readSelectedRequest struct {
	PublicationIDs []int64 `json:"publication_ids"`
}

func (s *Server) readSelectedHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req readSelectedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputils.ReportError(w, err, "Failed to decode request.", http.StatusBadRequest)
		return
	}
	if err := s.stores.Publications.MarkSelectedAsRead(r.Context(), userID, req.PublicationIDs); err != nil {
		httputils.ReportError(w, err, "Failed to mark publications read.", http.StatusInternalServerError)
		return
	}
	sendJSON(w, map[string]string{"status": "ok"})
}

type favoriteRequest struct {
	Favorite bool `json:"favorite"`
}

func (s *Server) favoriteHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	pubID, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid publication id", http.StatusBadRequest)
		return
	}
	var req favoriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputils.ReportError(w, err, "Failed to decode request.", http.StatusBadRequest)
		return
	}
	if err := s.stores.Publications.SetFavorite(r.Context(), userID, pubID, req.Favorite); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		httputils.ReportError(w, err, "Failed to update favorite.", http.StatusInternalServerError)
		return
	}
	sendJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) listQueueHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	jobs, err := s.stores.Queue.ListJobsForUser(r.Context(), userID)
	if err != nil {
		httputils.ReportError(w, err, "Failed to list queue.", http.StatusInternalServerError)
		return
	}
	sendJSON(w, map[string]interface{}{"jobs": jobs})
}

// retryJobHandler re-activates a job immediately, clearing its attempt
// counter. Meant for operators retrying dropped continuations.
func (s *Server) retryJobHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	jobID, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	job, err := s.stores.Queue.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		httputils.ReportError(w, err, "Failed to load job.", http.StatusInternalServerError)
		return
	}
	if job.UserID != userID {
		http.NotFound(w, r)
		return
	}
	if err := s.stores.Queue.MarkQueuedNow(r.Context(), jobID, "manual_retry", true, now.Now(r.Context())); err != nil {
		httputils.ReportError(w, err, "Failed to retry job.", http.StatusInternalServerError)
		return
	}
	sendJSON(w, map[string]string{"status": "queued"})
}

// dropJobHandler deletes a continuation job outright.
func (s *Server) dropJobHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	jobID, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	job, err := s.stores.Queue.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		httputils.ReportError(w, err, "Failed to load job.", http.StatusInternalServerError)
		return
	}
	if job.UserID != userID {
		http.NotFound(w, r)
		return
	}
	if err := s.stores.Queue.DeleteJob(r.Context(), jobID); err != nil {
		httputils.ReportError(w, err, "Failed to drop job.", http.StatusInternalServerError)
		return
	}
	sendJSON(w, map[string]string{"status": "dropped"})
}

func (s *Server) authorSearchHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.userID(w, r); !ok {
		return
	}
	if s.search == nil {
		http.Error(w, "author search disabled", http.StatusNotImplemented)
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		http.Error(w, "missing query", http.StatusBadRequest)
		return
	}
	start := 0
	if v := r.URL.Query().Get("start"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid start", http.StatusBadRequest)
			return
		}
		start = n
	}
	res, err := s.search.Search(r.Context(), query, start)
	if err != nil {
		var cooldown *feedcache.CooldownError
		var blocked *authorsearch.BlockedError
		switch {
		case errors.As(err, &cooldown):
			sendJSONStatus(w, http.StatusTooManyRequests, map[string]string{
				"error":       "search_cooldown_active",
				"retry_after": cooldown.Until.Format(time.RFC3339),
			})
		case errors.As(err, &blocked):
			sendJSONStatus(w, http.StatusTooManyRequests, map[string]string{
				"error": "search_blocked",
			})
		default:
			httputils.ReportError(w, err, "Failed to search authors.", http.StatusInternalServerError)
		}
		return
	}
	sendJSON(w, res)
}
