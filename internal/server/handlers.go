package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/michaelbrown/lessonforge/internal/jobs"
	"github.com/michaelbrown/lessonforge/internal/sanitize"
	"github.com/michaelbrown/lessonforge/internal/storage"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// writeStoreError maps a store lookup error to a response.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "lesson not found")
	case errors.Is(err, storage.ErrAmbiguous):
		writeError(w, http.StatusBadRequest, "ambiguous lesson id")
	default:
		s.logger.Error("store error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type lessonResponse struct {
	Lesson *storage.Lesson `json:"lesson"`
}

type lessonsResponse struct {
	Lessons []storage.Lesson `json:"lessons"`
}

type queuedResponse struct {
	Queued   bool   `json:"queued"`
	LessonID string `json:"lessonId"`
	Event    string `json:"event"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Lesson handlers ---

func (s *Server) handleListLessons(w http.ResponseWriter, r *http.Request) {
	opts := storage.ListOptions{}

	if status := r.URL.Query().Get("status"); status != "" {
		opts.Status = storage.Status(status)
		if !opts.Status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status: "+status)
			return
		}
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	lessons, err := s.store.ListLessons(r.Context(), opts)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	if lessons == nil {
		lessons = []storage.Lesson{}
	}
	writeJSON(w, http.StatusOK, lessonsResponse{Lessons: lessons})
}

type createLessonRequest struct {
	Outline string `json:"outline"`
}

func (s *Server) handleCreateLesson(w http.ResponseWriter, r *http.Request) {
	var req createLessonRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	outline := strings.TrimSpace(req.Outline)
	if outline == "" {
		writeError(w, http.StatusBadRequest, "outline is required")
		return
	}

	l := storage.NewLesson(outline)
	if err := s.store.CreateLesson(r.Context(), l); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.metrics.LessonCreated()
	s.logger.Info("lesson created", "lesson_id", l.ID, "title", l.Title)

	if s.cfg.AutoExecute {
		if status, err := s.trigger(r.Context(), jobs.EventExecute, l.ID); err != nil {
			s.logger.Warn("auto execute not queued", "lesson_id", l.ID, "status", status, "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, lessonResponse{Lesson: l})
}

func (s *Server) handleGetLesson(w http.ResponseWriter, r *http.Request) {
	l, err := s.store.GetLesson(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lessonResponse{Lesson: l})
}

type updateLessonRequest struct {
	Title        *string `json:"title"`
	Outline      *string `json:"outline"`
	Content      *string `json:"content"`
	Status       *string `json:"status"`
	ErrorMessage *string `json:"error_message"`
	SandboxID    *string `json:"sandbox_id"`
	SandboxURL   *string `json:"sandbox_url"`
}

func (s *Server) handleUpdateLesson(w http.ResponseWriter, r *http.Request) {
	var req updateLessonRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	l, err := s.store.GetLesson(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	if req.Outline != nil && *req.Outline != l.Outline {
		writeError(w, http.StatusBadRequest, "outline cannot be changed")
		return
	}
	if (req.SandboxID == nil) != (req.SandboxURL == nil) {
		writeError(w, http.StatusBadRequest, "sandbox_id and sandbox_url must be set together")
		return
	}

	u := storage.LessonUpdate{
		Title:        req.Title,
		ErrorMessage: req.ErrorMessage,
		SandboxID:    req.SandboxID,
		SandboxURL:   req.SandboxURL,
	}
	if req.Status != nil {
		to := storage.Status(*req.Status)
		if !to.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status: "+*req.Status)
			return
		}
		if !storage.CanTransition(l.Status, to) {
			writeError(w, http.StatusConflict, "cannot move lesson from "+string(l.Status)+" to "+string(to))
			return
		}
		u.Status = &to
	}

	content := l.Content
	if req.Content != nil {
		content = ""
		if strings.TrimSpace(*req.Content) != "" {
			content = sanitize.Sanitize(*req.Content)
		}
		u.Content = &content
	}
	status := l.Status
	if u.Status != nil {
		status = *u.Status
	}
	if status == storage.StatusGenerated && content == "" {
		writeError(w, http.StatusConflict, "a generated lesson needs content")
		return
	}

	updated, err := s.store.UpdateLesson(r.Context(), l.ID, u)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lessonResponse{Lesson: updated})
}

type executeRequest struct {
	LessonID string `json:"lessonId"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.LessonID == "" {
		writeError(w, http.StatusBadRequest, "lessonId is required")
		return
	}

	l, err := s.store.GetLesson(r.Context(), req.LessonID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.queueAndRespond(w, r, jobs.EventExecute, l.ID)
}

func (s *Server) handleRecreate(w http.ResponseWriter, r *http.Request) {
	l, err := s.store.GetLesson(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if l.Content == "" {
		writeError(w, http.StatusConflict, "lesson has no content to deploy")
		return
	}

	s.queueAndRespond(w, r, jobs.EventRecreate, l.ID)
}

func (s *Server) queueAndRespond(w http.ResponseWriter, r *http.Request, event, lessonID string) {
	status, err := s.trigger(r.Context(), event, lessonID)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, queuedResponse{Queued: true, LessonID: lessonID, Event: event})
}

var errDebounced = errors.New("a run for this lesson was triggered moments ago")

// trigger debounces and enqueues an event. On failure it returns the HTTP
// status that describes it.
func (s *Server) trigger(ctx context.Context, event, lessonID string) (int, error) {
	allowed, err := s.debouncer.Allow(ctx, lessonID)
	if err != nil {
		// Fail open.
		s.logger.Warn("debounce check failed", "lesson_id", lessonID, "error", err)
		allowed = true
	}
	if !allowed {
		s.metrics.TriggerDebounced(event)
		return http.StatusTooManyRequests, errDebounced
	}

	err = s.queue.Enqueue(ctx, jobs.NewEvent(event, lessonID))
	s.metrics.JobEnqueued(event, err)
	if err != nil {
		s.logger.Error("enqueue failed", "event", event, "lesson_id", lessonID, "error", err)
		return http.StatusServiceUnavailable, errors.New("could not queue the lesson, try again shortly")
	}
	s.logger.Info("event queued", "event", event, "lesson_id", lessonID)
	return http.StatusAccepted, nil
}
