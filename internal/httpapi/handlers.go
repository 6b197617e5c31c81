package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"dutybot/internal/cache"
	"dutybot/internal/dispatch"
	"dutybot/internal/domain"
	"dutybot/internal/ledger"
	"dutybot/internal/recurrence"
	"dutybot/internal/reminder"
	"dutybot/internal/storage"
	"dutybot/internal/task/scheduler"
	logx "dutybot/pkg/logx"
)

// Dispatcher is the orchestrator surface the API uses.
type Dispatcher interface {
	Run(ctx context.Context) (dispatch.Summary, error)
	Runs(ctx context.Context, limit int) ([]domain.DispatchRunLog, error)
	PeriodAt(ctx context.Context, id string, at time.Time) (domain.Schedule, recurrence.Period, error)
	Preview(ctx context.Context, id string, at time.Time) (dispatch.Preview, error)
}

type Cache interface {
	Read(ctx context.Context, kind domain.CacheKind) (domain.CacheSnapshot, error)
	Sync(ctx context.Context, kind domain.CacheKind) (cache.Result, error)
	Invalidate(ctx context.Context, kind domain.CacheKind) error
}

type Ledger interface {
	MarkComplete(ctx context.Context, req ledger.MarkRequest) (domain.TaskCompletion, error)
	MarkIncomplete(ctx context.Context, completionID string) error
	List(ctx context.Context, scheduleID string) ([]domain.TaskCompletion, error)
}

const maxBody = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

type Handler struct {
	dispatch Dispatcher
	cache    Cache
	ledger   Ledger
	log      logx.Logger
	now      func() time.Time
}

type HandlerOption func(*Handler)

func WithClock(now func() time.Time) HandlerOption { return func(h *Handler) { h.now = now } }

func NewHandler(d Dispatcher, c Cache, l Ledger, log logx.Logger, opts ...HandlerOption) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Handler{dispatch: d, cache: c, ledger: l, log: log, now: time.Now}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) RunDispatch(w http.ResponseWriter, r *http.Request) {
	sum, err := h.dispatch.Run(r.Context())
	if err != nil {
		h.fail(w, r, "dispatch run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := listRunsQuery{Limit: 20}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit", err)
			return
		}
		q.Limit = n
	}
	if err := validate.Struct(q); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	runs, err := h.dispatch.Runs(r.Context(), q.Limit)
	if err != nil {
		h.fail(w, r, "list runs failed", err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) ReadCache(w http.ResponseWriter, r *http.Request) {
	kind, err := cache.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown cache kind", err)
		return
	}
	snap, err := h.cache.Read(r.Context(), kind)
	if errors.Is(err, cache.ErrNotBuilt) {
		writeJSON(w, http.StatusOK, CacheView{Kind: kind, Entries: []json.RawMessage{}})
		return
	}
	if err != nil {
		h.fail(w, r, "read cache failed", err)
		return
	}
	synced := snap.LastSyncedAt
	writeJSON(w, http.StatusOK, CacheView{
		Kind:        kind,
		Entries:     snap.Entries,
		CacheExists: true,
		LastSynced:  &synced,
		Count:       len(snap.Entries),
		Stale:       snap.Stale,
	})
}

// ListEmployees serves the employees snapshot decoded, so callers get
// assignment counts without parsing raw entries.
func (h *Handler) ListEmployees(w http.ResponseWriter, r *http.Request) {
	snap, err := h.cache.Read(r.Context(), domain.CacheEmployees)
	if errors.Is(err, cache.ErrNotBuilt) {
		writeJSON(w, http.StatusOK, EmployeesView{Employees: []domain.Employee{}})
		return
	}
	if err != nil {
		h.fail(w, r, "read employees failed", err)
		return
	}
	emps, err := cache.Employees(snap)
	if err != nil {
		h.fail(w, r, "decode employees failed", err)
		return
	}
	synced := snap.LastSyncedAt
	writeJSON(w, http.StatusOK, EmployeesView{
		Employees:   emps,
		CacheExists: true,
		LastSynced:  &synced,
		Stale:       snap.Stale,
	})
}

func (h *Handler) SyncCache(w http.ResponseWriter, r *http.Request) {
	kind, err := cache.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown cache kind", err)
		return
	}
	res, err := h.cache.Sync(r.Context(), kind)
	if err != nil {
		h.fail(w, r, "cache sync failed", err)
		return
	}
	writeJSON(w, http.StatusOK, SyncResponse{Kind: res.Kind, Count: res.Count, SyncedAt: res.SyncedAt})
}

func (h *Handler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	kind, err := cache.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown cache kind", err)
		return
	}
	if err := h.cache.Invalidate(r.Context(), kind); err != nil {
		h.fail(w, r, "cache invalidate failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetPeriod(w http.ResponseWriter, r *http.Request) {
	at, err := h.atParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid at", err)
		return
	}
	p, err := h.dispatch.Preview(r.Context(), chi.URLParam(r, "id"), at)
	if err != nil {
		h.fail(w, r, "period preview failed", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) CompleteCurrent(w http.ResponseWriter, r *http.Request) {
	var req CompleteCurrentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	at := h.now()
	if req.At != nil {
		at = *req.At
	}
	id := chi.URLParam(r, "id")
	_, period, err := h.dispatch.PeriodAt(r.Context(), id, at)
	if err != nil {
		h.fail(w, r, "resolve period failed", err)
		return
	}
	h.markComplete(w, r, ledger.MarkRequest{
		ScheduleID:  id,
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
		Actor:       req.CompletedBy.person(),
		Notes:       req.Notes,
	})
}

func (h *Handler) MarkComplete(w http.ResponseWriter, r *http.Request) {
	var req MarkCompleteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.markComplete(w, r, ledger.MarkRequest{
		ScheduleID:  req.ScheduleID,
		PeriodStart: req.PeriodStart,
		PeriodEnd:   req.PeriodEnd,
		Actor:       req.CompletedBy.person(),
		Notes:       req.Notes,
	})
}

func (h *Handler) markComplete(w http.ResponseWriter, r *http.Request, req ledger.MarkRequest) {
	c, err := h.ledger.MarkComplete(r.Context(), req)
	if err != nil {
		h.fail(w, r, "mark complete failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) MarkIncomplete(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.MarkIncomplete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, "mark incomplete failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListCompletions(w http.ResponseWriter, r *http.Request) {
	list, err := h.ledger.List(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "list completions failed", err)
		return
	}
	if list == nil {
		list = []domain.TaskCompletion{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) atParam(r *http.Request) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("at"))
	if raw == "" {
		return h.now(), nil
	}
	return time.Parse(time.RFC3339, raw)
}

// fail maps err to a status; unexpected errors are logged, domain errors are not.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(msg, logx.String("path", r.URL.Path), logx.Err(err))
	}
	writeError(w, status, msg, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrScheduleNotFound),
		errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrAlreadyCompleted),
		errors.Is(err, scheduler.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInvalidPeriod),
		errors.Is(err, recurrence.ErrInvalidRule),
		errors.Is(err, reminder.ErrInvalidRule),
		errors.Is(err, cache.ErrUnknownKind):
		return http.StatusBadRequest
	case errors.Is(err, cache.ErrSyncFailed),
		errors.Is(err, dispatch.ErrNoSnapshot):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// decodeBody strictly decodes and validates a JSON body, writing 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty body")
		}
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation failed", validationDetails(err))
		return false
	}
	return true
}

func validationDetails(err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err
	}
	parts := make([]string, 0, len(ve))
	for _, fe := range ve {
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
	}
	return errors.New(strings.Join(parts, "; "))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
