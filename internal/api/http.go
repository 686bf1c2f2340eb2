package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"originlock/internal/model"
	"originlock/internal/obs"
	"originlock/internal/origin"
	"originlock/internal/storage"
)

// HistoryReader serves journaled events for an origin.
type HistoryReader interface {
	History(ctx context.Context, origin string, limit int) ([]storage.Entry, error)
}

type Options struct {
	History HistoryReader // nil disables /v1/origins/events
	Logger  *obs.Logger
	Metrics *obs.Metrics
	MaxWait time.Duration // cap on wait_timeout_ms
}

type Server struct {
	svc  *model.Service
	opts Options
	mux  *http.ServeMux
}

type contextKey string

const requestIDKey contextKey = "req_id"

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id assigned by the request id middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func NewServer(svc *model.Service, opts Options) *Server {
	if opts.MaxWait <= 0 {
		opts.MaxWait = 30 * time.Second
	}
	s := &Server{svc: svc, opts: opts, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return withRequestID(s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.mux.HandleFunc("POST /v1/locks/acquire", s.handleAcquire)
	s.mux.HandleFunc("POST /v1/leases/{lease_id}/renew", s.handleRenew)
	s.mux.HandleFunc("POST /v1/leases/{lease_id}/release", s.handleRelease)
	s.mux.HandleFunc("GET /v1/origins/state", s.handleState)
	s.mux.HandleFunc("GET /v1/origins/events", s.handleEvents)
	s.mux.HandleFunc("GET /v1/session", s.handleSession)
}

// --- Handlers ---

type acquireReq struct {
	Origin        string   `json:"origin"`
	Scopes        []string `json:"scopes"`
	Mode          string   `json:"mode"`
	Wait          bool     `json:"wait"`
	OwnerID       string   `json:"owner_id"`
	TTLMS         int64    `json:"ttl_ms"`
	WaitTimeoutMS int64    `json:"wait_timeout_ms"`
}

type acquireResp struct {
	Acquired         bool    `json:"acquired"`
	Origin           string  `json:"origin,omitempty"`
	LeaseID          string  `json:"lease_id,omitempty"`
	LockID           int64   `json:"lock_id,omitempty"`
	LeaseExpiryMS    int64   `json:"lease_expiry_ms,omitempty"`
	Reason           string  `json:"reason,omitempty"`
	Blockers         []int64 `json:"blockers,omitempty"`
	RecommendedRetry int64   `json:"recommended_retry_ms,omitempty"`
}

func toAcquireResp(res model.AcquireResult) acquireResp {
	return acquireResp{
		Acquired:         res.Acquired,
		Origin:           res.Origin,
		LeaseID:          res.LeaseID,
		LockID:           res.LockID,
		LeaseExpiryMS:    unixMS(res.LeaseExpiry),
		Reason:           res.Reason,
		Blockers:         res.Blockers,
		RecommendedRetry: res.RetryAfter.Milliseconds(),
	}
}

func (r acquireReq) toModel() (model.AcquireRequest, error) {
	mode, err := model.ParseMode(r.Mode)
	if err != nil {
		return model.AcquireRequest{}, err
	}
	if r.TTLMS < 0 {
		return model.AcquireRequest{}, errors.New("ttl_ms must be >= 0")
	}
	wait := model.NoWait
	if r.Wait {
		wait = model.Wait
	}
	return model.AcquireRequest{
		Origin:  r.Origin,
		Scopes:  r.Scopes,
		Mode:    mode,
		Wait:    wait,
		OwnerID: r.OwnerID,
		TTL:     time.Duration(r.TTLMS) * time.Millisecond,
	}, nil
}

// waitWindow bounds how long a waiting acquire may block.
func (s *Server) waitWindow(ms int64) time.Duration {
	d := time.Duration(ms) * time.Millisecond
	if d <= 0 || d > s.opts.MaxWait {
		return s.opts.MaxWait
	}
	return d
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req acquireReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	mreq, err := req.toModel()
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	if mreq.Wait == model.Wait {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.waitWindow(req.WaitTimeoutMS))
		defer cancel()
	}

	res, err := s.svc.Acquire(ctx, mreq)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) && res.Reason == model.ReasonWaitTimeout:
		writeJSON(w, http.StatusConflict, toAcquireResp(res))
		return
	case errors.Is(err, model.ErrRequestCanceled):
		writeJSON(w, http.StatusConflict, toAcquireResp(res))
		return
	default:
		s.writeServiceErr(w, r, "acquire", err)
		return
	}

	if res.Acquired {
		writeJSON(w, http.StatusOK, toAcquireResp(res))
		return
	}
	writeJSON(w, http.StatusConflict, toAcquireResp(res))
}

type renewReq struct {
	OwnerID    string `json:"owner_id"`
	ExtendByMS int64  `json:"extend_by_ms"`
}

type renewResp struct {
	Renewed       bool   `json:"renewed"`
	LeaseExpiryMS int64  `json:"lease_expiry_ms,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	var req renewReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.svc.Renew(r.Context(), model.RenewRequest{
		LeaseID:  r.PathValue("lease_id"),
		OwnerID:  req.OwnerID,
		ExtendBy: time.Duration(req.ExtendByMS) * time.Millisecond,
	})
	if err != nil {
		s.writeServiceErr(w, r, "renew", err)
		return
	}

	out := renewResp{Renewed: res.Renewed, Reason: res.Reason}
	if res.Renewed {
		out.LeaseExpiryMS = unixMS(res.LeaseExpiry)
		writeJSON(w, http.StatusOK, out)
		return
	}
	writeJSON(w, http.StatusConflict, out)
}

type releaseReq struct {
	OwnerID string `json:"owner_id"`
}

type releaseResp struct {
	Released bool   `json:"released"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.svc.Release(r.Context(), model.ReleaseRequest{
		LeaseID: r.PathValue("lease_id"),
		OwnerID: req.OwnerID,
	})
	if err != nil {
		s.writeServiceErr(w, r, "release", err)
		return
	}

	writeJSON(w, http.StatusOK, releaseResp{Released: res.Released, Reason: res.Reason}) // idempotent
}

type recordView struct {
	LockID        int64    `json:"lock_id"`
	Scopes        []string `json:"scopes"`
	Mode          string   `json:"mode"`
	LeaseID       string   `json:"lease_id,omitempty"`
	OwnerID       string   `json:"owner_id,omitempty"`
	LeaseExpiryMS int64    `json:"lease_expiry_ms,omitempty"`
}

type stateResp struct {
	Origin    string       `json:"origin"`
	Opaque    bool         `json:"opaque"`
	Held      []recordView `json:"held"`
	Requested []recordView `json:"requested"`
}

func toRecordViews(in []model.LeaseView) []recordView {
	out := make([]recordView, 0, len(in))
	for _, v := range in {
		out = append(out, recordView{
			LockID:        v.ID,
			Scopes:        v.Scope,
			Mode:          v.Mode.String(),
			LeaseID:       v.LeaseID,
			OwnerID:       v.OwnerID,
			LeaseExpiryMS: unixMS(v.LeaseExpiry),
		})
	}
	return out
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("origin")
	if raw == "" {
		writeErr(w, http.StatusBadRequest, "origin required")
		return
	}
	st, err := s.svc.State(r.Context(), raw)
	if err != nil {
		s.writeServiceErr(w, r, "state", err)
		return
	}
	writeJSON(w, http.StatusOK, stateResp{
		Origin:    st.Origin,
		Opaque:    st.Opaque,
		Held:      toRecordViews(st.Held),
		Requested: toRecordViews(st.Requested),
	})
}

type eventView struct {
	Seq     int64    `json:"seq"`
	Kind    string   `json:"kind"`
	LockID  int64    `json:"lock_id"`
	Mode    string   `json:"mode"`
	Scopes  []string `json:"scopes"`
	LeaseID string   `json:"lease_id,omitempty"`
	OwnerID string   `json:"owner_id,omitempty"`
	AtMS    int64    `json:"at_ms"`
}

type eventsResp struct {
	Origin string      `json:"origin"`
	Events []eventView `json:"events"`
}

// handleEvents accepts any origin spelling for tuple origins. Opaque
// origins can only be looked up by the "null#<token>" form found in logs.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeErr(w, http.StatusNotFound, "journal disabled")
		return
	}
	raw := r.URL.Query().Get("origin")
	if raw == "" {
		writeErr(w, http.StatusBadRequest, "origin required")
		return
	}
	key := raw
	if !strings.HasPrefix(raw, "null#") {
		o, err := origin.Create(raw)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		if !o.IsOpaque() {
			key = o.String()
		}
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeErr(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := s.opts.History.History(r.Context(), key, limit)
	if err != nil {
		s.writeServiceErr(w, r, "events", err)
		return
	}
	out := eventsResp{Origin: key, Events: make([]eventView, 0, len(entries))}
	for _, e := range entries {
		out.Events = append(out.Events, eventView{
			Seq:     e.Seq,
			Kind:    e.Kind,
			LockID:  e.LockID,
			Mode:    e.Mode,
			Scopes:  e.Scopes,
			LeaseID: e.LeaseID,
			OwnerID: e.OwnerID,
			AtMS:    e.At.UnixMilli(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// --- helpers ---

func (s *Server) writeServiceErr(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidRequest), errors.Is(err, model.ErrInvalidOrigin):
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, model.ErrServiceClosed):
		writeErr(w, http.StatusServiceUnavailable, err.Error())
		return
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		// client went away
		return
	}
	s.opts.Logger.Error(map[string]interface{}{
		"op":     op,
		"req_id": RequestID(r.Context()),
		"error":  err.Error(),
	})
	writeErr(w, http.StatusInternalServerError, err.Error())
}

func unixMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func readJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errors.New("missing body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
