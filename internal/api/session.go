package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"originlock/internal/model"
)

const (
	sessionSendBuffer = 64
	sessionWriteWait  = 5 * time.Second
)

// Sessions are used by non-browser agents; the Origin header carries no
// meaning for them.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// sessionFrame is sent by the client.
type sessionFrame struct {
	Op      string   `json:"op"` // acquire | release
	ReqID   string   `json:"req_id"`
	Origin  string   `json:"origin,omitempty"`
	Scopes  []string `json:"scopes,omitempty"`
	Mode    string   `json:"mode,omitempty"`
	Wait    bool     `json:"wait,omitempty"`
	TTLMS   int64    `json:"ttl_ms,omitempty"`
	LeaseID string   `json:"lease_id,omitempty"`
}

// sessionReply is sent by the server.
type sessionReply struct {
	Type          string  `json:"type"` // granted | rejected | released | error
	ReqID         string  `json:"req_id,omitempty"`
	Origin        string  `json:"origin,omitempty"`
	LeaseID       string  `json:"lease_id,omitempty"`
	LockID        int64   `json:"lock_id,omitempty"`
	LeaseExpiryMS int64   `json:"lease_expiry_ms,omitempty"`
	Reason        string  `json:"reason,omitempty"`
	Blockers      []int64 `json:"blockers,omitempty"`
	Error         string  `json:"error,omitempty"`
}

type session struct {
	srv   *Server
	owner string
	ctx   context.Context
	out   chan sessionReply
	wg    sync.WaitGroup
}

// handleSession owns every lease acquired over the socket. Waiting acquires
// run concurrently, so grants may arrive in any order; when the socket
// closes, pending requests are withdrawn and all leases are released in one
// batch.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		srv:   s,
		owner: "ws-" + uuid.NewString(),
		ctx:   ctx,
		out:   make(chan sessionReply, sessionSendBuffer),
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.SessionsActive.Inc()
		defer s.opts.Metrics.SessionsActive.Dec()
	}
	s.opts.Logger.Info(map[string]interface{}{
		"op":     "session_open",
		"owner":  sess.owner,
		"req_id": RequestID(r.Context()),
		"remote": r.RemoteAddr,
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		sess.writeLoop(ws)
	}()

	for {
		var f sessionFrame
		if err := ws.ReadJSON(&f); err != nil {
			break
		}
		sess.dispatch(f)
	}

	cancel()
	sess.wg.Wait()
	<-writerDone

	n, err := s.svc.ReleaseOwner(context.Background(), sess.owner)
	fields := map[string]interface{}{
		"op":       "session_close",
		"owner":    sess.owner,
		"released": n,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	s.opts.Logger.Info(fields)
}

func (sess *session) writeLoop(ws *websocket.Conn) {
	for {
		select {
		case msg := <-sess.out:
			_ = ws.SetWriteDeadline(time.Now().Add(sessionWriteWait))
			if err := ws.WriteJSON(msg); err != nil {
				return
			}
		case <-sess.ctx.Done():
			return
		}
	}
}

func (sess *session) send(msg sessionReply) {
	select {
	case sess.out <- msg:
	case <-sess.ctx.Done():
	}
}

func (sess *session) dispatch(f sessionFrame) {
	switch f.Op {
	case "acquire":
		req, err := acquireReq{
			Origin:  f.Origin,
			Scopes:  f.Scopes,
			Mode:    f.Mode,
			Wait:    f.Wait,
			OwnerID: sess.owner,
			TTLMS:   f.TTLMS,
		}.toModel()
		if err != nil {
			sess.send(sessionReply{Type: "error", ReqID: f.ReqID, Error: err.Error()})
			return
		}
		sess.wg.Add(1)
		go func() {
			defer sess.wg.Done()
			sess.acquire(f.ReqID, req)
		}()
	case "release":
		res, err := sess.srv.svc.Release(sess.ctx, model.ReleaseRequest{LeaseID: f.LeaseID, OwnerID: sess.owner})
		if err != nil {
			sess.send(sessionReply{Type: "error", ReqID: f.ReqID, Error: err.Error()})
			return
		}
		if !res.Released {
			sess.send(sessionReply{Type: "error", ReqID: f.ReqID, LeaseID: f.LeaseID, Reason: res.Reason})
			return
		}
		sess.send(sessionReply{Type: "released", ReqID: f.ReqID, LeaseID: f.LeaseID})
	default:
		sess.send(sessionReply{Type: "error", ReqID: f.ReqID, Error: "unknown op " + f.Op})
	}
}

func (sess *session) acquire(reqID string, req model.AcquireRequest) {
	res, err := sess.srv.svc.Acquire(sess.ctx, req)
	switch {
	case err == nil && res.Acquired:
		sess.send(sessionReply{
			Type:          "granted",
			ReqID:         reqID,
			Origin:        res.Origin,
			LeaseID:       res.LeaseID,
			LockID:        res.LockID,
			LeaseExpiryMS: unixMS(res.LeaseExpiry),
		})
	case err == nil:
		sess.send(sessionReply{
			Type:     "rejected",
			ReqID:    reqID,
			Origin:   res.Origin,
			Reason:   res.Reason,
			Blockers: res.Blockers,
		})
	case errors.Is(err, context.Canceled):
		// session closed while waiting
	default:
		sess.send(sessionReply{Type: "error", ReqID: reqID, Error: err.Error()})
	}
}
