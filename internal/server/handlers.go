package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/neboloop/nebochat/internal/agent/runner"
	"github.com/neboloop/nebochat/internal/agent/session"
	"github.com/neboloop/nebochat/internal/httputil"
	"github.com/neboloop/nebochat/internal/logging"
	"github.com/neboloop/nebochat/internal/markdown"
)

type createConversationRequest struct {
	Title string `json:"title"`
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

// sendMessageResponse carries the finalized assistant message. Error is set
// when generation failed; the message then holds the failure text.
type sendMessageResponse struct {
	Message session.Message `json:"message"`
	Error   string          `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.OkJSON(w, map[string]any{
		"status":       "ok",
		"provider":     s.deps.Backend.Name(),
		"availability": s.deps.Backend.Availability(r.Context()),
		"open":         s.hub.Len(),
		"events":       s.subject.Delivered(),
	})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	infos, err := s.deps.Store.List(r.Context())
	if err != nil {
		logging.Errorf("[server] list conversations: %v", err)
		httputil.InternalError(w, "failed to list conversations")
		return
	}
	if infos == nil {
		infos = []session.Info{}
	}
	if limit := httputil.QueryInt(r, "limit", 0); limit > 0 && len(infos) > limit {
		infos = infos[:limit]
	}
	httputil.OkJSON(w, infos)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	conv, err := s.hub.Create(r.Context(), strings.TrimSpace(req.Title))
	if err != nil {
		logging.Errorf("[server] create conversation: %v", err)
		httputil.InternalError(w, "failed to create conversation")
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, conv)
}

// handleGetConversation reads from the store rather than the live runner,
// so a response in flight is shown as last persisted.
func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := httputil.PathVar(r, "id")
	conv, err := s.deps.Store.Load(r.Context(), id)
	if err != nil {
		s.storeError(w, err, "load conversation")
		return
	}
	conv.Messages = conv.Ordered()

	if httputil.QueryString(r, "format", "json") == "html" {
		page, err := markdown.Transcript(conv)
		if err != nil {
			logging.Errorf("[server] render %s: %v", id, err)
			httputil.InternalError(w, "failed to render conversation")
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(page))
		return
	}
	httputil.OkJSON(w, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	err := s.hub.Delete(r.Context(), httputil.PathVar(r, "id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, runner.ErrClosed):
		httputil.NotFound(w, "conversation not found")
	case errors.Is(err, runner.ErrBusy):
		httputil.Conflict(w, "a response is in progress")
	default:
		s.storeError(w, err, "delete conversation")
	}
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	rn, err := s.hub.Open(r.Context(), httputil.PathVar(r, "id"))
	if err != nil {
		s.storeError(w, err, "open conversation")
		return
	}

	reply, err := rn.Send(r.Context(), req.Text)
	if reply == nil {
		s.sendError(w, err)
		return
	}

	resp := sendMessageResponse{Message: reply.Clone()}
	if err != nil {
		resp.Error = err.Error()
	}
	httputil.OkJSON(w, resp)
}

func (s *Server) handleRefreshSummary(w http.ResponseWriter, r *http.Request) {
	rn, err := s.hub.Open(r.Context(), httputil.PathVar(r, "id"))
	if err != nil {
		s.storeError(w, err, "open conversation")
		return
	}
	summary, err := rn.RefreshSummary(r.Context())
	if err != nil {
		s.sendError(w, err)
		return
	}
	httputil.OkJSON(w, map[string]string{"summary": summary})
}

// sendError maps Runner.Send failures that produced no message
func (s *Server) sendError(w http.ResponseWriter, err error) {
	var unavailable *runner.UnavailableError
	switch {
	case errors.Is(err, runner.ErrEmptyMessage):
		httputil.Error(w, err)
	case errors.Is(err, runner.ErrClosed):
		httputil.NotFound(w, "conversation not found")
	case errors.Is(err, runner.ErrBusy):
		httputil.Conflict(w, "a response is already in progress")
	case errors.As(err, &unavailable):
		httputil.Unavailable(w, string(unavailable.Availability.Reason), unavailable.Error())
	default:
		logging.Errorf("[server] send failed: %v", err)
		httputil.InternalError(w, err.Error())
	}
}

func (s *Server) storeError(w http.ResponseWriter, err error, op string) {
	if isNotFound(err) {
		httputil.NotFound(w, "conversation not found")
		return
	}
	logging.Errorf("[server] %s: %v", op, err)
	httputil.InternalError(w, "storage error")
}
