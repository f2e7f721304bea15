package server

import (
	"crypto/subtle"
	"errors"
	"html"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/jpalmerr/pipewatch/internal/poller"
	"github.com/jpalmerr/pipewatch/internal/store"
)

const (
	healthOK       = "ok"
	healthDegraded = "degraded"
)

type refreshResponse struct {
	Message   string              `json:"message"`
	Data      []store.SourceState `json:"data"`
	Timestamp string              `json:"timestamp"`
}

type cronResponse struct {
	Message   string              `json:"message"`
	Results   []store.SourceState `json:"results"`
	Timestamp string              `json:"timestamp"`
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

// handleRefresh runs a cycle for the dashboard's refresh button.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	states, err := s.trigger(r)
	if err != nil {
		s.writeTriggerError(w, "Error refreshing workflow runs", err)
		return
	}
	s.writeJSON(w, http.StatusOK, refreshResponse{
		Message:   "Data refreshed successfully",
		Data:      states,
		Timestamp: s.timestamp(),
	})
}

// handleCron runs a cycle for an external scheduler holding the cron secret.
func (s *Server) handleCron(w http.ResponseWriter, r *http.Request) {
	if !s.authorizedCron(r) {
		s.logger.Warn("unauthorized cron trigger", "remote_addr", r.RemoteAddr)
		s.writeJSON(w, http.StatusUnauthorized, errorBody{Message: "Unauthorized"})
		return
	}

	states, err := s.trigger(r)
	if err != nil {
		s.writeTriggerError(w, "Error fetching GitHub data", err)
		return
	}
	s.writeJSON(w, http.StatusOK, cronResponse{
		Message:   "GitHub data fetch completed",
		Results:   states,
		Timestamp: s.timestamp(),
	})
}

// handleLegacyUpdate runs a cycle and returns the bare state array.
func (s *Server) handleLegacyUpdate(w http.ResponseWriter, r *http.Request) {
	states, err := s.trigger(r)
	if err != nil {
		s.writeTriggerError(w, "Error updating workflow runs", err)
		return
	}
	s.writeJSON(w, http.StatusOK, states)
}

func (s *Server) trigger(r *http.Request) ([]store.SourceState, error) {
	results, err := s.deps.Trigger.TriggerNow(r.Context())
	if err != nil {
		return nil, err
	}
	states := poller.States(results)
	if states == nil {
		states = []store.SourceState{}
	}
	return states, nil
}

func (s *Server) writeTriggerError(w http.ResponseWriter, message string, err error) {
	if errors.Is(err, poller.ErrNoSources) {
		s.writeError(w, http.StatusBadRequest, "No repositories configured", nil)
		return
	}
	if errors.Is(err, poller.ErrStopped) {
		s.writeError(w, http.StatusServiceUnavailable, "Shutting down", nil)
		return
	}
	s.logger.Error("sync cycle failed", "error", err)
	s.writeError(w, http.StatusInternalServerError, message, err)
}

func (s *Server) authorizedCron(r *http.Request) bool {
	if s.cfg.CronSecret == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.CronSecret)) == 1
}

// handleWorkflowRuns returns the stored state of every source.
func (s *Server) handleWorkflowRuns(w http.ResponseWriter, r *http.Request) {
	noStore(w)

	states, err := s.deps.States.ListStates(r.Context())
	if err != nil {
		s.logger.Error("failed to list states", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Error fetching workflow runs", err)
		return
	}
	if states == nil {
		states = []store.SourceState{}
	}
	s.writeJSON(w, http.StatusOK, states)
}

// handleOngoingRuns returns queued and in-progress runs across all sources.
func (s *Server) handleOngoingRuns(w http.ResponseWriter, r *http.Request) {
	noStore(w)

	states, err := s.deps.States.ListStates(r.Context())
	if err != nil {
		s.logger.Error("failed to list states", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Error fetching ongoing runs", err)
		return
	}
	s.writeJSON(w, http.StatusOK, store.ActiveRuns(states))
}

// handleHealth reports store reachability and whether an upstream
// credential is configured. Any failing check degrades the status to 207.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    healthOK,
		Timestamp: s.timestamp(),
		Services: map[string]string{
			"store":  "ok",
			"github": "configured",
		},
	}

	if err := s.deps.States.Ping(r.Context()); err != nil {
		s.logger.Warn("store health check failed", "error", err)
		resp.Services["store"] = "error"
		resp.Status = healthDegraded
	}
	if !s.cfg.CredentialConfigured {
		resp.Services["github"] = "missing"
		resp.Status = healthDegraded
	}

	status := http.StatusOK
	if resp.Status == healthDegraded {
		status = http.StatusMultiStatus
	}
	s.writeJSON(w, status, resp)
}

// handleDashboard serves the main dashboard page.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if s.cfg.Assets == nil {
		http.Error(w, "Dashboard not found", http.StatusInternalServerError)
		return
	}

	content, err := fs.ReadFile(s.cfg.Assets, "assets/index.html")
	if err != nil {
		http.Error(w, "Dashboard not found", http.StatusInternalServerError)
		return
	}

	// escape the title; it lands inside HTML
	title := s.cfg.Title
	if title == "" {
		title = defaultTitle
	}
	rendered := strings.ReplaceAll(string(content), titlePlaceholder, html.EscapeString(title))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err = w.Write([]byte(rendered)); err != nil {
		s.logger.Error("failed to write dashboard response", "error", err)
	}
}

// handleSSE streams change events via Server-Sent Events.
//
// Frames arrive pre-encoded from the subscriber queue: the connected comment
// first, then data frames and keep-alives. Every write carries a deadline so
// that a stalled client cannot pin the handler past shutdown.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	rc := http.NewResponseController(w)

	// some ResponseWriter implementations do not support deadlines
	deadlinesSupported := true

	writeAndFlush := func(frame []byte) error {
		if deadlinesSupported {
			if err := rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout)); err != nil {
				s.logger.Debug("sse write deadlines not supported", "error", err)
				deadlinesSupported = false
			}
		}
		if _, err := w.Write(frame); err != nil {
			return err
		}
		return rc.Flush()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	sub := s.deps.Hub.Subscribe()
	defer s.deps.Hub.Unsubscribe(sub)

	frames := sub.Frames()
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if err := writeAndFlush(frame); err != nil {
				s.logger.Debug("sse write failed", "subscriber_id", sub.ID(), "error", err)
				return
			}

		case <-r.Context().Done():
			// fires on both client disconnect and server shutdown
			return
		}
	}
}
