// Package control implements the admin HTTP surface of the device: manual
// wake, local commands, exiting an interaction, spoken announcements and a
// status report.
//
//	POST /v1/wake            simulate a wake-word detection
//	POST /v1/commands/{id}   run a local command (numeric id or name)
//	POST /v1/exit            end the current interaction
//	POST /v1/say             speak {"text": "..."} through cloud TTS
//	GET  /v1/status          orchestrator, device and recent turns
//
// Every trigger is posted to the orchestrator exactly like its on-device
// counterpart; the handlers never touch dialog state themselves.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/fawn/internal/command"
	"github.com/MrWong99/fawn/internal/devicestate"
	"github.com/MrWong99/fawn/internal/journal"
	"github.com/MrWong99/fawn/internal/orchestrator"
)

const (
	// commandSource labels commands triggered through this API.
	commandSource = "api"

	defaultRecent = 10
	maxRecent     = 100
	maxSayBytes   = 4 << 10
)

// Controller is the orchestrator surface the API drives.
type Controller interface {
	Wake(ctx context.Context) error
	Command(ctx context.Context, id command.ID, source string) error
	Exit(ctx context.Context) error
	Say(ctx context.Context, text string) error
	Snapshot() orchestrator.Snapshot
}

var _ Controller = (*orchestrator.Orchestrator)(nil)

// Option configures a [Server].
type Option func(*Server)

// WithDevice reports the device status machine in /v1/status.
func WithDevice(m *devicestate.Machine) Option {
	return func(s *Server) { s.device = m }
}

// WithJournal reports recent turns in /v1/status.
func WithJournal(j journal.Store) Option {
	return func(s *Server) { s.journal = j }
}

// Server serves the admin API.
type Server struct {
	ctl     Controller
	device  *devicestate.Machine
	journal journal.Store
	started time.Time
}

// New returns a Server driving ctl.
func New(ctl Controller, opts ...Option) *Server {
	s := &Server{ctl: ctl, started: time.Now()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/wake", s.handleWake)
	mux.HandleFunc("POST /v1/commands/{id}", s.handleCommand)
	mux.HandleFunc("POST /v1/exit", s.handleExit)
	mux.HandleFunc("POST /v1/say", s.handleSay)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
}

// Handler returns a mux serving only the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

// ── Triggers ──────────────────────────────────────────────────────────────────

type acceptedResponse struct {
	Accepted string `json:"accepted"`
	Command  *int   `json:"command,omitempty"`
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.Wake(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{Accepted: "wake"})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	id, err := command.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.ctl.Command(r.Context(), id, commandSource); err != nil {
		writeError(w, err)
		return
	}
	n := int(id)
	writeJSON(w, http.StatusAccepted, acceptedResponse{Accepted: id.String(), Command: &n})
}

func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.Exit(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{Accepted: "exit"})
}

type sayRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSay(w http.ResponseWriter, r *http.Request) {
	var req sayRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxSayBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}
	if err := s.ctl.Say(r.Context(), req.Text); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{Accepted: "say"})
}

// writeError maps orchestrator errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, orchestrator.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, orchestrator.ErrNoSpeaker):
		status = http.StatusNotImplemented
	case errors.Is(err, orchestrator.ErrStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		slog.Warn("control: request failed", "err", err)
	}
	http.Error(w, err.Error(), status)
}

// ── Status ────────────────────────────────────────────────────────────────────

type statusResponse struct {
	State         string       `json:"state"`
	DialogEnabled bool         `json:"dialog_enabled"`
	Epoch         uint64       `json:"epoch"`
	FramesSeen    int64        `json:"frames_seen"`
	FramesDropped int64        `json:"frames_dropped"`
	Session       *sessionView `json:"session,omitempty"`
	Device        *deviceView  `json:"device,omitempty"`
	RecentTurns   []turnView   `json:"recent_turns,omitempty"`
	Uptime        string       `json:"uptime"`
}

type sessionView struct {
	ID           string    `json:"id,omitempty"`
	Mode         string    `json:"mode"`
	Started      time.Time `json:"started"`
	LastActivity time.Time `json:"last_activity"`
	TurnBusy     bool      `json:"turn_busy"`
}

type deviceView struct {
	State devicestate.State `json:"state"`
	Since time.Time         `json:"since"`
}

type turnView struct {
	TurnID       string    `json:"turn_id"`
	SessionID    string    `json:"session_id,omitempty"`
	Transport    string    `json:"transport"`
	Status       string    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	Transcript   string    `json:"transcript,omitempty"`
	SpeechMs     int       `json:"speech_ms"`
	ReplyBytes   int       `json:"reply_bytes"`
	FirstAudioMs int64     `json:"first_audio_ms"`
	DurationMs   int64     `json:"duration_ms"`
	StartedAt    time.Time `json:"started_at"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.ctl.Snapshot()
	resp := statusResponse{
		State:         snap.State.String(),
		DialogEnabled: snap.DialogEnabled,
		Epoch:         snap.Epoch,
		FramesSeen:    snap.FramesSeen,
		FramesDropped: snap.FramesDropped,
		Uptime:        time.Since(s.started).Round(time.Second).String(),
	}
	if sess := snap.Session; sess != nil {
		resp.Session = &sessionView{
			ID:           sess.ID,
			Mode:         string(sess.Mode),
			Started:      sess.Started,
			LastActivity: sess.LastActivity,
			TurnBusy:     sess.TurnBusy,
		}
	}
	if s.device != nil {
		resp.Device = &deviceView{State: s.device.State(), Since: s.device.Since()}
	}
	if s.journal != nil {
		entries, err := s.journal.Recent(r.Context(), recentLimit(r))
		if err != nil {
			slog.Warn("control: journal unavailable", "err", err)
		}
		for _, e := range entries {
			resp.RecentTurns = append(resp.RecentTurns, turnView{
				TurnID:       e.TurnID,
				SessionID:    e.SessionID,
				Transport:    e.Transport,
				Status:       string(e.Status),
				Reason:       e.Reason,
				Transcript:   e.Transcript,
				SpeechMs:     e.SpeechMs,
				ReplyBytes:   e.ReplyBytes,
				FirstAudioMs: e.FirstAudio.Milliseconds(),
				DurationMs:   e.Duration.Milliseconds(),
				StartedAt:    e.StartedAt,
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// recentLimit reads the ?turns= query parameter.
func recentLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("turns"))
	if err != nil || n <= 0 {
		return defaultRecent
	}
	return min(n, maxRecent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("control: write response", "err", err)
	}
}
