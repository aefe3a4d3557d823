package control_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/fawn/internal/command"
	"github.com/MrWong99/fawn/internal/control"
	"github.com/MrWong99/fawn/internal/devicestate"
	"github.com/MrWong99/fawn/internal/journal"
	"github.com/MrWong99/fawn/internal/orchestrator"
	"github.com/MrWong99/fawn/pkg/transport"
)

type commandCall struct {
	id     command.ID
	source string
}

type fakeController struct {
	mu       sync.Mutex
	wakes    int
	exits    int
	commands []commandCall
	said     []string
	err      error
	snap     orchestrator.Snapshot
}

func (f *fakeController) Wake(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wakes++
	return f.err
}

func (f *fakeController) Command(_ context.Context, id command.ID, source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, commandCall{id, source})
	return f.err
}

func (f *fakeController) Exit(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exits++
	return f.err
}

func (f *fakeController) Say(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.said = append(f.said, text)
	return f.err
}

func (f *fakeController) Snapshot() orchestrator.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func newServer(t *testing.T, ctl control.Controller, opts ...control.Option) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(control.New(ctl, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestTriggers(t *testing.T) {
	t.Parallel()

	ctl := &fakeController{}
	srv := newServer(t, ctl)

	if resp := do(t, srv, http.MethodPost, "/v1/wake", ""); resp.StatusCode != http.StatusAccepted {
		t.Errorf("wake status = %d", resp.StatusCode)
	}
	if resp := do(t, srv, http.MethodPost, "/v1/exit", ""); resp.StatusCode != http.StatusAccepted {
		t.Errorf("exit status = %d", resp.StatusCode)
	}
	if resp := do(t, srv, http.MethodGet, "/v1/wake", ""); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET wake status = %d, want 405", resp.StatusCode)
	}

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if ctl.wakes != 1 || ctl.exits != 1 {
		t.Errorf("wakes=%d exits=%d", ctl.wakes, ctl.exits)
	}
}

func TestCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path       string
		wantStatus int
		wantID     command.ID
	}{
		{path: "/v1/commands/0", wantStatus: http.StatusAccepted, wantID: command.LightsOn},
		{path: "/v1/commands/tail_swing", wantStatus: http.StatusAccepted, wantID: command.TailSwing},
		{path: "/v1/commands/7", wantStatus: http.StatusBadRequest},
		{path: "/v1/commands/dance", wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()

			ctl := &fakeController{}
			resp := do(t, newServer(t, ctl), http.MethodPost, tt.path, "")
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			ctl.mu.Lock()
			defer ctl.mu.Unlock()
			if tt.wantStatus != http.StatusAccepted {
				if len(ctl.commands) != 0 {
					t.Errorf("invalid command forwarded: %v", ctl.commands)
				}
				return
			}
			if len(ctl.commands) != 1 || ctl.commands[0] != (commandCall{tt.wantID, "api"}) {
				t.Errorf("commands = %v", ctl.commands)
			}
		})
	}
}

func TestSay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{name: "ok", body: `{"text":"dinner is ready"}`, wantStatus: http.StatusAccepted},
		{name: "empty", body: `{"text":""}`, wantStatus: http.StatusBadRequest},
		{name: "malformed", body: `{"text":`, wantStatus: http.StatusBadRequest},
		{name: "busy", body: `{"text":"hi"}`, err: orchestrator.ErrBusy, wantStatus: http.StatusConflict},
		{name: "no speaker", body: `{"text":"hi"}`, err: orchestrator.ErrNoSpeaker, wantStatus: http.StatusNotImplemented},
		{name: "stopped", body: `{"text":"hi"}`, err: orchestrator.ErrStopped, wantStatus: http.StatusServiceUnavailable},
		{name: "other", body: `{"text":"hi"}`, err: errors.New("boom"), wantStatus: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctl := &fakeController{err: tt.err}
			resp := do(t, newServer(t, ctl), http.MethodPost, "/v1/say", tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()

	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ctl := &fakeController{snap: orchestrator.Snapshot{
		State:         orchestrator.StateDialog,
		DialogEnabled: true,
		Epoch:         3,
		FramesSeen:    120,
		FramesDropped: 2,
		Session: &orchestrator.Session{
			ID:       "abc123",
			Mode:     transport.ModeStreaming,
			Started:  started,
			TurnBusy: true,
		},
	}}

	dev := devicestate.New()
	dev.Transition(devicestate.Starting)
	dev.Transition(devicestate.Idle)
	dev.Transition(devicestate.Listening)

	store := journal.NewMemoryStore(8)
	for i, id := range []string{"t1", "t2", "t3"} {
		_ = store.Record(context.Background(), journal.Entry{
			TurnID:    id,
			SessionID: "abc123",
			Transport: "streaming",
			Status:    journal.StatusOK,
			SpeechMs:  300 + i,
			Duration:  1500 * time.Millisecond,
		})
	}

	srv := newServer(t, ctl, control.WithDevice(dev), control.WithJournal(store))
	resp := do(t, srv, http.MethodGet, "/v1/status?turns=2", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		State         string `json:"state"`
		DialogEnabled bool   `json:"dialog_enabled"`
		Epoch         uint64 `json:"epoch"`
		FramesDropped int64  `json:"frames_dropped"`
		Session       struct {
			ID       string `json:"id"`
			Mode     string `json:"mode"`
			TurnBusy bool   `json:"turn_busy"`
		} `json:"session"`
		Device struct {
			State string `json:"state"`
		} `json:"device"`
		RecentTurns []struct {
			TurnID     string `json:"turn_id"`
			Status     string `json:"status"`
			DurationMs int64  `json:"duration_ms"`
		} `json:"recent_turns"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if body.State != "dialog" || !body.DialogEnabled || body.Epoch != 3 || body.FramesDropped != 2 {
		t.Errorf("orchestrator fields = %+v", body)
	}
	if body.Session.ID != "abc123" || body.Session.Mode != string(transport.ModeStreaming) || !body.Session.TurnBusy {
		t.Errorf("session = %+v", body.Session)
	}
	if body.Device.State != "listening" {
		t.Errorf("device state = %q", body.Device.State)
	}
	if len(body.RecentTurns) != 2 || body.RecentTurns[0].TurnID != "t3" || body.RecentTurns[0].DurationMs != 1500 {
		t.Errorf("recent turns = %+v", body.RecentTurns)
	}
}

func TestStatus_Minimal(t *testing.T) {
	t.Parallel()

	resp := do(t, newServer(t, &fakeController{}), http.MethodGet, "/v1/status", "")
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["state"] != "waiting_for_wake" {
		t.Errorf("state = %v", body["state"])
	}
	for _, key := range []string{"session", "device", "recent_turns"} {
		if _, ok := body[key]; ok {
			t.Errorf("unexpected %q in minimal status", key)
		}
	}
}
