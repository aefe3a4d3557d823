package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/fawn/internal/app"
	"github.com/MrWong99/fawn/internal/command"
	"github.com/MrWong99/fawn/internal/config"
	"github.com/MrWong99/fawn/internal/journal"
	"github.com/MrWong99/fawn/internal/orchestrator"
	"github.com/MrWong99/fawn/pkg/audio"
	audiomock "github.com/MrWong99/fawn/pkg/audio/mock"
	transportmock "github.com/MrWong99/fawn/pkg/transport/mock"
)

// testConfig returns a config without capture, with a null output and no
// admin listener.
func testConfig() *config.Config {
	cfg := &config.Config{
		Audio: config.AudioConfig{
			Source: config.SourceNone,
			Output: config.OutputNull,
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// start runs a in the background and returns a stop function that cancels
// Run, checks its result and shuts the app down.
func start(t *testing.T, a *app.App) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	return func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return after cancel")
		}
		if err := a.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	}
}

func get(t *testing.T, srv *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := srv.Client().Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func post(t *testing.T, srv *httptest.Server, path, body string) *http.Response {
	t.Helper()
	resp, err := srv.Client().Post(srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// ─── New ─────────────────────────────────────────────────────────────────────

func TestNew_NoTransport(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	snap := a.Orchestrator().Snapshot()
	if snap.DialogEnabled {
		t.Error("dialog enabled without a transport")
	}
	if snap.State != orchestrator.StateWaitingForWake {
		t.Errorf("State = %v, want waiting_for_wake", snap.State)
	}
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	tr := &transportmock.Transport{Ready: true}
	a, err := app.New(context.Background(), testConfig(),
		app.WithTransport(tr),
		app.WithOutput(&audiomock.Output{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !a.Orchestrator().Snapshot().DialogEnabled {
		t.Error("dialog not enabled with a ready transport")
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	// Injected transports are owned by the caller.
	if tr.CloseCallCount != 0 {
		t.Errorf("injected transport closed %d times", tr.CloseCallCount)
	}
}

func TestNew_DialogDisabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	off := false
	cfg.Dialog.Enabled = &off

	a, err := app.New(context.Background(), cfg,
		app.WithTransport(&transportmock.Transport{Ready: true}),
		app.WithOutput(&audiomock.Output{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	stop := start(t, a)
	defer stop()

	if err := a.Orchestrator().Wake(context.Background()); err != nil {
		t.Fatalf("Wake: %v", err)
	}
	waitFor(t, "command listening", func() bool {
		return a.Orchestrator().State() == orchestrator.StateListeningForCommand
	})
}

func TestNew_BadPostgresDSN(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Journal.PostgresDSN = "postgres://fawn@localhost:notaport/fawn"

	_, err := app.New(context.Background(), cfg)
	if err == nil {
		t.Fatal("New succeeded with an invalid DSN")
	}
	if !strings.Contains(err.Error(), "app: init journal") {
		t.Errorf("err = %v, want journal init failure", err)
	}
}

// ─── Admin API ───────────────────────────────────────────────────────────────

func TestApp_AdminRoutes(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	if resp := get(t, srv, "/healthz"); resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz = %d", resp.StatusCode)
	}
	// Not running yet.
	if resp := get(t, srv, "/readyz"); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/readyz before Run = %d, want 503", resp.StatusCode)
	}
	if resp := get(t, srv, "/metrics"); resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics = %d", resp.StatusCode)
	}

	resp := get(t, srv, "/v1/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/v1/status = %d", resp.StatusCode)
	}
	var status struct {
		State  string `json:"state"`
		Device *struct {
			State string `json:"state"`
		} `json:"device"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.State != "waiting_for_wake" {
		t.Errorf("state = %q", status.State)
	}
	if status.Device == nil || status.Device.State == "" {
		t.Error("status lacks device state")
	}
}

func TestApp_WakeOverHTTP(t *testing.T) {
	t.Parallel()

	tr := &transportmock.Transport{Ready: true}
	a, err := app.New(context.Background(), testConfig(),
		app.WithTransport(tr),
		app.WithOutput(&audiomock.Output{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := start(t, a)
	defer stop()

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	waitFor(t, "readiness", func() bool {
		resp, err := srv.Client().Get(srv.URL + "/readyz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	if resp := post(t, srv, "/v1/wake", ""); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("/v1/wake = %d", resp.StatusCode)
	}
	waitFor(t, "dialog", func() bool {
		return a.Orchestrator().State() == orchestrator.StateDialog
	})

	// A lost transport keeps the device out of rotation.
	tr.SetReady(false)
	if resp := get(t, srv, "/readyz"); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/readyz with unready transport = %d, want 503", resp.StatusCode)
	}
}

func TestApp_CommandOverHTTP(t *testing.T) {
	t.Parallel()

	h := command.NewLogHandler()
	a, err := app.New(context.Background(), testConfig(), app.WithHandler(h))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := start(t, a)
	defer stop()

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	if resp := post(t, srv, "/v1/commands/lights_on", ""); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("/v1/commands/lights_on = %d", resp.StatusCode)
	}
	waitFor(t, "command execution", func() bool { return h.Count(command.LightsOn) == 1 })

	if resp := post(t, srv, "/v1/commands/dance", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("/v1/commands/dance = %d, want 400", resp.StatusCode)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

func TestApp_CaptureForwardsFrames(t *testing.T) {
	t.Parallel()

	src := audiomock.NewFrameSource(8)
	a, err := app.New(context.Background(), testConfig(), app.WithSource(src))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := start(t, a)
	defer stop()

	pcm := make([]int16, 512)
	for range 3 {
		src.Push(audio.Frame{Samples: pcm, SampleRate: 16000})
	}
	src.Close()

	waitFor(t, "frames", func() bool { return a.Orchestrator().Snapshot().FramesSeen == 3 })
}

func TestApp_ListenAddrServesAdmin(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.ListenAddr = "127.0.0.1:0"

	a, err := app.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// The listener binds inside Run; cancelling must stop it cleanly.
	stop := start(t, a)
	time.Sleep(20 * time.Millisecond)
	stop()
}

func TestApp_ShutdownIdempotent(t *testing.T) {
	t.Parallel()

	mem := journal.NewMemoryStore(4)
	a, err := app.New(context.Background(), testConfig(), app.WithJournal(mem))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestApp_ShutdownRespectsDeadline(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Transport.HTTP.ChatURL = "http://127.0.0.1:1/chat"

	a, err := app.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown with cancelled ctx = %v, want context.Canceled", err)
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

func TestApp_ApplyConfig(t *testing.T) {
	t.Parallel()

	var level slog.LevelVar
	old := testConfig()
	a, err := app.New(context.Background(), old, app.WithLevelVar(&level))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.Dialog.SessionTimeoutMs = 45000
	a.ApplyConfig(old, next)

	if got := level.Level(); got != slog.LevelDebug {
		t.Errorf("level = %v, want debug", got)
	}
}
