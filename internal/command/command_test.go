package command_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/fawn/internal/command"
	"github.com/MrWong99/fawn/pkg/audio"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    command.ID
		wantErr bool
	}{
		{in: "0", want: command.LightsOn},
		{in: "4", want: command.TailSwing},
		{in: "lights_off", want: command.LightsOff},
		{in: " Forward ", want: command.Forward},
		{in: "5", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "dance", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := command.Parse(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Parse(%q) = %v, want error", tt.in, got)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("Parse(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
			}
		})
	}
}

func TestIDString(t *testing.T) {
	t.Parallel()

	if got := command.Backward.String(); got != "backward" {
		t.Errorf("Backward.String() = %q", got)
	}
	if got := command.ID(9).String(); got != "command_9" {
		t.Errorf("ID(9).String() = %q", got)
	}
}

func TestLogHandler(t *testing.T) {
	t.Parallel()

	h := command.NewLogHandler()
	if err := h.Execute(context.Background(), command.Forward); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	_ = h.Execute(context.Background(), command.Forward)
	if got := h.Count(command.Forward); got != 2 {
		t.Errorf("Count(Forward) = %d, want 2", got)
	}
	if err := h.Execute(context.Background(), command.ID(42)); err == nil {
		t.Error("expected error for unknown command")
	}
}

func TestMatcher(t *testing.T) {
	t.Parallel()

	m := command.NewMatcher(command.DefaultCatalog())
	tests := []struct {
		text    string
		want    command.ID
		matched bool
	}{
		{text: "please turn the lights on", want: command.LightsOn, matched: true},
		{text: "Lights off!", want: command.LightsOff, matched: true},
		{text: "turn off the light", want: command.LightsOff, matched: true},
		{text: "go backward", want: command.Backward, matched: true},
		{text: "move forward", want: command.Forward, matched: true},
		{text: "wag your tail", want: command.TailSwing, matched: true},
		{text: "what's the weather like", matched: false},
		{text: "", matched: false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			t.Parallel()
			got, conf, ok := m.Match(tt.text)
			if ok != tt.matched {
				t.Fatalf("Match(%q) matched=%v (id=%s conf=%.2f), want %v", tt.text, ok, got, conf, tt.matched)
			}
			if ok && got != tt.want {
				t.Errorf("Match(%q) = %s, want %s", tt.text, got, tt.want)
			}
			if ok && conf < 0.8 {
				t.Errorf("Match(%q) confidence = %.2f, want >= 0.8", tt.text, conf)
			}
		})
	}
}

func TestInjector(t *testing.T) {
	t.Parallel()

	in := command.NewInjector()
	if _, ok, err := in.Feed(audio.Frame{}); ok || err != nil {
		t.Fatalf("empty Feed: ok=%v err=%v", ok, err)
	}

	in.Inject(command.LightsOn)
	in.Inject(command.TailSwing)
	if id, ok, _ := in.Feed(audio.Frame{}); !ok || id != command.LightsOn {
		t.Errorf("first Feed = %s %v", id, ok)
	}
	in.Reset()
	if _, ok, _ := in.Feed(audio.Frame{}); ok {
		t.Error("Feed after Reset returned a stale command")
	}

	boom := errors.New("recognizer fault")
	in.Fail(boom)
	if _, _, err := in.Feed(audio.Frame{}); !errors.Is(err, boom) {
		t.Errorf("Feed err = %v, want %v", err, boom)
	}
	if _, _, err := in.Feed(audio.Frame{}); err != nil {
		t.Errorf("failure reported twice: %v", err)
	}
	if in.Resets() != 1 {
		t.Errorf("Resets = %d, want 1", in.Resets())
	}
}
