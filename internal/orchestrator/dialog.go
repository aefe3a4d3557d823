package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/fawn/internal/observe"
	"github.com/MrWong99/fawn/pkg/audio"
)

// Abort causes carried by the per-turn context.
var (
	errLocalCommand = errors.New("local_command")
	errSessionEnded = errors.New("session_exit")
	errShutdown     = errors.New("shutdown")
)

// sessionIDer is implemented by transports that hold a server session.
type sessionIDer interface {
	SessionID() string
}

func (o *Orchestrator) enterDialog(ctx context.Context) {
	now := o.now()
	sess := &Session{Mode: o.transport.Mode(), Started: now}
	if s, ok := o.transport.(sessionIDer); ok {
		sess.ID = s.SessionID()
	}
	o.sessMu.Lock()
	o.session = sess
	o.sessMu.Unlock()

	o.seg.Reset()
	o.ignoreUntil = time.Time{}
	o.touch()
	o.metrics.SetDialogActive(ctx, true)
	o.setState(StateDialog)
	slog.Info("orchestrator: dialog started", "transport", sess.Mode, "session_id", sess.ID)
}

func (o *Orchestrator) leaveDialog(ctx context.Context, reason string) {
	o.cancelDialogWork(errSessionEnded)

	o.sessMu.Lock()
	o.session = nil
	o.sessMu.Unlock()

	o.metrics.SetDialogActive(ctx, false)
	slog.Info("orchestrator: dialog ended", "reason", reason)
}

// interruptDialog cancels the capture window and any turn in flight after a
// local command and starts the ignore window.
func (o *Orchestrator) interruptDialog(_ context.Context, reason string) {
	o.cancelDialogWork(errLocalCommand)
	o.ignoreUntil = o.now().Add(time.Duration(o.ignoreWindow.Load()))
	o.touch()
	slog.Info("orchestrator: dialog interrupted", "reason", reason, "epoch", o.epoch.Load())
}

// cancelDialogWork invalidates everything started in the current epoch: the
// utterance being accumulated, queued utterances and the outstanding turn.
// busy stays raised until the cancelled worker returns; the epoch keeps its
// late output from reaching the player.
func (o *Orchestrator) cancelDialogWork(cause error) {
	o.epoch.Add(1)
	o.seg.Reset()
	if n := o.purgeQueue(); n > 0 {
		slog.Debug("orchestrator: purged queued utterances", "count", n)
	}
	o.cancelTurn(cause)
}

// feedDialog routes one frame to the segmenter, applying the dialog gates.
func (o *Orchestrator) feedDialog(ctx context.Context, f audio.Frame) {
	if o.now().Before(o.ignoreUntil) || o.busy.Load() != 0 || !o.player.IsIdle() {
		// The frame is not dialog speech, but the session stays alive.
		o.touch()
		return
	}

	ready := o.transport.IsReady()
	utt, ok := o.seg.Feed(f)
	if !ok {
		if !ready {
			o.seg.MarkDrop()
		}
		return
	}
	if !ready {
		slog.Debug("orchestrator: transport not ready, utterance dropped")
		o.metrics.RecordUtterance(ctx, observe.UtteranceDropped, utt.DurationMs())
		return
	}
	o.enqueue(ctx, utt)
}

func (o *Orchestrator) enqueue(ctx context.Context, utt audio.Utterance) {
	utt.Epoch = o.epoch.Load()

	// busy is raised before the handoff so the gate is closed by the time the
	// worker sees the utterance.
	tok := o.busySeq.Add(1)
	if !o.busy.CompareAndSwap(0, tok) {
		// An announcement claimed the turn first.
		slog.Debug("orchestrator: turn busy, utterance dropped")
		o.metrics.RecordUtterance(ctx, observe.UtteranceDropped, utt.DurationMs())
		return
	}
	select {
	case o.queue <- job{utt: utt, epoch: utt.Epoch, token: tok}:
		o.metrics.RecordUtterance(ctx, observe.UtteranceQueued, utt.DurationMs())
		if utt.Forced {
			o.metrics.RecordUtterance(ctx, observe.UtteranceForced, 0)
		}
		o.emit(Notification{Kind: KindUtteranceFinalized, Epoch: utt.Epoch, DurationMs: utt.DurationMs()})
	default:
		o.busy.CompareAndSwap(tok, 0)
		slog.Warn("orchestrator: utterance queue full, newest utterance dropped",
			"speech_ms", utt.SpeechMs,
		)
		o.metrics.RecordUtterance(ctx, observe.UtteranceDropped, utt.DurationMs())
	}
}

// purgeQueue drops every queued job, releasing the busy token each one
// holds, and returns how many were dropped.
func (o *Orchestrator) purgeQueue() int {
	n := 0
	for {
		select {
		case j := <-o.queue:
			o.busy.CompareAndSwap(j.token, 0)
			n++
		default:
			return n
		}
	}
}

// setTurnCancel registers the cancel function of the turn in flight.
func (o *Orchestrator) setTurnCancel(cancel context.CancelCauseFunc) {
	o.turnMu.Lock()
	o.turnCancel = cancel
	o.turnMu.Unlock()
}

// cancelTurn cancels the turn in flight, if any. It never blocks on the
// worker.
func (o *Orchestrator) cancelTurn(cause error) {
	o.turnMu.Lock()
	cancel := o.turnCancel
	o.turnMu.Unlock()
	if cancel != nil {
		cancel(cause)
	}
}

func (o *Orchestrator) setSessionID(id string) {
	if id == "" {
		return
	}
	o.sessMu.Lock()
	if o.session != nil {
		o.session.ID = id
	}
	o.sessMu.Unlock()
}
