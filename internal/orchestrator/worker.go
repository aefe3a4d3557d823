package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/fawn/internal/journal"
	"github.com/MrWong99/fawn/internal/observe"
	"github.com/MrWong99/fawn/pkg/audio"
	"github.com/MrWong99/fawn/pkg/audio/playback"
	"github.com/MrWong99/fawn/pkg/transport"
)

const (
	// drainTouchInterval is how often the activity clock is touched while a
	// reply drains from the playback buffer.
	drainTouchInterval = 500 * time.Millisecond

	journalTimeout = 2 * time.Second

	// transportTTS labels spoken announcements in metrics and the journal.
	transportTTS = "tts"
)

// job is one unit of work for the transport worker: a finalized utterance,
// or a text announcement when text is set.
type job struct {
	utt   audio.Utterance
	text  string
	epoch uint64
	token uint64
}

// turnResult accumulates the outcome of one job.
type turnResult struct {
	turnID     string
	sessionID  string
	transport  string
	status     journal.Status
	reason     string
	err        error
	transcript string
	replyBytes int
	firstAudio time.Duration
	started    time.Time
}

func (r *turnResult) abort(reason string) {
	r.status = journal.StatusAborted
	r.reason = reason
}

func (r *turnResult) fail(err error) {
	r.status = journal.StatusFailed
	r.reason = transport.Kind(err)
	r.err = err
}

// Say synthesises text through the configured speaker and plays it. It
// returns once the announcement is queued; [ErrBusy] means a turn is in
// flight.
func (o *Orchestrator) Say(_ context.Context, text string) error {
	if o.speaker == nil {
		return ErrNoSpeaker
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("orchestrator: empty text")
	}
	tok := o.busySeq.Add(1)
	if !o.busy.CompareAndSwap(0, tok) {
		return ErrBusy
	}
	select {
	case o.queue <- job{text: text, epoch: o.epoch.Load(), token: tok}:
		return nil
	default:
		o.busy.CompareAndSwap(tok, 0)
		return ErrBusy
	}
}

// runWorker is the transport worker. It processes one job at a time.
func (o *Orchestrator) runWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-o.queue:
			o.process(ctx, j)
		}
	}
}

func (o *Orchestrator) process(ctx context.Context, j job) {
	// The busy flag is only released if no newer turn has claimed it.
	defer o.busy.CompareAndSwap(j.token, 0)

	turnCtx, cancel := context.WithCancelCause(ctx)
	o.setTurnCancel(cancel)
	defer func() {
		o.setTurnCancel(nil)
		cancel(nil)
	}()

	// Checked after the cancel is registered so a concurrent interrupt
	// either bumps the epoch first or finds the cancel func.
	if j.epoch != o.epoch.Load() {
		slog.Debug("orchestrator: stale utterance discarded", "epoch", j.epoch)
		o.metrics.RecordUtterance(ctx, observe.UtteranceDiscarded, 0)
		return
	}

	var res turnResult
	if j.text != "" {
		res = o.speak(turnCtx, j)
	} else {
		res = o.converse(turnCtx, j)
	}
	o.finishTurn(ctx, j, res)
}

// converse runs one dialog turn on the transport.
func (o *Orchestrator) converse(ctx context.Context, j job) turnResult {
	tr := o.transport
	res := turnResult{transport: string(tr.Mode()), status: journal.StatusOK, started: time.Now()}

	ctx, span := observe.StartSpan(ctx, "dialog.turn",
		trace.WithAttributes(
			attribute.String("transport", res.transport),
			attribute.Int("speech_ms", j.utt.SpeechMs),
			attribute.Bool("forced", j.utt.Forced),
		),
	)
	defer span.End()
	defer func() {
		span.SetAttributes(attribute.String("status", string(res.status)))
		if res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, res.err.Error())
		}
	}()

	turn, err := tr.StartTurn(ctx)
	if err != nil {
		o.endEarly(ctx, &res, err)
		return res
	}
	turn.Epoch = j.epoch
	res.turnID, res.sessionID = turn.ID, turn.SessionID
	ctx = observe.WithTurn(ctx, turn.ID, turn.SessionID)
	o.setSessionID(turn.SessionID)
	o.emit(Notification{Kind: KindTurnStarted, TurnID: turn.ID, Epoch: j.epoch})
	observe.Logger(ctx).Debug("orchestrator: turn started")

	reply, err := tr.SendUtterance(ctx, turn, j.utt)
	if err != nil {
		tr.Abort(turn, "send_failed")
		o.endEarly(ctx, &res, err)
		return res
	}
	o.play(ctx, j, reply, &res, func(reason string) { tr.Abort(turn, reason) })
	res.transcript = reply.Transcript()
	return res
}

// speak plays a text announcement.
func (o *Orchestrator) speak(ctx context.Context, j job) turnResult {
	res := turnResult{
		turnID:    uuid.NewString(),
		transport: transportTTS,
		status:    journal.StatusOK,
		started:   time.Now(),
	}
	reply, err := o.speaker.Speak(ctx, j.text)
	if err != nil {
		o.endEarly(ctx, &res, err)
		return res
	}
	res.transcript = j.text
	o.play(ctx, j, reply, &res, nil)
	return res
}

// endEarly classifies a failure before any reply audio existed.
func (o *Orchestrator) endEarly(ctx context.Context, res *turnResult, err error) {
	if ctx.Err() != nil {
		res.abort(context.Cause(ctx).Error())
		return
	}
	res.fail(err)
}

// play streams reply into the player. abort, when non-nil, cancels the turn
// on the transport.
func (o *Orchestrator) play(ctx context.Context, j job, reply *transport.Reply, res *turnResult, abort func(reason string)) {
	sent := time.Now()
	var h *playback.Handle

	stop := func(reason string) {
		if abort != nil {
			abort(reason)
		}
		if h != nil {
			_ = o.player.Discard(h)
			o.emit(Notification{Kind: KindPlaybackEnded, TurnID: res.turnID})
		}
		res.abort(reason)
	}

	// A new stream may only begin once the previous one has drained.
	if err := o.player.WaitIdle(ctx); err != nil {
		stop(context.Cause(ctx).Error())
		return
	}

	audioCh := reply.Audio()
	for done := false; !done; {
		select {
		case chunk, ok := <-audioCh:
			if !ok {
				done = true
				break
			}
			if j.epoch != o.epoch.Load() {
				stop("stale_epoch")
				return
			}
			if h == nil {
				var err error
				if h, err = o.player.Begin(reply.SampleRate, o.cfg.PrebufferMs); err != nil {
					slog.Warn("orchestrator: playback unavailable", "err", err)
					stop("playback_unavailable")
					return
				}
				res.firstAudio = time.Since(sent)
				o.metrics.RecordFirstAudio(ctx, res.transport, res.firstAudio)
				o.emit(Notification{Kind: KindPlaybackStarted, TurnID: res.turnID})
			}
			res.replyBytes += len(chunk)
			o.touch()
			if _, err := o.player.Write(h, chunk, o.cfg.ChunkWriteTimeout); err != nil {
				slog.Warn("orchestrator: playback write failed, aborting turn", "turn_id", res.turnID, "err", err)
				stop("playback_timeout")
				return
			}
		case <-ctx.Done():
			stop(context.Cause(ctx).Error())
			return
		}
	}

	if err := reply.Err(); err != nil {
		res.fail(err)
	}
	if h == nil {
		return
	}
	_ = o.player.End(h)
	o.awaitDrain(ctx, h, res)
	o.emit(Notification{Kind: KindPlaybackEnded, TurnID: res.turnID})
}

// awaitDrain waits for the player to go idle, touching the activity clock so
// the session does not time out while the assistant is talking.
func (o *Orchestrator) awaitDrain(ctx context.Context, h *playback.Handle, res *turnResult) {
	for {
		waitCtx, cancel := context.WithTimeout(ctx, drainTouchInterval)
		err := o.player.WaitIdle(waitCtx)
		cancel()
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			_ = o.player.Discard(h)
			res.abort(context.Cause(ctx).Error())
			return
		}
		o.touch()
	}
}

// finishTurn reports a finished job to metrics, the journal and subscribers.
func (o *Orchestrator) finishTurn(ctx context.Context, j job, res turnResult) {
	d := time.Since(res.started)
	o.metrics.RecordTurn(ctx, res.transport, string(res.status), d)

	log := slog.With("turn_id", res.turnID, "transport", res.transport, "duration", d)
	switch res.status {
	case journal.StatusFailed:
		o.metrics.RecordTransportError(ctx, res.transport, res.reason)
		log.Warn("orchestrator: turn failed",
			"kind", res.reason,
			"recoverable", transport.IsRecoverable(res.err),
			"err", res.err,
		)
	case journal.StatusAborted:
		log.Info("orchestrator: turn aborted", "reason", res.reason)
	default:
		log.Info("orchestrator: turn finished", "reply_bytes", res.replyBytes, "first_audio", res.firstAudio)
	}

	if o.journal != nil {
		jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
		err := o.journal.Record(jctx, journal.Entry{
			TurnID:     res.turnID,
			SessionID:  res.sessionID,
			Transport:  res.transport,
			Epoch:      j.epoch,
			SpeechMs:   j.utt.SpeechMs,
			Forced:     j.utt.Forced,
			Transcript: res.transcript,
			Status:     res.status,
			Reason:     res.reason,
			ReplyBytes: res.replyBytes,
			FirstAudio: res.firstAudio,
			Duration:   d,
			StartedAt:  res.started,
		})
		cancel()
		if err != nil {
			slog.Warn("orchestrator: journal record failed", "turn_id", res.turnID, "err", err)
		}
	}

	o.emit(Notification{
		Kind:   KindTurnEnded,
		TurnID: res.turnID,
		Epoch:  j.epoch,
		Status: res.status,
		Text:   res.transcript,
		Err:    res.err,
	})
}
