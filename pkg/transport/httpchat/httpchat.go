// Package httpchat implements the request/response dialog transport: each
// finalized utterance is uploaded as one HTTP POST with a RIFF/WAVE PCM16 body
// and the assistant's reply is downloaded either as a complete WAV container
// or as a raw PCM16 byte stream.
//
// WAV replies are buffered (bounded by [WithMaxResponseBytes]) and validated
// before any audio is released, so a malformed reply never reaches playback.
// PCM-stream replies are released as they arrive; the sample rate is taken
// from the X-Audio-Sample-Rate response header when present and plausible,
// otherwise the utterance's own rate is assumed.
//
// Typical usage:
//
//	c, err := httpchat.New("http://chat.local/v1/voice",
//	    httpchat.WithReplyFormat(httpchat.ReplyPCMStream),
//	    httpchat.WithDeviceID("fawn-01"),
//	)
//	turn, _ := c.StartTurn(ctx)
//	reply, err := c.SendUtterance(ctx, turn, utt)
package httpchat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/fawn/pkg/audio"
	"github.com/MrWong99/fawn/pkg/transport"
)

// Compile-time interface assertions.
var (
	_ transport.Transport = (*Client)(nil)
	_ transport.Speaker   = (*Speaker)(nil)
)

const (
	defaultTimeout          = 60 * time.Second
	defaultMaxResponseBytes = 1 << 20

	// chunkSize is the byte size of each PCM chunk released on the reply.
	chunkSize = 2048

	// errorBodyLimit bounds how much of a non-success body is kept for logs.
	errorBodyLimit = 256

	// replyBuffer is the depth of the reply audio channel.
	replyBuffer = 16

	minHintRate = 8000
	maxHintRate = 48000

	// SampleRateHeader carries the PCM-stream reply sample rate.
	SampleRateHeader = "X-Audio-Sample-Rate"

	// DeviceIDHeader identifies the device to the service.
	DeviceIDHeader = "X-Device-Id"
)

var tracer = otel.Tracer("github.com/MrWong99/fawn/pkg/transport/httpchat")

// ReplyFormat selects how the service answers.
type ReplyFormat string

const (
	// ReplyWAV expects a complete RIFF/WAVE container.
	ReplyWAV ReplyFormat = "wav"

	// ReplyPCMStream expects raw little-endian PCM16 mono, streamed.
	ReplyPCMStream ReplyFormat = "pcm_stream"
)

// RequestHook observes every completed HTTP exchange. status is 0 when the
// request failed before a response arrived.
type RequestHook func(endpoint string, status int, elapsed time.Duration)

// ---- options ----

// Option is a functional option shared by [Client] and [Speaker].
type Option func(*options)

type options struct {
	httpClient  *http.Client
	deviceID    string
	maxResponse int64
	format      ReplyFormat
	hook        RequestHook
}

// WithHTTPClient replaces the HTTP client. Its Timeout applies per request.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithTimeout sets the per-request timeout. Default: 60s.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.httpClient.Timeout = d
		}
	}
}

// WithDeviceID sets the X-Device-Id request header.
func WithDeviceID(id string) Option {
	return func(o *options) { o.deviceID = id }
}

// WithMaxResponseBytes bounds buffered WAV replies. Default: 1 MiB.
func WithMaxResponseBytes(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxResponse = n
		}
	}
}

// WithReplyFormat selects the reply format for [Client]. Default: [ReplyWAV].
func WithReplyFormat(f ReplyFormat) Option {
	return func(o *options) { o.format = f }
}

// WithRequestHook registers a hook called after every HTTP exchange.
func WithRequestHook(h RequestHook) Option {
	return func(o *options) { o.hook = h }
}

// newHTTPClient returns the default client. Its transport propagates the
// turn's trace context to the chat and TTS services.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: defaultTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return "httpchat " + r.Method + " " + r.URL.Path
			}),
		),
	}
}

func buildOptions(opts []Option) options {
	o := options{
		httpClient:  newHTTPClient(),
		maxResponse: defaultMaxResponseBytes,
		format:      ReplyWAV,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// ---- Client ----

// call tracks one in-flight turn so Abort can cancel it.
type call struct {
	cancel  context.CancelFunc
	aborted atomic.Bool
}

// Client is the request/response [transport.Transport]. It is safe for
// concurrent use.
type Client struct {
	url string
	opt options

	mu     sync.Mutex
	calls  map[string]*call
	closed bool
}

// New creates a Client that posts utterances to chatURL.
func New(chatURL string, opts ...Option) (*Client, error) {
	if chatURL == "" {
		return nil, errors.New("httpchat: chat URL must not be empty")
	}
	o := buildOptions(opts)
	if o.format != ReplyWAV && o.format != ReplyPCMStream {
		return nil, fmt.Errorf("httpchat: unknown reply format %q", o.format)
	}
	return &Client{
		url:   chatURL,
		opt:   o,
		calls: make(map[string]*call),
	}, nil
}

// Mode implements [transport.Transport].
func (c *Client) Mode() transport.Mode { return transport.ModeRequestResponse }

// ReplyFormat returns the configured reply format.
func (c *Client) ReplyFormat() ReplyFormat { return c.opt.format }

// IsReady implements [transport.Transport]. The request/response transport
// holds no connection, so it is ready until closed.
func (c *Client) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// StartTurn implements [transport.Transport].
func (c *Client) StartTurn(_ context.Context) (*transport.Turn, error) {
	if !c.IsReady() {
		return nil, transport.ErrClosed
	}
	return transport.NewTurn(transport.ModeRequestResponse, ""), nil
}

// SendUtterance implements [transport.Transport]. It returns once the
// response headers (PCM stream) or the full validated body (WAV) are in.
func (c *Client) SendUtterance(ctx context.Context, turn *transport.Turn, utt audio.Utterance) (*transport.Reply, error) {
	if turn == nil {
		return nil, errors.New("httpchat: nil turn")
	}
	if len(utt.Samples) == 0 {
		return nil, errors.New("httpchat: empty utterance")
	}

	cl, ctx, err := c.register(ctx, turn.ID)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "httpchat.chat", trace.WithAttributes(
		attribute.String("turn.id", turn.ID),
		attribute.String("reply.format", string(c.opt.format)),
		attribute.Int("utterance.samples", len(utt.Samples)),
	))

	accept := "audio/wav"
	if c.opt.format == ReplyPCMStream {
		accept = "audio/L16"
	}
	body := audio.EncodeWAV(utt.Samples, utt.SampleRate)
	resp, err := c.post(ctx, c.url, "audio/wav", accept, body)
	if err != nil {
		err = c.failure(cl, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		c.release(turn.ID)
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	var reply *transport.Reply
	if c.opt.format == ReplyPCMStream {
		rate := sampleRateHint(resp.Header.Get(SampleRateHeader), utt.SampleRate)
		reply = transport.NewReply(rate, replyBuffer)
		go func() {
			defer span.End()
			defer c.release(turn.ID)
			defer resp.Body.Close()
			err := streamPCM(ctx, resp.Body, reply)
			if err != nil {
				err = c.failure(cl, err)
				span.RecordError(err)
			}
			reply.Finish(err)
		}()
		return reply, nil
	}

	pcm, rate, err := readWAV(resp, c.opt.maxResponse)
	resp.Body.Close()
	if err != nil {
		err = c.failure(cl, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		c.release(turn.ID)
		return nil, err
	}
	reply = transport.NewReply(rate, replyBuffer)
	go func() {
		defer span.End()
		defer c.release(turn.ID)
		err := sendChunks(ctx, pcm, reply)
		if err != nil {
			err = c.failure(cl, err)
		}
		reply.Finish(err)
	}()
	return reply, nil
}

// Abort implements [transport.Transport].
func (c *Client) Abort(turn *transport.Turn, reason string) {
	if turn == nil {
		return
	}
	c.mu.Lock()
	cl := c.calls[turn.ID]
	c.mu.Unlock()
	if cl == nil {
		return
	}
	slog.Info("httpchat: abort turn", "turn_id", turn.ID, "reason", reason)
	cl.aborted.Store(true)
	cl.cancel()
}

// Close implements [transport.Transport]. In-flight turns are cancelled.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, cl := range c.calls {
		cl.aborted.Store(true)
		cl.cancel()
	}
	return nil
}

func (c *Client) register(ctx context.Context, turnID string) (*call, context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, transport.ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	cl := &call{cancel: cancel}
	c.calls[turnID] = cl
	return cl, ctx, nil
}

func (c *Client) release(turnID string) {
	c.mu.Lock()
	cl := c.calls[turnID]
	delete(c.calls, turnID)
	c.mu.Unlock()
	if cl != nil {
		cl.cancel()
	}
}

// failure maps err to ErrAborted when the turn was aborted.
func (c *Client) failure(cl *call, err error) error {
	if cl.aborted.Load() {
		return transport.ErrAborted
	}
	return err
}

func (c *Client) post(ctx context.Context, url, contentType, accept string, body []byte) (*http.Response, error) {
	return doPost(ctx, c.opt, url, contentType, accept, body)
}

// ---- Speaker ----

// Speaker synthesises text through a cloud TTS endpoint that answers with a
// WAV container. It is safe for concurrent use.
type Speaker struct {
	url string
	opt options
}

// NewSpeaker creates a Speaker posting to ttsURL.
func NewSpeaker(ttsURL string, opts ...Option) (*Speaker, error) {
	if ttsURL == "" {
		return nil, errors.New("httpchat: tts URL must not be empty")
	}
	return &Speaker{url: ttsURL, opt: buildOptions(opts)}, nil
}

// Speak posts text and returns the synthesised reply.
func (s *Speaker) Speak(ctx context.Context, text string) (*transport.Reply, error) {
	if text == "" {
		return nil, errors.New("httpchat: empty text")
	}
	ctx, span := tracer.Start(ctx, "httpchat.speak", trace.WithAttributes(
		attribute.Int("text.length", len(text)),
	))

	resp, err := doPost(ctx, s.opt, s.url, "text/plain; charset=utf-8", "audio/wav", []byte(text))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}
	pcm, rate, err := readWAV(resp, s.opt.maxResponse)
	resp.Body.Close()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}

	reply := transport.NewReply(rate, replyBuffer)
	go func() {
		defer span.End()
		reply.Finish(sendChunks(ctx, pcm, reply))
	}()
	return reply, nil
}

// ---- helpers ----

// doPost issues the request and converts transport failures and non-success
// statuses into the transport error taxonomy. On success the caller owns the
// response body.
func doPost(ctx context.Context, o options, url, contentType, accept string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("httpchat: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", accept)
	if o.deviceID != "" {
		req.Header.Set(DeviceIDHeader, o.deviceID)
	}

	start := time.Now()
	resp, err := o.httpClient.Do(req)
	if err != nil {
		if o.hook != nil {
			o.hook(url, 0, time.Since(start))
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &transport.NetworkError{Op: "POST " + url, Err: err}
	}
	if o.hook != nil {
		o.hook(url, resp.StatusCode, time.Since(start))
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		head, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		slog.Warn("httpchat: non-success status", "url", url, "status", resp.StatusCode, "body", string(head))
		return nil, &transport.StatusError{Code: resp.StatusCode, Body: string(head)}
	}
	return resp, nil
}

// readWAV buffers a WAV reply and returns its mono PCM payload.
func readWAV(resp *http.Response, maxBytes int64) ([]byte, int, error) {
	if resp.ContentLength > maxBytes {
		return nil, 0, fmt.Errorf("httpchat: content length %d: %w", resp.ContentLength, transport.ErrResponseTooLarge)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, fmt.Errorf("httpchat: read body: %w", transport.ErrTruncated)
		}
		return nil, 0, &transport.NetworkError{Op: "read body", Err: err}
	}
	if int64(len(data)) > maxBytes {
		return nil, 0, transport.ErrResponseTooLarge
	}
	if resp.ContentLength > 0 && int64(len(data)) < resp.ContentLength {
		return nil, 0, transport.ErrTruncated
	}
	if len(data) == 0 {
		return nil, 0, transport.ErrEmptyResponse
	}
	if !audio.HasRIFF(data) {
		return nil, 0, transport.ErrBadContainer
	}
	info, pcm, err := audio.ParseWAV(data)
	if err != nil {
		return nil, 0, fmt.Errorf("httpchat: %w: %w", transport.ErrBadContainer, err)
	}
	if len(pcm) < 2 {
		return nil, 0, transport.ErrEmptyResponse
	}
	if info.Channels == 2 {
		pcm = audio.Downmix(pcm)
	} else if info.Channels != 1 {
		return nil, 0, fmt.Errorf("httpchat: %d channels: %w", info.Channels, transport.ErrBadContainer)
	}
	return pcm, info.SampleRate, nil
}

// streamPCM copies a raw PCM16 body to reply in chunkSize pieces, carrying an
// odd trailing byte over to the next read so samples never split.
func streamPCM(ctx context.Context, body io.Reader, reply *transport.Reply) error {
	buf := make([]byte, chunkSize+1)
	carry := 0
	total := 0
	for {
		n, err := body.Read(buf[carry:])
		n += carry
		even := n &^ 1
		if even > 0 {
			chunk := append([]byte(nil), buf[:even]...)
			if sendErr := reply.Send(ctx, chunk); sendErr != nil {
				return sendErr
			}
			total += even
		}
		carry = n - even
		if carry > 0 {
			buf[0] = buf[even]
		}
		if err == io.EOF {
			if total == 0 {
				return transport.ErrEmptyResponse
			}
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &transport.NetworkError{Op: "read stream", Err: err}
		}
	}
}

func sendChunks(ctx context.Context, pcm []byte, reply *transport.Reply) error {
	for len(pcm) > 0 {
		end := min(chunkSize, len(pcm))
		if err := reply.Send(ctx, pcm[:end]); err != nil {
			return err
		}
		pcm = pcm[end:]
	}
	return nil
}

// sampleRateHint parses the X-Audio-Sample-Rate header, falling back to def
// when absent or outside [8000, 48000].
func sampleRateHint(v string, def int) int {
	if v == "" {
		return def
	}
	rate, err := strconv.Atoi(v)
	if err != nil || rate < minHintRate || rate > maxHintRate {
		slog.Warn("httpchat: ignoring sample rate hint", "value", v, "default", def)
		return def
	}
	return rate
}
