// Package turn resolves one conversation turn: it nudges the remote model to
// answer, watches the two independently-timed inbound streams (text fragments
// and audio frames), and decides from quiet periods when the model is done.
package turn

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/vivavoce/viva/pkg/audio"
	"github.com/vivavoce/viva/pkg/channel"
	"github.com/vivavoce/viva/pkg/otel"
	"github.com/vivavoce/viva/pkg/protocol"
	"github.com/vivavoce/viva/shared/id"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrTurnInProgress is returned when Resolve is called while another turn on
// the same coordinator has not finished.
var ErrTurnInProgress = errors.New("turn already in progress")

// Channel is the slice of the connection manager the coordinator uses.
type Channel interface {
	Send(msgType protocol.MessageType, body any)
	State() channel.State
}

// Result is the outcome of one turn. Text is empty when no text arrived;
// UsedChannel reports whether any signal (text or audio) was observed, which
// drives the caller's fallback cascade.
type Result struct {
	Text        string
	UsedChannel bool
	AudioFrames int

	// Audio is the decoded PCM received in audio_out frames, accumulated
	// only when Options.CaptureAudio is set. It feeds the caller's batch
	// transcription fallback when no text arrived.
	Audio      []byte
	SampleRate int
	Channels   int
}

type Options struct {
	// Timeout bounds the whole turn, wall-clock from the Resolve call.
	Timeout time.Duration
	// PreSilence, when positive, is the duration of zeroed PCM sent before
	// end_utterance for servers that need an explicit end-of-input nudge.
	PreSilence time.Duration
	// SoftSettle resolves after this much quiet if the text ends on a
	// sentence boundary; HardSettle resolves regardless of punctuation.
	SoftSettle time.Duration
	HardSettle time.Duration
	Poll       time.Duration

	SampleRate int
	Channels   int

	// CaptureAudio keeps the decoded audio_out PCM in the Result so the
	// caller can fall back to batch transcription when no text arrived.
	CaptureAudio bool

	Boundary BoundaryFunc
	Clock    clock.Clock
}

const (
	DefaultTimeout    = 12 * time.Second
	DefaultSoftSettle = 900 * time.Millisecond
	DefaultHardSettle = 2500 * time.Millisecond
	DefaultPoll       = 100 * time.Millisecond
	DefaultSampleRate = 16000
	DefaultChannels   = 1

	inboxSize = 256
)

// TurnContext carries the conversation framing pushed to the server before
// the model answers.
type TurnContext struct {
	Role    string
	Level   string
	Topic   string
	History []protocol.QA
}

// session is the per-turn record: accumulated fragments are append-only until
// resolution, and the record is discarded when the turn ends.
type session struct {
	id          string
	fragments   []string
	audioFrames int
	audioBuf    []byte
	sampleRate  int
	channels    int
	lastSignal  time.Time
	start       time.Time
}

func (s *session) text() string {
	return strings.TrimSpace(strings.Join(s.fragments, ""))
}

func (s *session) sawSignal() bool {
	return len(s.fragments) > 0 || s.audioFrames > 0
}

type Coordinator struct {
	ch    Channel
	opts  Options
	clk   clock.Clock
	inbox chan *protocol.Envelope

	active atomic.Bool
}

func NewCoordinator(ch Channel, opts Options) (*Coordinator, error) {
	if ch == nil {
		return nil, fmt.Errorf("turn: channel is required")
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.SoftSettle == 0 {
		opts.SoftSettle = DefaultSoftSettle
	}
	if opts.HardSettle == 0 {
		opts.HardSettle = DefaultHardSettle
	}
	if opts.Poll == 0 {
		opts.Poll = DefaultPoll
	}
	if opts.SampleRate == 0 {
		opts.SampleRate = DefaultSampleRate
	}
	if opts.Channels == 0 {
		opts.Channels = DefaultChannels
	}
	if opts.Timeout < 0 || opts.SoftSettle < 0 || opts.HardSettle < 0 || opts.Poll <= 0 || opts.PreSilence < 0 {
		return nil, fmt.Errorf("turn: negative duration in options")
	}
	if opts.SoftSettle > opts.HardSettle {
		return nil, fmt.Errorf("turn: soft settle %v exceeds hard settle %v", opts.SoftSettle, opts.HardSettle)
	}
	if opts.Boundary == nil {
		opts.Boundary = DefaultBoundary
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	return &Coordinator{
		ch:    ch,
		opts:  opts,
		clk:   opts.Clock,
		inbox: make(chan *protocol.Envelope, inboxSize),
	}, nil
}

// HandleMessage feeds an inbound server message to the coordinator. Wire it
// to the connection manager's OnMessage observer. Messages arriving with no
// turn active (or past a full inbox) are dropped.
func (c *Coordinator) HandleMessage(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeTextOut, protocol.TypeAudioOut:
	default:
		return
	}
	select {
	case c.inbox <- env:
	default:
		slog.Debug("turn: inbox full, dropping message", "type", env.Type)
	}
}

// Resolve runs one turn: pushes the context, optionally nudges with silence
// and end_utterance, then polls inbound signals until a settle rule, a
// disconnect, or the timeout ends it. Network trouble never surfaces as an
// error; the worst case is an empty Result.
func (c *Coordinator) Resolve(ctx context.Context, tc TurnContext) (Result, error) {
	if !c.active.CompareAndSwap(false, true) {
		return Result{}, ErrTurnInProgress
	}
	defer c.active.Store(false)

	turnID := id.NewTurn()
	ctx, span := otel.Tracer("viva-turn").Start(ctx, "turn.resolve")
	span.SetAttributes(
		attribute.String("turn.id", turnID),
		attribute.String("turn.topic", tc.Topic),
		attribute.String("turn.role", tc.Role),
	)
	defer span.End()

	c.drainStale()

	c.ch.Send(protocol.TypeContext, protocol.ContextUpdate{
		Role:    tc.Role,
		Level:   tc.Level,
		Topic:   tc.Topic,
		History: tc.History,
	})
	if c.opts.PreSilence > 0 {
		c.sendSilence()
	}
	c.ch.Send(protocol.TypeEndUtterance, nil)

	now := c.clk.Now()
	sess := &session{id: turnID, start: now, lastSignal: now}
	deadline := now.Add(c.opts.Timeout)

	for {
		c.drainInto(sess)

		// A dropped channel resolves immediately with whatever arrived.
		if c.ch.State() != channel.StateConnected {
			slog.Warn("turn: channel lost mid-turn", "fragments", len(sess.fragments))
			return c.finish(span, sess, "disconnected"), nil
		}

		if sess.sawSignal() {
			quiet := c.clk.Since(sess.lastSignal)
			if quiet >= c.opts.HardSettle {
				return c.finish(span, sess, "hard_settle"), nil
			}
			if quiet >= c.opts.SoftSettle && c.opts.Boundary(sess.text()) {
				return c.finish(span, sess, "soft_settle"), nil
			}
		}

		if !c.clk.Now().Before(deadline) {
			return c.finish(span, sess, "timeout"), nil
		}

		select {
		case <-ctx.Done():
			return c.finish(span, sess, "canceled"), ctx.Err()
		case env := <-c.inbox:
			c.apply(sess, env)
		case <-c.clk.After(c.opts.Poll):
		}
	}
}

func (c *Coordinator) drainStale() {
	for {
		select {
		case <-c.inbox:
		default:
			return
		}
	}
}

func (c *Coordinator) drainInto(sess *session) {
	for {
		select {
		case env := <-c.inbox:
			c.apply(sess, env)
		default:
			return
		}
	}
}

func (c *Coordinator) apply(sess *session, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeTextOut:
		body, err := protocol.DecodeBody[protocol.TextOut](env)
		if err != nil {
			slog.Error("turn: decode text_out failed", "error", err)
			return
		}
		sess.fragments = append(sess.fragments, body.Text)
		sess.lastSignal = c.clk.Now()
	case protocol.TypeAudioOut:
		// Playback is the caller's concern; the frame counts as an
		// activity signal, and optionally feeds the fallback buffer.
		sess.audioFrames++
		sess.lastSignal = c.clk.Now()
		if !c.opts.CaptureAudio {
			return
		}
		body, err := protocol.DecodeBody[protocol.Audio](env)
		if err != nil {
			slog.Error("turn: decode audio_out failed", "error", err)
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(body.Data)
		if err != nil {
			slog.Error("turn: audio_out payload is not base64", "error", err)
			return
		}
		sess.audioBuf = append(sess.audioBuf, pcm...)
		sess.sampleRate = body.SampleRate
		sess.channels = body.Channels
	}
}

func (c *Coordinator) sendSilence() {
	const chunk = 200 * time.Millisecond
	for remaining := c.opts.PreSilence; remaining > 0; remaining -= chunk {
		d := chunk
		if remaining < chunk {
			d = remaining
		}
		pcm := audio.Silence(d, c.opts.SampleRate, c.opts.Channels)
		c.ch.Send(protocol.TypeAudio, protocol.Audio{
			Format:     protocol.FormatPCM16,
			SampleRate: c.opts.SampleRate,
			Channels:   c.opts.Channels,
			Data:       base64.StdEncoding.EncodeToString(pcm),
		})
	}
}

func (c *Coordinator) finish(span trace.Span, sess *session, reason string) Result {
	res := Result{
		Text:        sess.text(),
		UsedChannel: sess.sawSignal(),
		AudioFrames: sess.audioFrames,
		Audio:       sess.audioBuf,
		SampleRate:  sess.sampleRate,
		Channels:    sess.channels,
	}

	span.SetAttributes(
		attribute.String("turn.outcome", reason),
		attribute.Int("turn.text_length", len(res.Text)),
		attribute.Int("turn.audio_frames", res.AudioFrames),
		attribute.Int64("turn.elapsed_ms", c.clk.Since(sess.start).Milliseconds()),
	)
	span.SetStatus(codes.Ok, reason)

	slog.Info("turn: resolved", "id", sess.id, "reason", reason, "chars", len(res.Text), "audio_frames", res.AudioFrames)
	return res
}
