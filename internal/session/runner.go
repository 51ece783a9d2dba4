// Package session wires the connection manager and turn coordinator into one
// interview session: handshake, turn flow, the recovery cascade when the live
// text stream stalls, and the rolling question/answer history.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vivavoce/viva/internal/config"
	"github.com/vivavoce/viva/pkg/audio"
	"github.com/vivavoce/viva/pkg/channel"
	"github.com/vivavoce/viva/pkg/protocol"
	"github.com/vivavoce/viva/pkg/turn"
	"github.com/vivavoce/viva/shared/backoff"
	"github.com/vivavoce/viva/shared/id"
)

// ErrNoUsableResponse means the turn produced neither text nor audio worth
// transcribing. The caller decides whether to retry the turn.
var ErrNoUsableResponse = errors.New("no usable response from server")

// ErrNotReady means the server never acknowledged the hello handshake.
var ErrNotReady = errors.New("server did not acknowledge session")

// Source tells the caller which path produced the answer text.
type Source string

const (
	SourceLive        Source = "live"
	SourceTranscribed Source = "transcribed"
	SourceCanned      Source = "canned"
)

// Answer is the resolved model reply for one turn.
type Answer struct {
	Text   string
	Source Source
}

// Player receives decoded audio_out PCM for playback. A nil player mutes the
// session.
type Player interface {
	Play(pcm []byte, sampleRate, channels int) error
}

type conn interface {
	Start()
	Stop()
	RetryNow()
	SetOnline(online bool)
	Send(msgType protocol.MessageType, body any)
	State() channel.State
	QueueLen() int
}

type resolver interface {
	Resolve(ctx context.Context, tc turn.TurnContext) (turn.Result, error)
	HandleMessage(env *protocol.Envelope)
}

type Runner struct {
	cfg         *config.Config
	mgr         conn
	coord       resolver
	transcriber Transcriber
	player      Player

	sessionID string
	ready     chan struct{}
	readyOnce sync.Once

	mu      sync.Mutex
	history []protocol.QA
}

// New builds a runner over a real websocket manager and turn coordinator.
// The transcriber may be nil to disable the batch fallback; the player may be
// nil to discard audio.
func New(cfg *config.Config, transcriber Transcriber, player Player) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Runner{
		cfg:         cfg,
		transcriber: transcriber,
		player:      player,
		sessionID:   id.NewSession(),
		ready:       make(chan struct{}),
	}

	mgr, err := channel.NewManager(channel.Options{
		URL:               cfg.Server.WSURL,
		Backoff:           backoffPolicy(cfg),
		HeartbeatInterval: cfg.Channel.HeartbeatInterval,
		DeadConnection:    cfg.Channel.DeadConnection,
		MaxQueueSize:      cfg.Channel.MaxQueueSize,
		OnOpen:            r.sendHello,
		OnMessage:         r.handleMessage,
		OnStateChange: func(s channel.State) {
			slog.Info("session: channel state", "state", s)
		},
		OnError: func(err error) {
			slog.Warn("session: channel error", "error", err)
		},
	})
	if err != nil {
		return nil, err
	}
	r.mgr = mgr

	coord, err := turn.NewCoordinator(mgr, turn.Options{
		Timeout:      cfg.Turn.Timeout,
		PreSilence:   cfg.Turn.PreSilence,
		SoftSettle:   cfg.Turn.SoftSettle,
		HardSettle:   cfg.Turn.HardSettle,
		SampleRate:   cfg.Audio.CaptureSampleRate,
		Channels:     cfg.Audio.Channels,
		CaptureAudio: transcriber != nil,
	})
	if err != nil {
		return nil, err
	}
	r.coord = coord

	return r, nil
}

func backoffPolicy(cfg *config.Config) backoff.Policy {
	return backoff.Policy{
		Base:        cfg.Channel.BaseDelay,
		Max:         cfg.Channel.MaxDelay,
		JitterRatio: cfg.Channel.JitterRatio,
		MaxAttempts: cfg.Channel.MaxAttempts,
	}
}

// Start connects and waits for the server's ready acknowledgement.
func (r *Runner) Start(ctx context.Context) error {
	r.mgr.Start()

	select {
	case <-r.ready:
		slog.Info("session: ready", "session_id", r.sessionID)
		return nil
	case <-ctx.Done():
		r.mgr.Stop()
		return fmt.Errorf("%w: %v", ErrNotReady, ctx.Err())
	}
}

func (r *Runner) Stop() {
	r.mgr.Stop()
}

// RetryNow and SetOnline forward the caller's connectivity hints.
func (r *Runner) RetryNow()             { r.mgr.RetryNow() }
func (r *Runner) SetOnline(online bool) { r.mgr.SetOnline(online) }
func (r *Runner) State() channel.State  { return r.mgr.State() }

// SubmitUtterance streams the candidate's captured answer to the server in
// 200ms frames.
func (r *Runner) SubmitUtterance(pcm []byte) {
	rate := r.cfg.Audio.CaptureSampleRate
	ch := r.cfg.Audio.Channels
	frameBytes := rate * ch * audio.BytesPerSample / 5
	if frameBytes == 0 {
		frameBytes = len(pcm)
	}

	for len(pcm) > 0 {
		n := frameBytes
		if n > len(pcm) {
			n = len(pcm)
		}
		r.mgr.Send(protocol.TypeAudio, protocol.Audio{
			Format:     protocol.FormatPCM16,
			SampleRate: rate,
			Channels:   ch,
			Data:       base64.StdEncoding.EncodeToString(pcm[:n]),
		})
		pcm = pcm[n:]
	}
}

// CompleteTurn resolves one model turn and runs the recovery cascade: live
// text wins; otherwise captured audio goes to batch transcription; silent
// audio is reported as unusable; anything else falls back to a canned line
// so the conversation can continue.
func (r *Runner) CompleteTurn(ctx context.Context) (Answer, error) {
	res, err := r.coord.Resolve(ctx, r.turnContext())
	if err != nil {
		return Answer{Text: res.Text, Source: SourceLive}, err
	}

	if res.Text != "" {
		return Answer{Text: res.Text, Source: SourceLive}, nil
	}

	if !res.UsedChannel {
		return Answer{}, ErrNoUsableResponse
	}

	if len(res.Audio) > 0 {
		if r.transcriber != nil {
			tctx, cancel := context.WithTimeout(ctx, r.cfg.Audio.TranscribeTimeout)
			text, err := r.transcriber.Transcribe(tctx, res.Audio, res.SampleRate, res.Channels)
			cancel()
			if err != nil {
				slog.Warn("session: transcription fallback failed", "error", err)
			} else if text != "" {
				return Answer{Text: text, Source: SourceTranscribed}, nil
			}
		}
		// Transcription produced nothing. Silence-level audio means the
		// server never really answered; don't invent text for it.
		if audio.RMS(res.Audio) < r.cfg.Audio.EnergyThreshold {
			slog.Warn("session: turn audio below energy threshold", "bytes", len(res.Audio))
			return Answer{}, ErrNoUsableResponse
		}
	}

	return Answer{Text: cannedLine(r.cfg.Interview.Topic), Source: SourceCanned}, nil
}

// RecordExchange appends one question/answer pair, keeping the rolling window
// bounded.
func (r *Runner) RecordExchange(question, answer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, protocol.QA{Question: question, Answer: answer})
	if max := r.cfg.Interview.MaxHistory; max > 0 && len(r.history) > max {
		r.history = r.history[len(r.history)-max:]
	}
}

// History returns a copy of the rolling exchange window.
func (r *Runner) History() []protocol.QA {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.QA, len(r.history))
	copy(out, r.history)
	return out
}

// Reset clears the server-side conversation and the local history.
func (r *Runner) Reset() {
	r.mu.Lock()
	r.history = nil
	r.mu.Unlock()
	r.mgr.Send(protocol.TypeReset, nil)
}

func (r *Runner) turnContext() turn.TurnContext {
	return turn.TurnContext{
		Role:    r.cfg.Interview.Role,
		Level:   r.cfg.Interview.Level,
		Topic:   r.cfg.Interview.Topic,
		History: r.History(),
	}
}

func (r *Runner) sendHello() {
	r.mgr.Send(protocol.TypeHello, protocol.Hello{
		SessionID: r.sessionID,
		Lang:      r.cfg.Server.Lang,
		Mode:      "interview",
		Role:      r.cfg.Interview.Role,
		Level:     r.cfg.Interview.Level,
		Topic:     r.cfg.Interview.Topic,
	})
}

func (r *Runner) handleMessage(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeReady:
		r.readyOnce.Do(func() { close(r.ready) })
	case protocol.TypeAudioOut:
		r.coord.HandleMessage(env)
		r.playAudio(env)
	case protocol.TypeTextOut:
		r.coord.HandleMessage(env)
	default:
		slog.Debug("session: ignoring message", "type", env.Type)
	}
}

func (r *Runner) playAudio(env *protocol.Envelope) {
	if r.player == nil {
		return
	}
	body, err := protocol.DecodeBody[protocol.Audio](env)
	if err != nil {
		slog.Error("session: decode audio_out failed", "error", err)
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(body.Data)
	if err != nil {
		slog.Error("session: audio_out payload is not base64", "error", err)
		return
	}
	if err := r.player.Play(pcm, body.SampleRate, body.Channels); err != nil {
		slog.Error("session: playback failed", "error", err)
	}
}
