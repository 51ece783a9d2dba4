package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/vivavoce/viva/pkg/audio"
	"github.com/vivavoce/viva/pkg/otel"
	"github.com/vivavoce/viva/shared/backoff"
	"github.com/vivavoce/viva/shared/httpclient"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Transcriber converts captured PCM into text. The HTTP implementation talks
// to the server's batch endpoint; tests substitute fakes.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate, channels int) (string, error)
}

type HTTPTranscriber struct {
	url    string
	lang   string
	client *http.Client
}

type transcribeResponse struct {
	Transcript string `json:"transcript"`
}

var transcribePolicy = backoff.Policy{
	Base:        backoff.MinDelay,
	Max:         time.Second,
	JitterRatio: 0.2,
	MaxAttempts: 2,
}

func NewHTTPTranscriber(url, lang string) *HTTPTranscriber {
	return &HTTPTranscriber{
		url:    url,
		lang:   lang,
		client: httpclient.NewShort(),
	}
}

func (t *HTTPTranscriber) Transcribe(ctx context.Context, pcm []byte, sampleRate, channels int) (string, error) {
	if len(pcm) == 0 {
		slog.Info("transcribe: empty audio, skipping")
		return "", nil
	}

	ctx, span := otel.Tracer("viva-session").Start(ctx, "session.transcribe",
		trace.WithAttributes(
			attribute.Int("audio.bytes", len(pcm)),
			attribute.Int64("audio.duration_ms", audio.Duration(pcm, sampleRate, channels).Milliseconds()),
			attribute.String("transcribe.url", t.url),
		))
	defer span.End()

	wav := audio.WAV(pcm, sampleRate, channels)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("audio", "answer.wav")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create form file failed")
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write audio failed")
		return "", fmt.Errorf("write audio: %w", err)
	}
	if t.lang != "" {
		if err := writer.WriteField("language", t.lang); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "write language field failed")
			return "", fmt.Errorf("write language field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "close writer failed")
		return "", fmt.Errorf("close writer: %w", err)
	}

	body := buf.Bytes()
	contentType := writer.FormDataContentType()

	var transcript string
	err = backoff.Retry(ctx, transcribePolicy, func(ctx context.Context, attempt int) error {
		text, err := t.post(ctx, body, contentType)
		if err != nil {
			slog.Warn("transcribe: request failed", "attempt", attempt, "error", err)
			return err
		}
		transcript = text
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transcription failed")
		return "", err
	}

	span.SetAttributes(attribute.Int("transcript.length", len(transcript)))
	span.SetStatus(codes.Ok, "")
	slog.Debug("transcribe: done", "chars", len(transcript))
	return transcript, nil
}

func (t *HTTPTranscriber) post(ctx context.Context, body []byte, contentType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("transcribe returned %d: %s", resp.StatusCode, msg)
	}

	var parsed transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return parsed.Transcript, nil
}
