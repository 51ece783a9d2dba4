// Package protocol defines the wire schema spoken with the voice model server.
// Frames are UTF-8 JSON text with a flat body and a "type" discriminator.
package protocol

type MessageType string

const (
	// Client to server.
	TypeHello        MessageType = "hello"
	TypeContext      MessageType = "context"
	TypeAudio        MessageType = "audio"
	TypeEndUtterance MessageType = "end_utterance"
	TypeReset        MessageType = "reset"

	// Server to client.
	TypeReady    MessageType = "ready"
	TypeAudioOut MessageType = "audio_out"
	TypeTextOut  MessageType = "text_out"
	TypeError    MessageType = "error"
)

// FormatPCM16 is the only audio framing the server emits and accepts:
// little-endian 16-bit PCM, base64 encoded.
const FormatPCM16 = "pcm16"

type Hello struct {
	SessionID string `json:"sessionId,omitempty"`
	Lang      string `json:"lang,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Role      string `json:"role,omitempty"`
	Level     string `json:"level,omitempty"`
	Topic     string `json:"topic,omitempty"`
}

// QA is one prior question/answer pair of the rolling conversation history.
type QA struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type ContextUpdate struct {
	Role    string `json:"role,omitempty"`
	Level   string `json:"level,omitempty"`
	Topic   string `json:"topic,omitempty"`
	History []QA   `json:"history,omitempty"`
}

type Audio struct {
	Format     string `json:"format"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
	Data       string `json:"data"`
}

type TextOut struct {
	Text string `json:"text"`
}

type ErrorMessage struct {
	Message string `json:"message"`
}
