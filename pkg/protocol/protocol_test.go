package protocol

import (
	"encoding/json"
	"testing"
)

func TestEncodeFlattensBody(t *testing.T) {
	data, err := Encode(TypeTextOut, TextOut{Text: "hello there"})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("frame is not valid JSON: %v", err)
	}
	if m["type"] != "text_out" {
		t.Errorf("type = %v, want text_out", m["type"])
	}
	if m["text"] != "hello there" {
		t.Errorf("text = %v, want hello there", m["text"])
	}
	if _, ok := m["body"]; ok {
		t.Error("frame has a nested body key, want flat fields")
	}
}

func TestEncodeNilBody(t *testing.T) {
	data, err := Encode(TypeEndUtterance, nil)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if string(data) != `{"type":"end_utterance"}` {
		t.Errorf("frame = %s", data)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	data, err := Encode(TypeAudio, Audio{Format: FormatPCM16, SampleRate: 24000, Channels: 1, Data: "AAAA"})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	env, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if env.Type != TypeAudio {
		t.Fatalf("type = %s, want audio", env.Type)
	}

	audio, err := DecodeBody[Audio](env)
	if err != nil {
		t.Fatalf("DecodeBody failed: %v", err)
	}
	if audio.SampleRate != 24000 || audio.Channels != 1 || audio.Data != "AAAA" {
		t.Errorf("audio = %+v", audio)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	if _, err := Decode([]byte("not json")); err == nil {
		t.Error("Decode accepted malformed frame")
	}
	if _, err := Decode([]byte(`{"text":"no type"}`)); err == nil {
		t.Error("Decode accepted frame without type")
	}
}

func TestServerFramesDecode(t *testing.T) {
	// Frames as the server actually sends them.
	frames := map[MessageType]string{
		TypeReady:    `{"type":"ready"}`,
		TypeTextOut:  `{"type":"text_out","text":"Tell me about caching."}`,
		TypeAudioOut: `{"type":"audio_out","format":"pcm16","sampleRate":24000,"channels":1,"data":"AAAA"}`,
		TypeError:    `{"type":"error","message":"Unknown message type."}`,
	}

	for want, raw := range frames {
		env, err := Decode([]byte(raw))
		if err != nil {
			t.Fatalf("Decode(%s) failed: %v", raw, err)
		}
		if env.Type != want {
			t.Errorf("type = %s, want %s", env.Type, want)
		}
	}
}
