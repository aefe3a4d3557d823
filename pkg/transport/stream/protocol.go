package stream

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is sent in the client hello and the Protocol-Version header.
const ProtocolVersion = 1

// Message types.
const (
	TypeHello  = "hello"
	TypeListen = "listen"
	TypeAbort  = "abort"
	TypeSTT    = "stt"
	TypeTTS    = "tts"
	TypeLLM    = "llm"
)

// Listen and TTS states.
const (
	StateStart         = "start"
	StateStop          = "stop"
	StateSentenceStart = "sentence_start"
)

// ListenModeAuto lets the server decide when the user stopped talking.
const ListenModeAuto = "auto"

// AudioFormat names the binary audio encoding.
type AudioFormat string

const (
	FormatPCM  AudioFormat = "pcm"
	FormatOpus AudioFormat = "opus"
)

// IsValid reports whether f is a supported format.
func (f AudioFormat) IsValid() bool {
	return f == FormatPCM || f == FormatOpus
}

// AudioParams describes one direction of binary audio.
type AudioParams struct {
	Format        AudioFormat `json:"format,omitempty"`
	SampleRate    int         `json:"sample_rate,omitempty"`
	Channels      int         `json:"channels,omitempty"`
	FrameDuration int         `json:"frame_duration,omitempty"`
}

// Message is the JSON control envelope. Every message carries a type; the
// remaining fields are set according to it.
//
//	{"type":"hello","version":1,"transport":"streaming","audio_params":{...}}
//	{"type":"hello","session_id":"abc123","audio_params":{"sample_rate":24000}}
//	{"type":"listen","session_id":"abc123","state":"start","mode":"auto"}
//	{"type":"listen","session_id":"abc123","state":"stop"}
//	{"type":"abort","session_id":"abc123","reason":"wake_word_detected"}
//	{"type":"stt","text":"turn on the light"}
//	{"type":"tts","state":"start"}
type Message struct {
	Type        string       `json:"type"`
	SessionID   string       `json:"session_id,omitempty"`
	Version     int          `json:"version,omitempty"`
	Transport   string       `json:"transport,omitempty"`
	AudioParams *AudioParams `json:"audio_params,omitempty"`
	State       string       `json:"state,omitempty"`
	Mode        string       `json:"mode,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	Text        string       `json:"text,omitempty"`
	Emotion     string       `json:"emotion,omitempty"`
}

// ClientHello builds the opening message.
func ClientHello(format AudioFormat, sampleRate, frameMs int) Message {
	return Message{
		Type:      TypeHello,
		Version:   ProtocolVersion,
		Transport: "streaming",
		AudioParams: &AudioParams{
			Format:        format,
			SampleRate:    sampleRate,
			Channels:      1,
			FrameDuration: frameMs,
		},
	}
}

// ListenStart builds the per-turn start message.
func ListenStart(sessionID string) Message {
	return Message{Type: TypeListen, SessionID: sessionID, State: StateStart, Mode: ListenModeAuto}
}

// ListenStop builds the end-of-utterance message.
func ListenStop(sessionID string) Message {
	return Message{Type: TypeListen, SessionID: sessionID, State: StateStop}
}

// AbortMessage builds the cancel message.
func AbortMessage(sessionID, reason string) Message {
	return Message{Type: TypeAbort, SessionID: sessionID, Reason: reason}
}

// ParseMessage decodes one complete text message.
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.Type == "" {
		return Message{}, errors.New("message without type")
	}
	return m, nil
}
