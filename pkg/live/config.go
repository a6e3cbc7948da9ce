package live

import "strings"

// SessionConfig is the immutable configuration sent in the setup message.
// Connect stores a deep copy, so the caller may reuse or modify its value
// afterwards without affecting an open session.
type SessionConfig struct {
	// Model is the model name, with or without the "models/" prefix.
	Model string

	// ResponseModalities defaults to ["audio"] when empty.
	ResponseModalities []string

	// Voice is a prebuilt voice name. Empty selects the service default.
	Voice string

	// SystemInstruction is sent as a single text part when non-empty.
	SystemInstruction string

	// Tools are the function declarations the model may call.
	Tools []FunctionDeclaration

	// Transcribe requests input and output audio transcriptions.
	Transcribe bool
}

// FunctionDeclaration describes one callable tool.
type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolResponse returns the result of a [ToolCall] to the model.
type ToolResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// clone returns a deep copy of c.
func (c SessionConfig) clone() SessionConfig {
	out := c
	out.ResponseModalities = append([]string(nil), c.ResponseModalities...)
	if c.Tools != nil {
		out.Tools = make([]FunctionDeclaration, len(c.Tools))
		for i, t := range c.Tools {
			out.Tools[i] = FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  cloneMap(t.Parameters),
			}
		}
	}
	return out
}

// setup builds the wire handshake for c.
func (c SessionConfig) setup() setupMessage {
	model := c.Model
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	modalities := c.ResponseModalities
	if len(modalities) == 0 {
		modalities = []string{"audio"}
	}

	msg := setupMessage{
		Setup: setupConfig{
			Model:            model,
			GenerationConfig: generationConfig{ResponseModalities: modalities},
		},
	}
	if c.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: c.Voice},
			},
		}
	}
	if c.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: c.SystemInstruction}},
		}
	}
	if len(c.Tools) > 0 {
		msg.Setup.Tools = []toolSet{{FunctionDeclarations: c.Tools}}
	}
	if c.Transcribe {
		msg.Setup.InputAudioTranscription = &struct{}{}
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
