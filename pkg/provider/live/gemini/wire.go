package gemini

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/live"
)

// Client frames of the BidiGenerateContent protocol. Exactly one field of
// clientFrame is set per frame.

type clientFrame struct {
	Setup         *setup         `json:"setup,omitempty"`
	RealtimeInput *realtimeInput `json:"realtimeInput,omitempty"`
}

type setup struct {
	Model             string           `json:"model"`
	GenerationConfig  generationConfig `json:"generationConfig"`
	SystemInstruction *content         `json:"systemInstruction,omitempty"`

	// Present-but-empty objects switch transcription on.
	InputAudioTranscription  *struct{} `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{} `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []live.Modality `json:"responseModalities"`
	SpeechConfig       *speechConfig   `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	LanguageCode string       `json:"languageCode,omitempty"`
	VoiceConfig  *voiceConfig `json:"voiceConfig,omitempty"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig struct {
		VoiceName string `json:"voiceName"`
	} `json:"prebuiltVoiceConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string `json:"text,omitempty"`
	InlineData *blob  `json:"inlineData,omitempty"`
}

// blob carries base64 data as the protocol's inlineData and mediaChunks do.
type blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type realtimeInput struct {
	MediaChunks []blob `json:"mediaChunks"`
}

func newSetup(model string, cfg live.Config, transcribe bool) *setup {
	s := &setup{
		Model:            "models/" + model,
		GenerationConfig: generationConfig{ResponseModalities: cfg.ResponseModalities()},
	}
	if cfg.Instructions != "" {
		s.SystemInstruction = &content{Parts: []part{{Text: cfg.Instructions}}}
	}
	if cfg.Language != "" || cfg.Voice != "" {
		sc := &speechConfig{LanguageCode: cfg.Language}
		if cfg.Voice != "" {
			sc.VoiceConfig = &voiceConfig{}
			sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName = cfg.Voice
		}
		s.GenerationConfig.SpeechConfig = sc
	}
	if transcribe {
		s.InputAudioTranscription = &struct{}{}
		s.OutputAudioTranscription = &struct{}{}
	}
	return s
}

func newMediaChunk(chunk audio.Blob) *realtimeInput {
	mime := chunk.MIMEType
	if mime == "" {
		mime = audio.PCMMIMEType(audio.InputSampleRate)
	}
	return &realtimeInput{MediaChunks: []blob{{
		MIMEType: mime,
		Data:     base64.StdEncoding.EncodeToString(chunk.Data),
	}}}
}

// Server frames.

type serverFrame struct {
	SetupComplete json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent  `json:"serverContent,omitempty"`
	Error         *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type serverContent struct {
	ModelTurn           *content `json:"modelTurn,omitempty"`
	Interrupted         bool     `json:"interrupted,omitempty"`
	TurnComplete        bool     `json:"turnComplete,omitempty"`
	InputTranscription  *text    `json:"inputTranscription,omitempty"`
	OutputTranscription *text    `json:"outputTranscription,omitempty"`
}

type text struct {
	Text string `json:"text"`
}

// message converts server content to a [live.Message]. Inline parts with an
// empty payload are skipped; parts that are not base64 are skipped and
// reported in dropped.
func (sc *serverContent) message() (m live.Message, dropped []error) {
	m = live.Message{Interrupted: sc.Interrupted, TurnComplete: sc.TurnComplete}
	if sc.ModelTurn != nil {
		for i, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				dropped = append(dropped, fmt.Errorf("gemini: part %d: %w: %v", i, audio.ErrMalformedFragment, err))
				continue
			}
			m.Audio = append(m.Audio, audio.Blob{MIMEType: p.InlineData.MIMEType, Data: pcm})
		}
	}
	if sc.InputTranscription != nil {
		m.InputTranscript = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		m.OutputTranscript = sc.OutputTranscription.Text
	}
	return m, dropped
}
