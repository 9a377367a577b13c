package backend

import (
	"fmt"
	"strings"
)

// SynthesisRequest is the gateway-facing request body shared by every engine
// family. Acoustic parameters are optional; absent values fall back to the
// engine's defaults.
type SynthesisRequest struct {
	Text               string   `json:"text"`
	Speaker            *int     `json:"speaker"`
	SpeakerUUID        string   `json:"speakerUuid,omitempty"`
	SpeedScale         *float64 `json:"speedScale,omitempty"`
	PitchScale         *float64 `json:"pitchScale,omitempty"`
	IntonationScale    *float64 `json:"intonationScale,omitempty"`
	VolumeScale        *float64 `json:"volumeScale,omitempty"`
	PrePhonemeLength   *float64 `json:"prePhonemeLength,omitempty"`
	PostPhonemeLength  *float64 `json:"postPhonemeLength,omitempty"`
	OutputSamplingRate *int     `json:"outputSamplingRate,omitempty"`
	OutputStereo       *bool    `json:"outputStereo,omitempty"`
}

// Params are the acoustic parameters forwarded to the engine. Nil fields
// are left out of the wire body.
type Params struct {
	SpeedScale         *float64 `json:"speedScale,omitempty"`
	PitchScale         *float64 `json:"pitchScale,omitempty"`
	IntonationScale    *float64 `json:"intonationScale,omitempty"`
	VolumeScale        *float64 `json:"volumeScale,omitempty"`
	PrePhonemeLength   *float64 `json:"prePhonemeLength,omitempty"`
	PostPhonemeLength  *float64 `json:"postPhonemeLength,omitempty"`
	OutputSamplingRate *int     `json:"outputSamplingRate,omitempty"`
	OutputStereo       bool     `json:"outputStereo"`
}

// FieldError describes one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned when a request is rejected before any backend
// call is made.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

type floatRange struct {
	field    string
	value    *float64
	min, max float64
}

// Validate checks required fields and parameter ranges, collecting every
// violation.
func (r SynthesisRequest) Validate() error {
	return r.ValidateFor(nil)
}

// ValidateFor is Validate plus the extra requirements of family, if any.
func (r SynthesisRequest) ValidateFor(family Family) error {
	var fields []FieldError
	if strings.TrimSpace(r.Text) == "" {
		fields = append(fields, FieldError{Field: "text", Message: "is required"})
	}
	if r.Speaker == nil {
		fields = append(fields, FieldError{Field: "speaker", Message: "is required"})
	} else if *r.Speaker < 0 {
		fields = append(fields, FieldError{Field: "speaker", Message: "must be an integer >= 0"})
	}

	ranges := []floatRange{
		{"speedScale", r.SpeedScale, 0.5, 3.0},
		{"pitchScale", r.PitchScale, -0.25, 0.25},
		{"intonationScale", r.IntonationScale, -5.0, 5.0},
		{"volumeScale", r.VolumeScale, 0.1, 5.0},
		{"prePhonemeLength", r.PrePhonemeLength, 0, 1},
		{"postPhonemeLength", r.PostPhonemeLength, 0, 1},
	}
	for _, rg := range ranges {
		if rg.value == nil {
			continue
		}
		if v := *rg.value; v < rg.min || v > rg.max {
			fields = append(fields, FieldError{
				Field:   rg.field,
				Message: fmt.Sprintf("must be between %g and %g", rg.min, rg.max),
			})
		}
	}
	if r.OutputSamplingRate != nil && *r.OutputSamplingRate <= 0 {
		fields = append(fields, FieldError{Field: "outputSamplingRate", Message: "must be a positive integer"})
	}

	if family != nil {
		fields = append(fields, family.Require(r)...)
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// Call converts a validated request into a routed call.
func (r SynthesisRequest) Call() Call {
	call := Call{
		Text:        r.Text,
		SpeakerUUID: r.SpeakerUUID,
		Params: Params{
			SpeedScale:         r.SpeedScale,
			PitchScale:         r.PitchScale,
			IntonationScale:    r.IntonationScale,
			VolumeScale:        r.VolumeScale,
			PrePhonemeLength:   r.PrePhonemeLength,
			PostPhonemeLength:  r.PostPhonemeLength,
			OutputSamplingRate: r.OutputSamplingRate,
		},
	}
	if r.Speaker != nil {
		call.StyleID = *r.Speaker
	}
	if r.OutputStereo != nil {
		call.Params.OutputStereo = *r.OutputStereo
	}
	return call
}
