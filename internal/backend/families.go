package backend

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
)

// TwoStep is the VOICEVOX-style family: a query call produces an
// intermediate structure that is posted back to the synthesis endpoint.
type TwoStep struct{}

type twoStepSpeaker struct {
	Name        string `json:"name"`
	SpeakerUUID string `json:"speaker_uuid"`
	Styles      []struct {
		Name string `json:"name"`
		ID   int    `json:"id"`
	} `json:"styles"`
}

func (TwoStep) Name() string { return "two_step" }

func (TwoStep) Require(SynthesisRequest) []FieldError { return nil }

func (TwoStep) ParseRoster(data []byte) ([]Speaker, error) {
	var raw []twoStepSpeaker
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	speakers := make([]Speaker, 0, len(raw))
	for _, sp := range raw {
		speaker := Speaker{UUID: sp.SpeakerUUID, Name: sp.Name}
		for _, st := range sp.Styles {
			speaker.Styles = append(speaker.Styles, Style{ID: st.ID, Name: st.Name})
		}
		speakers = append(speakers, speaker)
	}
	return speakers, nil
}

func (TwoStep) Synthesize(ctx context.Context, client *Client, inst Instance, call Call) ([]byte, error) {
	speaker := strconv.Itoa(call.StyleID)
	query, err := client.postQuery(ctx, inst.endpoint(inst.Paths.Query), url.Values{
		"text":    {call.Text},
		"speaker": {speaker},
	})
	if err != nil {
		return nil, err
	}

	overrides, err := paramsMap(call.Params)
	if err != nil {
		return nil, err
	}
	for k, v := range overrides {
		query[k] = v
	}
	return client.postAudio(ctx, inst.endpoint(inst.Paths.Synthesis), url.Values{"speaker": {speaker}}, query)
}

func (TwoStep) Retarget(call Call, fb Fallback) Call {
	call.StyleID = fb.StyleID
	return call
}

// OneStep is the COEIROINK-style family: text, voice and parameters go out in
// a single synthesis call.
type OneStep struct{}

type oneStepSpeaker struct {
	SpeakerName string `json:"speakerName"`
	SpeakerUUID string `json:"speakerUuid"`
	Name        string `json:"name"`
	UUID        string `json:"speaker_uuid"`
	Styles      []struct {
		StyleName string `json:"styleName"`
		StyleID   *int   `json:"styleId"`
		Name      string `json:"name"`
		ID        *int   `json:"id"`
	} `json:"styles"`
}

type oneStepBody struct {
	SpeakerUUID string `json:"speakerUuid"`
	StyleID     int    `json:"styleId"`
	Text        string `json:"text"`
	Params
}

func (OneStep) Name() string { return "one_step" }

// Require asks for the speaker uuid, which one-step engines address voices by.
func (OneStep) Require(req SynthesisRequest) []FieldError {
	if strings.TrimSpace(req.SpeakerUUID) == "" {
		return []FieldError{{Field: "speakerUuid", Message: "is required"}}
	}
	return nil
}

// ParseRoster accepts both the camelCase roster and the snake_case variant
// served by some compatibility builds.
func (OneStep) ParseRoster(data []byte) ([]Speaker, error) {
	var raw []oneStepSpeaker
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	speakers := make([]Speaker, 0, len(raw))
	for _, sp := range raw {
		speaker := Speaker{UUID: firstNonEmpty(sp.SpeakerUUID, sp.UUID), Name: firstNonEmpty(sp.SpeakerName, sp.Name)}
		for _, st := range sp.Styles {
			id := st.StyleID
			if id == nil {
				id = st.ID
			}
			if id == nil {
				continue
			}
			speaker.Styles = append(speaker.Styles, Style{ID: *id, Name: firstNonEmpty(st.StyleName, st.Name)})
		}
		speakers = append(speakers, speaker)
	}
	return speakers, nil
}

func (OneStep) Synthesize(ctx context.Context, client *Client, inst Instance, call Call) ([]byte, error) {
	body := oneStepBody{
		SpeakerUUID: call.SpeakerUUID,
		StyleID:     call.StyleID,
		Text:        call.Text,
		Params:      call.Params,
	}
	return client.postAudio(ctx, inst.endpoint(inst.Paths.Synthesis), nil, body)
}

func (OneStep) Retarget(call Call, fb Fallback) Call {
	call.StyleID = fb.StyleID
	call.SpeakerUUID = fb.SpeakerUUID
	return call
}

func paramsMap(p Params) (map[string]any, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
