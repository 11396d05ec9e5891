package survey

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// CombinedSeparator splits the selected option from free text in a combined payload.
const CombinedSeparator = "||"

var (
	// ErrNotSubmittable is returned by Payload when required input is missing.
	ErrNotSubmittable = errors.New("response is incomplete")
	// ErrUnknownOption is returned when selecting an option the response does not offer.
	ErrUnknownOption = errors.New("unknown response option")
)

// EncodeCombined builds the combined wire format: "<option>||<text>", or just
// "<option>" when the trimmed text is empty.
func EncodeCombined(option, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return option
	}
	return option + CombinedSeparator + text
}

// DecodeCombined splits a combined payload on the first separator.
func DecodeCombined(payload string) (option, text string) {
	option, text, _ = strings.Cut(payload, CombinedSeparator)
	return option, text
}

// ResponseDraft holds a user's in-progress answer to a survey.
type ResponseDraft struct {
	response models.SurveyResponse
	selected string
	hasPick  bool
	text     string
}

// NewResponseDraft starts an empty draft for response.
func NewResponseDraft(response models.SurveyResponse) *ResponseDraft {
	return &ResponseDraft{response: response}
}

// SelectOption picks one of the offered options.
func (d *ResponseDraft) SelectOption(option string) error {
	if d.response.Type == models.ResponseTypeText {
		return fmt.Errorf("%w: text responses have no options", ErrUnknownOption)
	}
	for _, o := range d.response.Options {
		if o == option {
			d.selected = option
			d.hasPick = true
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownOption, option)
}

// Selected returns the picked option, if any.
func (d *ResponseDraft) Selected() (string, bool) {
	return d.selected, d.hasPick
}

// SetText stores free text, truncated to the configured maxLength in runes.
func (d *ResponseDraft) SetText(text string) {
	if cfg := d.response.Text; cfg != nil && cfg.MaxLength != nil {
		if runes := []rune(text); len(runes) > *cfg.MaxLength {
			text = string(runes[:*cfg.MaxLength])
		}
	}
	d.text = text
}

// Text returns the stored free text.
func (d *ResponseDraft) Text() string {
	return d.text
}

func (d *ResponseDraft) textSatisfied() bool {
	if d.response.Text == nil || !d.response.Text.Required {
		return true
	}
	return strings.TrimSpace(d.text) != ""
}

// CanSubmit reports whether the draft holds every required input.
func (d *ResponseDraft) CanSubmit() bool {
	switch d.response.Type {
	case models.ResponseTypeOptions:
		return d.hasPick
	case models.ResponseTypeText:
		return d.textSatisfied()
	case models.ResponseTypeCombined:
		return d.hasPick && d.textSatisfied()
	default:
		return false
	}
}

// Payload returns the submitted value in wire format.
func (d *ResponseDraft) Payload() (string, error) {
	if !d.CanSubmit() {
		return "", ErrNotSubmittable
	}
	switch d.response.Type {
	case models.ResponseTypeOptions:
		return d.selected, nil
	case models.ResponseTypeText:
		return strings.TrimSpace(d.text), nil
	default:
		return EncodeCombined(d.selected, d.text), nil
	}
}
