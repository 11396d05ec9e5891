package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Error variables for configuration decoding and validation.
var (
	ErrMissingRuleID        = errors.New("rule id is required")
	ErrMissingTitle         = errors.New("rule title is required")
	ErrMissingTrigger       = errors.New("rule trigger is required")
	ErrMissingResponse      = errors.New("rule response is required")
	ErrMissingEventName     = errors.New("event trigger name is required")
	ErrEmptyOptions         = errors.New("response options cannot be empty")
	ErrEmptyOption          = errors.New("response option cannot be empty")
	ErrUnknownResponseType  = errors.New("unknown response type")
	ErrUnknownTriggerType   = errors.New("unknown trigger type")
	ErrUnknownMatcherOp     = errors.New("unknown matcher operator")
	ErrNegativeDuration     = errors.New("duration fields cannot be negative")
	ErrInvalidMaxAttempts   = errors.New("maxAttempts must be at least 1")
	ErrInvalidMaxTextLength = errors.New("text maxLength must be at least 1")
)

// ResponseType is the discriminator of SurveyResponse.
type ResponseType string

const (
	ResponseTypeOptions  ResponseType = "options"
	ResponseTypeText     ResponseType = "text"
	ResponseTypeCombined ResponseType = "combined"
)

// TextFieldConfig describes a free-text input.
type TextFieldConfig struct {
	Placeholder string `json:"placeholder,omitempty"`
	Required    bool   `json:"required,omitempty"`
	MaxLength   *int   `json:"maxLength,omitempty"`
}

// SurveyResponse is the tagged union of response shapes:
//   - options:  Options set, Text nil
//   - text:     Text set, Options nil
//   - combined: Options set, Text optional
type SurveyResponse struct {
	Type    ResponseType
	Options []string
	Text    *TextFieldConfig
}

// OptionsResponse builds an options response.
func OptionsResponse(options ...string) SurveyResponse {
	return SurveyResponse{Type: ResponseTypeOptions, Options: options}
}

// TextResponse builds a free-text response.
func TextResponse(cfg TextFieldConfig) SurveyResponse {
	return SurveyResponse{Type: ResponseTypeText, Text: &cfg}
}

// CombinedResponse builds an options response with an optional text field.
func CombinedResponse(options []string, text *TextFieldConfig) SurveyResponse {
	return SurveyResponse{Type: ResponseTypeCombined, Options: options, Text: text}
}

// Validate checks the variant payload.
func (r SurveyResponse) Validate() error {
	switch r.Type {
	case ResponseTypeOptions, ResponseTypeCombined:
		if len(r.Options) == 0 {
			return ErrEmptyOptions
		}
		for _, o := range r.Options {
			if o == "" {
				return ErrEmptyOption
			}
		}
		if r.Type == ResponseTypeOptions && r.Text != nil {
			return fmt.Errorf("%w: options response cannot carry a text field", ErrUnknownResponseType)
		}
	case ResponseTypeText:
		if r.Text == nil {
			return fmt.Errorf("text response requires a text field config")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownResponseType, r.Type)
	}
	if r.Text != nil && r.Text.MaxLength != nil && *r.Text.MaxLength < 1 {
		return ErrInvalidMaxTextLength
	}
	return nil
}

type responseJSON struct {
	Type        ResponseType     `json:"type"`
	Options     []string         `json:"options,omitempty"`
	Placeholder string           `json:"placeholder,omitempty"`
	Required    bool             `json:"required,omitempty"`
	MaxLength   *int             `json:"maxLength,omitempty"`
	TextField   *TextFieldConfig `json:"textField,omitempty"`
}

// MarshalJSON encodes the response with its "type" discriminator.
// The text variant flattens its field config; combined nests it under "textField".
func (r SurveyResponse) MarshalJSON() ([]byte, error) {
	out := responseJSON{Type: r.Type}
	switch r.Type {
	case ResponseTypeOptions:
		out.Options = r.Options
	case ResponseTypeText:
		if r.Text != nil {
			out.Placeholder = r.Text.Placeholder
			out.Required = r.Text.Required
			out.MaxLength = r.Text.MaxLength
		}
	case ResponseTypeCombined:
		out.Options = r.Options
		out.TextField = r.Text
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownResponseType, r.Type)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes and validates a response object.
func (r *SurveyResponse) UnmarshalJSON(data []byte) error {
	var raw responseJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("response: %w", err)
	}
	var decoded SurveyResponse
	switch raw.Type {
	case ResponseTypeOptions:
		decoded = OptionsResponse(raw.Options...)
	case ResponseTypeText:
		decoded = TextResponse(TextFieldConfig{Placeholder: raw.Placeholder, Required: raw.Required, MaxLength: raw.MaxLength})
	case ResponseTypeCombined:
		decoded = CombinedResponse(raw.Options, raw.TextField)
	default:
		return fmt.Errorf("response: %w: %q", ErrUnknownResponseType, raw.Type)
	}
	if err := decoded.Validate(); err != nil {
		return fmt.Errorf("response: %w", err)
	}
	*r = decoded
	return nil
}

// TriggerType is the discriminator of SurveyTrigger.
type TriggerType string

const (
	TriggerTypeEvent TriggerType = "event"
)

// EventTrigger fires a rule when an event with Name arrives and every property matcher holds.
type EventTrigger struct {
	Name                 string                     `json:"name"`
	Properties           map[string]PropertyMatcher `json:"properties,omitempty"`
	ScheduleAfterSeconds *float64                   `json:"scheduleAfterSeconds,omitempty"`
}

// Matches reports whether ev satisfies the trigger: name equality plus all matchers.
func (t EventTrigger) Matches(ev Event) bool {
	if ev.Name != t.Name {
		return false
	}
	for key, m := range t.Properties {
		if !m.Matches(ev.Properties, key) {
			return false
		}
	}
	return true
}

// Delay returns the configured presentation delay; zero means present immediately.
func (t EventTrigger) Delay() time.Duration {
	if t.ScheduleAfterSeconds == nil || *t.ScheduleAfterSeconds <= 0 {
		return 0
	}
	return Seconds(*t.ScheduleAfterSeconds)
}

// SurveyTrigger is the tagged union of trigger kinds. Only "event" exists today.
type SurveyTrigger struct {
	Type  TriggerType
	Event *EventTrigger
}

// OnEvent builds an event trigger.
func OnEvent(t EventTrigger) SurveyTrigger {
	return SurveyTrigger{Type: TriggerTypeEvent, Event: &t}
}

// Matches dispatches to the active trigger variant.
func (t SurveyTrigger) Matches(ev Event) bool {
	switch t.Type {
	case TriggerTypeEvent:
		return t.Event != nil && t.Event.Matches(ev)
	default:
		return false
	}
}

// Delay dispatches to the active trigger variant.
func (t SurveyTrigger) Delay() time.Duration {
	switch t.Type {
	case TriggerTypeEvent:
		if t.Event == nil {
			return 0
		}
		return t.Event.Delay()
	default:
		return 0
	}
}

type triggerJSON struct {
	Type TriggerType `json:"type"`
	EventTrigger
}

// MarshalJSON flattens the variant next to its "type" discriminator.
func (t SurveyTrigger) MarshalJSON() ([]byte, error) {
	switch t.Type {
	case TriggerTypeEvent:
		if t.Event == nil {
			return nil, ErrMissingEventName
		}
		return json.Marshal(triggerJSON{Type: t.Type, EventTrigger: *t.Event})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTriggerType, t.Type)
	}
}

// UnmarshalJSON decodes and validates a trigger object.
func (t *SurveyTrigger) UnmarshalJSON(data []byte) error {
	var raw triggerJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("trigger: %w", err)
	}
	switch raw.Type {
	case TriggerTypeEvent:
		if raw.Name == "" {
			return fmt.Errorf("trigger: %w", ErrMissingEventName)
		}
		if raw.ScheduleAfterSeconds != nil && *raw.ScheduleAfterSeconds < 0 {
			return fmt.Errorf("trigger: scheduleAfterSeconds: %w", ErrNegativeDuration)
		}
		*t = OnEvent(raw.EventTrigger)
		return nil
	default:
		return fmt.Errorf("trigger: %w: %q", ErrUnknownTriggerType, raw.Type)
	}
}

// NotificationConfig is handed to the notification collaborator untouched.
type NotificationConfig struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

// SurveyRule is one configured survey definition.
type SurveyRule struct {
	ID                     string              `json:"id"`
	Title                  string              `json:"title"`
	Message                string              `json:"message,omitempty"`
	Response               SurveyResponse      `json:"response"`
	Trigger                SurveyTrigger       `json:"trigger"`
	OncePerSession         bool                `json:"oncePerSession"`
	OncePerUser            bool                `json:"oncePerUser"`
	CooldownSeconds        *float64            `json:"cooldownSeconds,omitempty"`
	MaxAttempts            *int                `json:"maxAttempts,omitempty"`
	AttemptCooldownSeconds *float64            `json:"attemptCooldownSeconds,omitempty"`
	Notification           *NotificationConfig `json:"notification,omitempty"`
}

// ruleJSON mirrors SurveyRule with optional fields so defaults and the
// legacy top-level "options" shorthand can be applied.
type ruleJSON struct {
	ID                     string              `json:"id"`
	RuleID                 string              `json:"ruleId"`
	Title                  string              `json:"title"`
	Message                string              `json:"message"`
	Response               *SurveyResponse     `json:"response"`
	Options                []string            `json:"options"`
	Trigger                *SurveyTrigger      `json:"trigger"`
	OncePerSession         *bool               `json:"oncePerSession"`
	OncePerUser            bool                `json:"oncePerUser"`
	CooldownSeconds        *float64            `json:"cooldownSeconds"`
	MaxAttempts            *int                `json:"maxAttempts"`
	AttemptCooldownSeconds *float64            `json:"attemptCooldownSeconds"`
	Notification           *NotificationConfig `json:"notification"`
}

// UnmarshalJSON decodes a rule, applying oncePerSession=true by default and
// translating the legacy "options" array into an options response.
func (r *SurveyRule) UnmarshalJSON(data []byte) error {
	var raw ruleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	rule := SurveyRule{
		ID:                     raw.ID,
		Title:                  raw.Title,
		Message:                raw.Message,
		OncePerSession:         true,
		OncePerUser:            raw.OncePerUser,
		CooldownSeconds:        raw.CooldownSeconds,
		MaxAttempts:            raw.MaxAttempts,
		AttemptCooldownSeconds: raw.AttemptCooldownSeconds,
		Notification:           raw.Notification,
	}
	if rule.ID == "" {
		rule.ID = raw.RuleID
	}
	if raw.OncePerSession != nil {
		rule.OncePerSession = *raw.OncePerSession
	}
	switch {
	case raw.Response != nil:
		rule.Response = *raw.Response
	case raw.Options != nil:
		rule.Response = OptionsResponse(raw.Options...)
	default:
		return ErrMissingResponse
	}
	if raw.Trigger == nil {
		return ErrMissingTrigger
	}
	rule.Trigger = *raw.Trigger
	if err := rule.Validate(); err != nil {
		return err
	}
	*r = rule
	return nil
}

// Validate checks required fields and numeric ranges.
func (r SurveyRule) Validate() error {
	if r.ID == "" {
		return ErrMissingRuleID
	}
	if r.Title == "" {
		return ErrMissingTitle
	}
	if err := r.Response.Validate(); err != nil {
		return err
	}
	if r.Trigger.Type != TriggerTypeEvent || r.Trigger.Event == nil {
		return fmt.Errorf("%w: %q", ErrUnknownTriggerType, r.Trigger.Type)
	}
	for name, v := range map[string]*float64{
		"cooldownSeconds":        r.CooldownSeconds,
		"attemptCooldownSeconds": r.AttemptCooldownSeconds,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s: %w", name, ErrNegativeDuration)
		}
	}
	if r.MaxAttempts != nil && *r.MaxAttempts < 1 {
		return ErrInvalidMaxAttempts
	}
	return nil
}

// GatingPolicy extracts the parameters the gating store needs.
func (r SurveyRule) GatingPolicy() GatingPolicy {
	p := GatingPolicy{OncePerUser: r.OncePerUser, MaxAttempts: r.MaxAttempts}
	if r.CooldownSeconds != nil {
		d := Seconds(*r.CooldownSeconds)
		p.Cooldown = &d
	}
	if r.AttemptCooldownSeconds != nil {
		d := Seconds(*r.AttemptCooldownSeconds)
		p.AttemptCooldown = &d
	}
	return p
}

// SurveyConfig is the top-level configuration document.
type SurveyConfig struct {
	Surveys []SurveyRule `json:"surveys"`
}

// Rule finds a rule by id.
func (c SurveyConfig) Rule(id string) (SurveyRule, bool) {
	for _, r := range c.Surveys {
		if r.ID == id {
			return r, true
		}
	}
	return SurveyRule{}, false
}

// Seconds converts a fractional seconds value to a Duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
