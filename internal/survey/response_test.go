package survey

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

func TestCombinedRatingWithOptionalText(t *testing.T) {
	draft := NewResponseDraft(models.CombinedResponse([]string{"Poor", "Good"}, &models.TextFieldConfig{Placeholder: "Tell us more"}))

	assert.False(t, draft.CanSubmit(), "a rating must be chosen first")
	_, err := draft.Payload()
	assert.ErrorIs(t, err, ErrNotSubmittable)

	require.NoError(t, draft.SelectOption("Good"))
	assert.True(t, draft.CanSubmit())
	payload, err := draft.Payload()
	require.NoError(t, err)
	assert.Equal(t, "Good", payload)
}

func TestCombinedRequiredText(t *testing.T) {
	draft := NewResponseDraft(models.CombinedResponse([]string{"Poor", "Good"}, &models.TextFieldConfig{Required: true}))
	require.NoError(t, draft.SelectOption("Poor"))
	assert.False(t, draft.CanSubmit())

	draft.SetText("   ")
	assert.False(t, draft.CanSubmit(), "whitespace does not satisfy a required field")

	draft.SetText("  slow checkout ")
	payload, err := draft.Payload()
	require.NoError(t, err)
	assert.Equal(t, "Poor||slow checkout", payload)

	option, text := DecodeCombined(payload)
	assert.Equal(t, "Poor", option)
	assert.Equal(t, "slow checkout", text)
}

func TestOptionsDraft(t *testing.T) {
	draft := NewResponseDraft(models.OptionsResponse("Yes", "No"))
	err := draft.SelectOption("Maybe")
	assert.True(t, errors.Is(err, ErrUnknownOption))
	_, picked := draft.Selected()
	assert.False(t, picked)

	require.NoError(t, draft.SelectOption("No"))
	require.NoError(t, draft.SelectOption("Yes"))
	payload, err := draft.Payload()
	require.NoError(t, err)
	assert.Equal(t, "Yes", payload)
}

func TestTextDraft(t *testing.T) {
	maxLen := 5
	draft := NewResponseDraft(models.TextResponse(models.TextFieldConfig{Required: true, MaxLength: &maxLen}))
	assert.ErrorIs(t, draft.SelectOption("anything"), ErrUnknownOption)
	assert.False(t, draft.CanSubmit())

	draft.SetText("héllo world")
	assert.Equal(t, "héllo", draft.Text())
	payload, err := draft.Payload()
	require.NoError(t, err)
	assert.Equal(t, "héllo", payload)

	optional := NewResponseDraft(models.TextResponse(models.TextFieldConfig{}))
	assert.True(t, optional.CanSubmit())
}

func TestEncodeDecodeCombined(t *testing.T) {
	tests := []struct {
		name    string
		option  string
		text    string
		payload string
		decoded string
	}{
		{name: "option only", option: "Good", payload: "Good"},
		{name: "blank text dropped", option: "Good", text: " \t", payload: "Good"},
		{name: "with text", option: "Poor", text: "too slow", payload: "Poor||too slow", decoded: "too slow"},
		{name: "separator in text", option: "Poor", text: "a||b", payload: "Poor||a||b", decoded: "a||b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EncodeCombined(tt.option, tt.text)
			assert.Equal(t, tt.payload, got)
			option, text := DecodeCombined(got)
			assert.Equal(t, tt.option, option)
			assert.Equal(t, tt.decoded, text)
		})
	}
}
