package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

const sampleJSON = `{
  "surveys": [
    {
      "id": "post_purchase",
      "title": "How was checkout?",
      "message": "Tell us about your purchase",
      "response": {"type": "combined", "options": ["Poor", "Good"], "textField": {"placeholder": "Anything else?", "maxLength": 200}},
      "trigger": {"type": "event", "name": "purchase", "properties": {"amount": {"op": "gte", "value": 10}, "currency": "EUR"}, "scheduleAfterSeconds": 5},
      "maxAttempts": 3,
      "cooldownSeconds": 3600,
      "notification": {"title": "Quick question", "body": "Got a second?"}
    },
    {
      "ruleId": "legacy",
      "title": "Legacy rule",
      "message": "Old style",
      "options": ["Yes", "No"],
      "trigger": {"type": "event", "name": "app_open"}
    }
  ]
}`

const sampleYAML = `
surveys:
  - id: post_purchase
    title: How was checkout?
    message: Tell us about your purchase
    response:
      type: options
      options: [Poor, Good]
    trigger:
      type: event
      name: purchase
      properties:
        amount:
          op: gte
          value: 10
        vip:
          op: exists
    oncePerUser: true
`

func TestParseJSON(t *testing.T) {
	cfg, err := Parse([]byte(sampleJSON), FormatJSON)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Surveys) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(cfg.Surveys))
	}

	rule, ok := cfg.Rule("post_purchase")
	if !ok {
		t.Fatal("post_purchase missing")
	}
	if rule.Response.Type != models.ResponseTypeCombined || rule.Response.Text == nil || *rule.Response.Text.MaxLength != 200 {
		t.Errorf("combined response not decoded: %+v", rule.Response)
	}
	if rule.Trigger.Delay() != 5*time.Second {
		t.Errorf("unexpected delay %v", rule.Trigger.Delay())
	}
	if !rule.OncePerSession {
		t.Error("oncePerSession should default to true")
	}
	if rule.Notification == nil || rule.Notification.Title != "Quick question" {
		t.Errorf("notification not decoded: %+v", rule.Notification)
	}

	purchase := models.Event{Name: "purchase", Properties: models.Properties{
		"amount":   models.DoubleValue(12.5),
		"currency": models.StringValue("EUR"),
	}}
	if !rule.Trigger.Matches(purchase) {
		t.Error("expected trigger to match purchase")
	}

	legacy, ok := cfg.Rule("legacy")
	if !ok {
		t.Fatal("legacy rule missing")
	}
	if legacy.Response.Type != models.ResponseTypeOptions || len(legacy.Response.Options) != 2 {
		t.Errorf("legacy options not translated: %+v", legacy.Response)
	}
}

func TestParseYAML(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML), FormatYAML)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Surveys) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(cfg.Surveys))
	}
	rule := cfg.Surveys[0]
	if !rule.OncePerUser {
		t.Error("oncePerUser not decoded")
	}
	ev := models.Event{Name: "purchase", Properties: models.Properties{
		"amount": models.IntValue(10),
		"vip":    models.BoolValue(false),
	}}
	if !rule.Trigger.Matches(ev) {
		t.Error("expected YAML trigger to match")
	}
	delete(ev.Properties, "vip")
	if rule.Trigger.Matches(ev) {
		t.Error("exists matcher should fail without the key")
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		format  Format
		index   int
		ruleID  string
		wantErr error
	}{
		{"malformed json", `{"surveys": [`, FormatJSON, -1, "", nil},
		{"missing surveys", `{}`, FormatJSON, -1, "", ErrMissingSurveys},
		{"malformed yaml", "surveys: [\n  - id: x\n bad", FormatYAML, -1, "", nil},
		{"unknown trigger", `{"surveys":[{"id":"a","title":"t","message":"m","response":{"type":"options","options":["x"]},"trigger":{"type":"timer"}}]}`,
			FormatJSON, 0, "a", models.ErrUnknownTriggerType},
		{"unknown response", `{"surveys":[{"id":"b","title":"t","message":"m","response":{"type":"slider"},"trigger":{"type":"event","name":"x"}}]}`,
			FormatJSON, 0, "b", models.ErrUnknownResponseType},
		{"unknown matcher op", `{"surveys":[{"id":"c","title":"t","message":"m","response":{"type":"options","options":["x"]},"trigger":{"type":"event","name":"x","properties":{"k":{"op":"regex","value":"."}}}}]}`,
			FormatJSON, 0, "c", models.ErrUnknownMatcherOp},
		{"missing title", `{"surveys":[{"id":"d","message":"m","response":{"type":"options","options":["x"]},"trigger":{"type":"event","name":"x"}}]}`,
			FormatJSON, 0, "d", models.ErrMissingTitle},
		{"duplicate id", `{"surveys":[
			{"id":"e","title":"t","message":"m","response":{"type":"options","options":["x"]},"trigger":{"type":"event","name":"x"}},
			{"id":"e","title":"t","message":"m","response":{"type":"options","options":["x"]},"trigger":{"type":"event","name":"y"}}]}`,
			FormatJSON, 1, "e", ErrDuplicateRuleID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), tt.format)
			if err == nil {
				t.Fatal("expected error")
			}
			var decErr *DecodeError
			if !errors.As(err, &decErr) {
				t.Fatalf("expected *DecodeError, got %T: %v", err, err)
			}
			if decErr.Index != tt.index {
				t.Errorf("index = %d, want %d (%v)", decErr.Index, tt.index, err)
			}
			if decErr.RuleID != tt.ruleID {
				t.Errorf("rule id = %q, want %q", decErr.RuleID, tt.ruleID)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v in chain, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestEmptySurveysIsValid(t *testing.T) {
	cfg, err := Parse([]byte(`{"surveys": []}`), FormatJSON)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Surveys) != 0 {
		t.Errorf("expected no rules, got %d", len(cfg.Surveys))
	}
}

func TestFormatForPath(t *testing.T) {
	tests := map[string]Format{
		"surveys.json": FormatJSON,
		"surveys.yaml": FormatYAML,
		"surveys.YML":  FormatYAML,
		"surveys":      FormatJSON,
	}
	for path, want := range tests {
		if got := FormatForPath(path); got != want {
			t.Errorf("FormatForPath(%q) = %s, want %s", path, got, want)
		}
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "surveys.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Surveys) != 1 {
		t.Errorf("expected 1 rule, got %d", len(cfg.Surveys))
	}

	if _, err := Load(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte(`{"surveys": 3}`), 0644)
	_, err = Load(bad)
	var decErr *DecodeError
	if !errors.As(err, &decErr) || !strings.Contains(err.Error(), bad) {
		t.Errorf("expected DecodeError naming the file, got %v", err)
	}
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "surveys.json")
	if err := os.WriteFile(path, []byte(`{"surveys": []}`), 0644); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var got []models.SurveyConfig
	w, err := NewWatcher(path, func(cfg models.SurveyConfig) {
		mu.Lock()
		got = append(got, cfg)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.debounce = 20 * time.Millisecond
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	// An invalid version is ignored.
	if err := os.WriteFile(path, []byte(`{"surveys": [`), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if w.Reloads() != 0 {
		t.Fatalf("invalid config should not be delivered")
	}

	// Replace by rename, as editors do.
	tmp := filepath.Join(dir, ".surveys.json.tmp")
	if err := os.WriteFile(tmp, []byte(sampleJSON), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for w.Reloads() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) == 0 {
		t.Fatal("expected reload after valid write")
	}
	if last := got[len(got)-1]; len(last.Surveys) != 2 {
		t.Errorf("expected reloaded config with 2 rules, got %d", len(last.Surveys))
	}
}

func TestWatcherRunStopsWithContext(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "surveys.json")
	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
