// Package config loads the survey configuration document from JSON or YAML
// and keeps it current while the file changes on disk.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// ErrDuplicateRuleID is returned when two rules share an id.
var ErrDuplicateRuleID = errors.New("duplicate rule id")

// ErrMissingSurveys is returned when the document has no surveys array.
var ErrMissingSurveys = errors.New(`configuration must contain a "surveys" array`)

// Format is the encoding of a configuration document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatForPath picks the format from the file extension; anything that is
// not .yaml or .yml is JSON.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// DecodeError reports a configuration that cannot be used. Index is the
// position of the offending rule, or -1 for document-level problems.
type DecodeError struct {
	Source string
	Index  int
	RuleID string
	Err    error
}

func (e *DecodeError) Error() string {
	var b strings.Builder
	b.WriteString("config")
	if e.Source != "" {
		b.WriteString(" " + e.Source)
	}
	if e.Index >= 0 {
		fmt.Fprintf(&b, ": surveys[%d]", e.Index)
		if e.RuleID != "" {
			fmt.Fprintf(&b, " (%s)", e.RuleID)
		}
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type document struct {
	Surveys *[]json.RawMessage `json:"surveys"`
}

// Parse decodes and validates a configuration document.
func Parse(data []byte, format Format) (models.SurveyConfig, error) {
	return parse(data, format, "")
}

func parse(data []byte, format Format, source string) (models.SurveyConfig, error) {
	docErr := func(err error) error {
		return &DecodeError{Source: source, Index: -1, Err: err}
	}

	if format == FormatYAML {
		converted, err := yamlToJSON(data)
		if err != nil {
			return models.SurveyConfig{}, docErr(err)
		}
		data = converted
	}

	var doc document
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return models.SurveyConfig{}, docErr(err)
	}
	if doc.Surveys == nil {
		return models.SurveyConfig{}, docErr(ErrMissingSurveys)
	}

	cfg := models.SurveyConfig{Surveys: make([]models.SurveyRule, 0, len(*doc.Surveys))}
	seen := make(map[string]int)
	for i, raw := range *doc.Surveys {
		var rule models.SurveyRule
		if err := json.Unmarshal(raw, &rule); err != nil {
			return models.SurveyConfig{}, &DecodeError{Source: source, Index: i, RuleID: probeRuleID(raw), Err: err}
		}
		if first, dup := seen[rule.ID]; dup {
			return models.SurveyConfig{}, &DecodeError{
				Source: source, Index: i, RuleID: rule.ID,
				Err: fmt.Errorf("%w: also used by surveys[%d]", ErrDuplicateRuleID, first),
			}
		}
		seen[rule.ID] = i
		cfg.Surveys = append(cfg.Surveys, rule)
	}
	return cfg, nil
}

// probeRuleID extracts a rule id from a rule that failed to decode, for error messages.
func probeRuleID(raw json.RawMessage) string {
	var probe struct {
		ID     string `json:"id"`
		RuleID string `json:"ruleId"`
	}
	if json.Unmarshal(raw, &probe) != nil {
		return ""
	}
	if probe.ID != "" {
		return probe.ID
	}
	return probe.RuleID
}

// Load reads and parses the configuration file at path.
func Load(path string) (models.SurveyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.SurveyConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return parse(data, FormatForPath(path), path)
}

// yamlToJSON re-encodes a YAML document as JSON so the models' JSON decoders
// apply unchanged.
func yamlToJSON(data []byte) ([]byte, error) {
	var v interface{}
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	normalized, err := normalizeYAML(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

func normalizeYAML(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			n, err := normalizeYAML(val)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("yaml: non-string key %v", k)
			}
			n, err := normalizeYAML(val)
			if err != nil {
				return nil, err
			}
			out[key] = n
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			n, err := normalizeYAML(val)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	default:
		return t, nil
	}
}
