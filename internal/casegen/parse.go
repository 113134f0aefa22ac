package casegen

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/BTreeMap/PatientSim/internal/models"
)

var (
	ErrNoJSONObject = errors.New("no JSON object in model output")
	ErrInvalidCase  = errors.New("invalid patient case")
)

var codeFence = regexp.MustCompile("```json\\s*|```")

// rawCase mirrors models.PatientCase but tolerates a quoted age.
type rawCase struct {
	models.PatientCase
	Age json.RawMessage `json:"age"`
}

// ParseCase extracts a patient case from free-form model output. It strips
// markdown fences, decodes the text between the first '{' and the last '}',
// normalizes symptom and treatment lists, and validates required fields.
func ParseCase(raw string) (models.PatientCase, error) {
	text := strings.TrimSpace(codeFence.ReplaceAllString(raw, ""))

	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 || end < 0 || end < start {
		return models.PatientCase{}, ErrNoJSONObject
	}

	var rc rawCase
	if err := json.Unmarshal([]byte(text[start:end+1]), &rc); err != nil {
		return models.PatientCase{}, fmt.Errorf("decode patient case: %w", err)
	}

	c := rc.PatientCase
	age, err := parseAge(rc.Age)
	if err != nil {
		return models.PatientCase{}, err
	}
	c.Age = age
	c.Name = strings.TrimSpace(c.Name)
	c.Disease = strings.TrimSpace(c.Disease)
	c.Sex = normalizeSex(c.Sex)
	c.VisibleSymptoms = c.VisibleSymptoms.Compact()
	c.Treatment = c.Treatment.Compact()

	switch {
	case c.Name == "":
		return models.PatientCase{}, fmt.Errorf("%w: missing name", ErrInvalidCase)
	case c.Disease == "":
		return models.PatientCase{}, fmt.Errorf("%w: missing disease", ErrInvalidCase)
	case len(c.VisibleSymptoms) == 0:
		return models.PatientCase{}, fmt.Errorf("%w: missing visible_symptoms", ErrInvalidCase)
	case len(c.Treatment) == 0:
		return models.PatientCase{}, fmt.Errorf("%w: missing treatment", ErrInvalidCase)
	}
	return c, nil
}

func parseAge(raw json.RawMessage) (int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return boundedAge(n), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("%w: age is neither number nor string", ErrInvalidCase)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseFloat(strings.Fields(s)[0], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: age %q", ErrInvalidCase, s)
	}
	return boundedAge(n), nil
}

// maxAge is the oldest age accepted from the model.
const maxAge = 130

// boundedAge converts n to whole years. Values outside [0, maxAge], NaN
// included, become 0, which renders as unspecified.
func boundedAge(n float64) int {
	if !(n >= 0 && n <= maxAge) {
		return 0
	}
	return int(n)
}

// normalizeSex maps common spellings to Male/Female; anything else is kept as given.
func normalizeSex(s models.Sex) models.Sex {
	v := strings.TrimSpace(string(s))
	switch strings.ToLower(v) {
	case "male", "m", "man":
		return models.SexMale
	case "female", "f", "woman":
		return models.SexFemale
	}
	return models.Sex(v)
}

// DefaultCase is the fixed case used whenever generation fails.
func DefaultCase() models.PatientCase {
	return models.PatientCase{
		Name:            "Alex",
		Age:             30,
		Sex:             models.SexMale,
		Disease:         "Migraine",
		VisibleSymptoms: models.StringList{"Severe headache", "Sensitivity to light"},
		SecretSymptom:   "Nausea",
		RedFlags:        "Vision loss",
		Treatment:       models.StringList{"Triptans"},
		Personality:     "Stoic",
	}
}
