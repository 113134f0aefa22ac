// Package models defines the core data structures for PatientSim.
//
// It includes the generated patient case, the conversation session with its
// transcript, and the registered trainee accounts, which are shared across modules.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error variables for better error handling and testability
var (
	ErrBadRequest         = errors.New("bad request")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUsernameTaken      = errors.New("username already exists")
	ErrForbidden          = errors.New("forbidden")
)

// Sex of a simulated patient.
type Sex string

const (
	SexMale   Sex = "Male"
	SexFemale Sex = "Female"
)

// StringList is a list of strings that also accepts a single JSON string,
// which is decoded as a one-element list.
type StringList []string

// UnmarshalJSON decodes either a JSON array of strings or a single string.
func (l *StringList) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*l = nil
		return nil
	}
	if strings.HasPrefix(trimmed, "\"") {
		var single string
		if err := json.Unmarshal(data, &single); err != nil {
			return err
		}
		*l = StringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	*l = many
	return nil
}

// Compact returns the list without blank entries, with surrounding space trimmed.
func (l StringList) Compact() StringList {
	out := make(StringList, 0, len(l))
	for _, s := range l {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// PatientCase is a generated training scenario.
//
// VisibleSymptoms is ordered: the first entry is the main complaint, the rest
// are secondary symptoms. Disease, SecretSymptom and Treatment stay server-side.
type PatientCase struct {
	Name            string     `json:"name"`
	Age             int        `json:"age"`
	Sex             Sex        `json:"sex,omitempty"`
	Disease         string     `json:"disease"`
	VisibleSymptoms StringList `json:"visible_symptoms"`
	SecretSymptom   string     `json:"secret_symptom"`
	RedFlags        string     `json:"red_flags,omitempty"`
	PainDescription string     `json:"pain_description,omitempty"`
	Treatment       StringList `json:"treatment"`
	Personality     string     `json:"personality,omitempty"`
}

// MainSymptom returns the symptom the patient opens the conversation with.
func (c PatientCase) MainSymptom() string {
	if len(c.VisibleSymptoms) == 0 {
		return ""
	}
	return c.VisibleSymptoms[0]
}

// SecondarySymptoms returns the symptoms revealed only on follow-up.
func (c PatientCase) SecondarySymptoms() []string {
	if len(c.VisibleSymptoms) < 2 {
		return nil
	}
	return c.VisibleSymptoms[1:]
}

// Info returns the fields that may be shown to the trainee.
func (c PatientCase) Info() PatientInfo {
	info := PatientInfo{Name: c.Name, Age: c.Age, Sex: string(c.Sex)}
	if info.Name == "" {
		info.Name = "Unknown"
	}
	if info.Sex == "" {
		info.Sex = "?"
	}
	return info
}

// PatientInfo is the public header of a session.
type PatientInfo struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
	Sex  string `json:"sex"`
}

// Role identifies the author of a transcript entry.
type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

// TurnRecord is a single transcript entry.
type TurnRecord struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Session is one simulated encounter, keyed by the client-supplied thread ID.
// Patient is fixed when the session is created; only Transcript grows.
type Session struct {
	ThreadID   string       `json:"thread_id"`
	OwnerID    string       `json:"owner_id"`
	Patient    PatientCase  `json:"patient"`
	Transcript []TurnRecord `json:"transcript"`
	CreatedAt  time.Time    `json:"created_at"`
}

// SessionSummary is a row of the per-trainee session list.
type SessionSummary struct {
	ThreadID string `json:"thread_id"`
	Patient  string `json:"patient"`
	Disease  string `json:"disease"`
}

// Summary returns the list view of the session.
func (s Session) Summary() SessionSummary {
	return SessionSummary{ThreadID: s.ThreadID, Patient: s.Patient.Name, Disease: s.Patient.Disease}
}

// User is a registered trainee account.
type User struct {
	ID           string    `json:"user_id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
