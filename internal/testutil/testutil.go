// Package testutil provides common test utilities and helpers for PatientSim tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/BTreeMap/PatientSim/internal/genai"
	"github.com/BTreeMap/PatientSim/internal/models"
)

// TB is the subset of testing.TB used by the helpers.
type TB interface {
	Helper()
	Errorf(format string, args ...any)
	Fatalf(format string, args ...any)
}

// ErrScriptExhausted is returned by FakeChat when no reply is left.
var ErrScriptExhausted = errors.New("fake chat: no scripted reply left")

// ChatCall records one FakeChat invocation.
type ChatCall struct {
	Messages    []genai.Message
	Temperature float64
}

// FakeChat is a scripted genai.ClientInterface. Respond, when set, takes
// precedence over Replies; otherwise Replies are returned in order and Err is
// returned once they run out (ErrScriptExhausted if Err is nil).
type FakeChat struct {
	mu      sync.Mutex
	Replies []string
	Err     error
	Respond func(messages []genai.Message) (string, error)
	calls   []ChatCall
}

func (f *FakeChat) Chat(ctx context.Context, messages []genai.Message, temperature float64) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, ChatCall{Messages: append([]genai.Message(nil), messages...), Temperature: temperature})
	respond := f.Respond
	var (
		reply string
		err   error
	)
	if respond == nil {
		switch {
		case len(f.Replies) > 0:
			reply, f.Replies = f.Replies[0], f.Replies[1:]
		case f.Err != nil:
			err = f.Err
		default:
			err = ErrScriptExhausted
		}
	}
	f.mu.Unlock()

	if respond != nil {
		return respond(messages)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return reply, err
}

// Calls returns a copy of the recorded invocations.
func (f *FakeChat) Calls() []ChatCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ChatCall(nil), f.calls...)
}

// CallCount returns the number of recorded invocations.
func (f *FakeChat) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// CaseJSON renders a patient case the way a model would return it, inside a markdown fence.
func CaseJSON(c models.PatientCase) string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return "Here is the patient:\n```json\n" + string(data) + "\n```"
}

// SampleCase returns a fully populated case for tests.
func SampleCase() models.PatientCase {
	return models.PatientCase{
		Name:            "Maya",
		Age:             52,
		Sex:             models.SexFemale,
		Disease:         "Hypothyroidism",
		VisibleSymptoms: models.StringList{"Always tired", "Weight gain", "Feeling cold"},
		SecretSymptom:   "Hair thinning",
		RedFlags:        "Confusion",
		PainDescription: "dull",
		Treatment:       models.StringList{"Levothyroxine"},
		Personality:     "Anxious, chatty",
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// CreateJSONRequest creates an HTTP request with an optional JSON body for testing.
func CreateJSONRequest(t TB, method, url string, body any) *http.Request {
	t.Helper()
	var reqBody io.Reader = http.NoBody
	if body != nil {
		reqBody = bytes.NewReader(MustMarshalJSON(t, body))
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TB, data []byte, target any) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON %q: %v", data, err)
	}
}
