// Package casegen invents patient cases for training sessions.
//
// The creator asks a generative model for a JSON-shaped case and never fails:
// when the call or the parse fails, the fixed DefaultCase is used and the
// result is marked degraded.
package casegen

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/PatientSim/internal/genai"
	"github.com/BTreeMap/PatientSim/internal/models"
	"github.com/BTreeMap/PatientSim/internal/util"
)

// Result is the outcome of one generation.
type Result struct {
	Case models.PatientCase
	// Degraded is true when Case is the default case.
	Degraded bool
	// Err is why the default case was used; nil when not degraded.
	Err error
}

// Generator produces patient cases with a generative model.
type Generator struct {
	client   genai.ClientInterface
	settings Settings
}

// NewGenerator creates a generator. Zero-valued settings fields take their defaults.
func NewGenerator(client genai.ClientInterface, settings Settings) *Generator {
	d := DefaultSettings()
	if settings.Specialties == nil {
		settings.Specialties = d.Specialties
	}
	if settings.ExcludedConditions == nil {
		settings.ExcludedConditions = d.ExcludedConditions
	}
	if settings.Temperature <= 0 {
		settings.Temperature = d.Temperature
	}
	return &Generator{client: client, settings: settings}
}

// Generate returns a new patient case. It does not return an error.
func (g *Generator) Generate(ctx context.Context) Result {
	prompt := g.Prompt()
	raw, err := g.client.Chat(ctx, []genai.Message{genai.UserMessage(prompt)}, g.settings.Temperature)
	if err != nil {
		slog.Warn("Generator.Generate: model call failed, using default case", "error", err)
		return Result{Case: DefaultCase(), Degraded: true, Err: fmt.Errorf("generate case: %w", err)}
	}

	c, err := ParseCase(raw)
	if err != nil {
		slog.Warn("Generator.Generate: unusable model output, using default case", "error", err, "outputLength", len(raw))
		return Result{Case: DefaultCase(), Degraded: true, Err: err}
	}

	slog.Info("Generator.Generate: created case", "name", c.Name, "disease", c.Disease, "symptoms", len(c.VisibleSymptoms))
	return Result{Case: c}
}

// Prompt builds the creator request. A specialty is drawn at random per call.
func (g *Generator) Prompt() string {
	var b strings.Builder
	b.WriteString("Generate a random medical patient profile for a diagnosis training exercise.\n\n")
	b.WriteString("RULES FOR VARIETY:\n")
	n := 1
	if len(g.settings.ExcludedConditions) > 0 {
		fmt.Fprintf(&b, "%d. Do NOT use %s.\n", n, quoteList(g.settings.ExcludedConditions))
		n++
	}
	if specialty, ok := util.PickRandom(g.settings.Specialties); ok {
		fmt.Fprintf(&b, "%d. Pick a specific condition from %s (other fields allowed: %s).\n", n, specialty, strings.Join(g.settings.Specialties, ", "))
		n++
	}
	fmt.Fprintf(&b, "%d. Make it realistic but distinct. List at least three visible symptoms, most prominent first.\n\n", n)
	b.WriteString(`Return ONLY valid JSON:
{
  "name": "First Name",
  "age": Integer,
  "sex": "Male" or "Female",
  "disease": "Specific Condition Name",
  "visible_symptoms": ["Main Symptom", "Secondary Symptom", "Another Symptom"],
  "secret_symptom": "Critical clue revealed only if asked",
  "red_flags": "Emergency sign",
  "pain_description": "How the pain feels",
  "treatment": ["Correct Medication/Action"],
  "personality": "Speech style"
}`)
	return b.String()
}

func quoteList(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return strings.Join(quoted, ", ")
}
