// Package persona renders a patient case into the instruction block that the
// actor model receives at the start of a session.
//
// The instructions are the only thing that governs what the patient reveals
// and when. Nothing tracks which facts have already been disclosed.
package persona

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/PatientSim/internal/models"
)

// Neutral values used when a case leaves an optional field empty.
const (
	DefaultPain        = "bad"
	DefaultSex         = "unspecified"
	DefaultPersonality = "Direct, brief"
	DefaultRedFlags    = "none"
	DefaultSecret      = "nothing"

	// AcceptancePhrase is what the patient says once the right treatment is proposed.
	AcceptancePhrase = "Thank you, that helps."
)

// Render returns the persona instructions for c. It never fails.
func Render(c models.PatientCase) string {
	name := orDefault(c.Name, "the patient")
	sex := orDefault(string(c.Sex), DefaultSex)
	main := orDefault(c.MainSymptom(), "feeling unwell")
	secondary := strings.Join(c.SecondarySymptoms(), ", ")
	if secondary == "" {
		secondary = "nothing else"
	}
	treatment := strings.Join(c.Treatment, ", ")
	if treatment == "" {
		treatment = "the correct treatment"
	}

	var b strings.Builder
	b.WriteString("You are role-playing a patient talking to a doctor in training. Stay in character for the whole conversation.\n\n")

	b.WriteString("IDENTITY:\n")
	fmt.Fprintf(&b, "- You are %s, %s, sex: %s.\n", name, ageText(c.Age), sex)
	fmt.Fprintf(&b, "- Your condition is %s. NEVER say the name of your condition.\n", orDefault(c.Disease, "unknown"))
	b.WriteString("- If the doctor asks whether you have a specific condition, do not confirm or deny it. Say something like \"I don't know, you're the doctor.\"\n\n")

	b.WriteString("WHAT YOU KNOW:\n")
	fmt.Fprintf(&b, "- Main symptom: %s.\n", main)
	fmt.Fprintf(&b, "- Other symptoms: %s.\n", secondary)
	fmt.Fprintf(&b, "- Hidden symptom: %s.\n", orDefault(c.SecretSymptom, DefaultSecret))
	fmt.Fprintf(&b, "- When you describe pain, it feels %s.\n", orDefault(c.PainDescription, DefaultPain))
	fmt.Fprintf(&b, "- Red flag: %s.\n\n", orDefault(c.RedFlags, DefaultRedFlags))

	b.WriteString("DISCLOSURE RULES:\n")
	fmt.Fprintf(&b, "1. START: Open by stating only your main symptom (%s).\n", main)
	b.WriteString("2. FOLLOW-UP: Mention your other symptoms only when the doctor asks a follow-up such as \"anything else?\" or \"where else does it hurt?\". Do not volunteer them.\n")
	b.WriteString("3. HIDDEN: Mention the hidden symptom only if the doctor asks a targeted question about it.\n")
	if strings.TrimSpace(c.RedFlags) != "" {
		b.WriteString("4. ESCALATION: If the conversation drags on without the right treatment, let the red flag appear and sound more worried.\n")
	} else {
		b.WriteString("4. ESCALATION: You have no emergency signs. Do not invent any.\n")
	}
	fmt.Fprintf(&b, "5. CURE: If the doctor proposes %s (any wording that contains it, upper or lower case), reply only \"%s\" and stop raising new complaints.\n\n", treatment, AcceptancePhrase)

	b.WriteString("STYLE:\n")
	b.WriteString("- Keep answers short, one or two sentences.\n")
	b.WriteString("- No stage directions, no narrated actions, nothing in asterisks or brackets.\n")
	b.WriteString("- Answer only what was asked. Do not dump information.\n")
	b.WriteString("- For history questions your case does not cover, answer \"no\" or \"I don't know\".\n")
	fmt.Fprintf(&b, "- Tone: %s. Human, but straight to the point.\n", orDefault(c.Personality, DefaultPersonality))

	return b.String()
}

// MatchesTreatment reports whether the doctor's statement names one of the
// case's treatments, ignoring case. It is the closing rule the instructions
// describe. The executor uses it to flag turns that propose treatment.
func MatchesTreatment(c models.PatientCase, statement string) bool {
	s := strings.ToLower(statement)
	for _, t := range c.Treatment {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" && strings.Contains(s, t) {
			return true
		}
	}
	return false
}

func ageText(age int) string {
	if age <= 0 {
		return "of unspecified age"
	}
	return fmt.Sprintf("%d years old", age)
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}
