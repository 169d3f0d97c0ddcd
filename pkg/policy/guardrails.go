package policy

import (
	"strings"
	"unicode"

	"github.com/aixgo-dev/clinicflow/pkg/conversation"
)

// GuardReason explains why Screen stopped a message.
type GuardReason string

const (
	GuardNone GuardReason = ""
	// GuardClinicalEscalation stops clinical questions from roles that may
	// not receive clinical advice from the assistant.
	GuardClinicalEscalation GuardReason = "clinical_escalation"
	// GuardSensitiveData stops requests for credentials or card data.
	GuardSensitiveData GuardReason = "sensitive_data"
)

// Guard is the result of Screen.
type Guard struct {
	Blocked bool
	Reason  GuardReason
	// Keyword is the term that matched. It is logged, never shown.
	Keyword string
}

// Keywords are matched as whole words after folding case and punctuation,
// so "secret" does not match "secretaria".
var (
	clinicalKeywords = []string{
		"diagnóstico", "diagnostico", "diagnosticar", "diagnosis", "diagnose",
		"prescribir", "prescribe", "prescription", "receta médica",
		"medicamento", "medicamentos", "medication", "medications",
		"cirugía", "cirugia", "surgery",
		"tratamiento farmacológico", "pharmaceutical treatment",
	}
	sensitiveKeywords = []string{
		"contraseña", "contraseñas", "password", "passwords",
		"api key", "secret", "secrets", "token de acceso", "access token",
		"credit card", "tarjeta de crédito", "tarjeta de credito", "cvv",
	}
)

// clinicalRoles may ask clinical questions.
var clinicalRoles = map[conversation.Role]bool{
	conversation.RoleAdmin:      true,
	conversation.RolePodiatrist: true,
}

// Screen checks a message before it reaches classification. Clinical terms
// are checked first and only block non-clinical roles; sensitive terms
// block everyone.
func Screen(role conversation.Role, message string) Guard {
	words := foldWords(message)
	if !clinicalRoles[role] {
		if kw, ok := containsAny(words, clinicalKeywords); ok {
			return Guard{Blocked: true, Reason: GuardClinicalEscalation, Keyword: kw}
		}
	}
	if kw, ok := containsAny(words, sensitiveKeywords); ok {
		return Guard{Blocked: true, Reason: GuardSensitiveData, Keyword: kw}
	}
	return Guard{}
}

// foldWords lowercases s, turns every non-alphanumeric rune into a space
// and pads the result so whole-word matches can use Contains.
func foldWords(s string) string {
	folded := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, s)
	return " " + strings.Join(strings.Fields(folded), " ") + " "
}

func containsAny(words string, keywords []string) (string, bool) {
	for _, kw := range keywords {
		if strings.Contains(words, foldWords(kw)) {
			return kw, true
		}
	}
	return "", false
}
