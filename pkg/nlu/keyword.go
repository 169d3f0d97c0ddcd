package nlu

import (
	"context"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aixgo-dev/clinicflow/pkg/conversation"
)

type nounRule struct {
	words  []string
	intent conversation.Intent
	count  conversation.Intent
	sum    conversation.Intent
}

// Order matters: the first rule with a matching noun wins.
var nounRules = []nounRule{
	{words: []string{"historial", "alergias", "alergia", "medicamentos", "expediente", "antecedentes", "allergies", "medications", "medical"}, intent: conversation.IntentPatientsMedical},
	{words: []string{"evolución", "evolucion", "evoluciones", "evolution", "evolutions", "notas", "notes"}, intent: conversation.IntentEvolutionsList},
	{words: []string{"tratamiento", "tratamientos", "treatment", "treatments"}, intent: conversation.IntentTreatmentsList},
	{words: []string{"cita", "citas", "agenda", "appointment", "appointments", "schedule"}, intent: conversation.IntentAppointmentsList, count: conversation.IntentAppointmentsCount},
	{words: []string{"pago", "pagos", "ingresos", "cobros", "payment", "payments", "revenue"}, intent: conversation.IntentPaymentsList, sum: conversation.IntentPaymentsSum},
	{words: []string{"gasto", "gastos", "egresos", "expense", "expenses"}, intent: conversation.IntentExpensesList},
	{words: []string{"servicio", "servicios", "precio", "precios", "service", "services", "prices"}, intent: conversation.IntentServicesList},
	{words: []string{"podólogo", "podologo", "podólogos", "podologos", "podóloga", "podologa", "podiatrist", "podiatrists", "doctores", "doctors"}, intent: conversation.IntentPodiatristsList},
	{words: []string{"prospecto", "prospectos", "lead", "leads"}, intent: conversation.IntentLeadsList},
	{words: []string{"usuario", "usuarios", "user", "users", "staff"}, intent: conversation.IntentUsersList},
	{words: []string{"auditoría", "auditoria", "bitácora", "bitacora", "audit"}, intent: conversation.IntentAuditList},
	{words: []string{"paciente", "pacientes", "patient", "patients", "perfil", "profile"}, intent: conversation.IntentPatientsSearch, count: conversation.IntentPatientsCount},
}

var (
	greetings  = []string{"hola", "buenos días", "buenos dias", "buenas tardes", "buenas noches", "hey", "qué tal", "que tal", "hello", "hi", "good morning", "good afternoon", "good evening"}
	outOfScope = []string{"clima", "noticias", "chiste", "juego", "música", "musica", "weather", "news", "joke", "game", "music"}
	countWords = []string{"cuántos", "cuantos", "cuántas", "cuantas", "total de", "número de", "numero de", "how many", "count"}
	sumWords   = []string{"cuánto", "cuanto", "suma", "how much", "sum", "total"}
	readWords  = []string{"muéstrame", "muestrame", "ver", "buscar", "busca", "listar", "lista", "mostrar", "dame", "cuáles", "cuales", "quién", "quien", "tengo", "mis", "show", "list", "find", "search", "what", "which", "who", "my", "give"}
	mutateWord = []string{"agendar", "agenda una", "crear", "crea", "registrar", "registra", "borrar", "borra", "eliminar", "elimina", "actualizar", "actualiza", "modificar", "modifica", "cambiar", "cambia", "cancelar", "cancela", "book", "create", "delete", "remove", "update", "modify", "cancel", "add", "insert", "drop"}

	statusWords = map[string]string{
		"confirmada": "confirmed", "confirmadas": "confirmed", "confirmed": "confirmed",
		"cancelada": "cancelled", "canceladas": "cancelled", "cancelled": "cancelled", "canceled": "cancelled",
		"pendiente": "pending", "pendientes": "pending", "pending": "pending",
		"completada": "completed", "completadas": "completed", "completed": "completed",
		"activo": "active", "activos": "active", "active": "active",
	}

	tokenRe      = regexp.MustCompile(`[\p{L}\p{N}]+`)
	isoDateRe    = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)
	patientIDRe  = regexp.MustCompile(`(?i)\b(?:paciente|patient)\s*(?:#|id|no\.?|número|numero)?\s*(\d+)\b`)
	podiatristRe = regexp.MustCompile(`(?i)\b(?:podólog[oa]|podolog[oa]|podiatrist|doctor[a]?)\s*(?:#|id)?\s*(\d+)\b`)
	quotedRe     = regexp.MustCompile(`["“]([^"”]{2,80})["”]`)
	limitRe      = regexp.MustCompile(`(?i)(?:^|\s)(?:últim[oa]s|ultim[oa]s|primer[oa]s|last|first|top)\s+(\d{1,3})\b`)
)

// KeywordClassifier recognizes common requests in Spanish and English
// without a language model.
type KeywordClassifier struct {
	// Now returns the current time. Relative dates resolve against it.
	Now      func() time.Time
	Location *time.Location
}

// NewKeywordClassifier returns a classifier using the wall clock in loc.
func NewKeywordClassifier(loc *time.Location) *KeywordClassifier {
	if loc == nil {
		loc = time.UTC
	}
	return &KeywordClassifier{Now: time.Now, Location: loc}
}

// Classify implements Classifier.
func (k *KeywordClassifier) Classify(_ context.Context, text string, _ []conversation.Turn) (Classification, error) {
	lower := strings.ToLower(strings.TrimSpace(text))
	tokens := tokenSet(lower)

	if utf8.RuneCountInString(lower) < 30 && hasPrefixAny(lower, greetings) {
		return Classification{Intent: conversation.IntentGreeting, Confidence: 0.95}, nil
	}
	if containsAny(lower, tokens, outOfScope) {
		return Classification{Intent: conversation.IntentOutOfScope, Confidence: 0.9}, nil
	}
	if containsAny(lower, tokens, mutateWord) {
		return Classification{Intent: conversation.IntentMutation, Confidence: 0.85}, nil
	}

	entities := k.extract(text, lower, tokens)
	counting := containsAny(lower, tokens, countWords)
	summing := containsAny(lower, tokens, sumWords)
	reading := containsAny(lower, tokens, readWords)

	for _, rule := range nounRules {
		if !containsAny(lower, tokens, rule.words) {
			continue
		}
		c := Classification{Intent: rule.intent, Entities: entities, Confidence: 0.75}
		switch {
		case counting && rule.count != "":
			c.Intent, c.Confidence = rule.count, 0.85
		case summing && rule.sum != "":
			c.Intent, c.Confidence = rule.sum, 0.85
		case reading || len(entities) > 0:
			c.Confidence = 0.9
		}
		return c, nil
	}

	return Classification{Intent: conversation.IntentUnknown, Entities: entities, Confidence: 0.3}, nil
}

func (k *KeywordClassifier) today() time.Time {
	now := time.Now
	if k.Now != nil {
		now = k.Now
	}
	loc := k.Location
	if loc == nil {
		loc = time.UTC
	}
	return now().In(loc)
}

func (k *KeywordClassifier) extract(original, lower string, tokens map[string]bool) map[string]string {
	out := make(map[string]string)
	if m := patientIDRe.FindStringSubmatch(original); m != nil {
		out["patient_id"] = m[1]
	}
	if m := podiatristRe.FindStringSubmatch(original); m != nil {
		out["podiatrist_id"] = m[1]
	}
	if m := isoDateRe.FindStringSubmatch(lower); m != nil {
		out["date"] = m[1]
	} else {
		today := k.today()
		switch {
		case tokens["hoy"] || tokens["today"]:
			out["date"] = today.Format("2006-01-02")
		case tokens["tomorrow"]:
			out["date"] = today.AddDate(0, 0, 1).Format("2006-01-02")
		case tokens["ayer"] || tokens["yesterday"]:
			out["date"] = today.AddDate(0, 0, -1).Format("2006-01-02")
		}
	}
	for tok := range tokens {
		if s, ok := statusWords[tok]; ok {
			out["status"] = s
			break
		}
	}
	if m := quotedRe.FindStringSubmatch(original); m != nil {
		out["name"] = strings.TrimSpace(m[1])
	}
	if m := limitRe.FindStringSubmatch(lower); m != nil {
		out["limit"] = m[1]
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range tokenRe.FindAllString(s, -1) {
		set[t] = true
	}
	return set
}

func hasPrefixAny(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if s == p || strings.HasPrefix(s, p+" ") || strings.HasPrefix(s, p+",") || strings.HasPrefix(s, p+"!") {
			return true
		}
	}
	return false
}

// containsAny matches single words as whole tokens and phrases as substrings.
func containsAny(s string, tokens map[string]bool, words []string) bool {
	for _, w := range words {
		if strings.Contains(w, " ") {
			if strings.Contains(s, w) {
				return true
			}
			continue
		}
		if tokens[w] {
			return true
		}
	}
	return false
}
