package nlu

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/clinicflow/pkg/conversation"
)

func fixedClassifier() *KeywordClassifier {
	return &KeywordClassifier{
		Now:      func() time.Time { return time.Date(2025, 3, 4, 15, 0, 0, 0, time.UTC) },
		Location: time.UTC,
	}
}

func TestKeywordClassifier_Intents(t *testing.T) {
	tests := []struct {
		text   string
		intent conversation.Intent
		min    float64
	}{
		{"Hola", conversation.IntentGreeting, 0.9},
		{"buenos días!", conversation.IntentGreeting, 0.9},
		{"hi there", conversation.IntentGreeting, 0.9},
		{"¿Qué clima hace hoy?", conversation.IntentOutOfScope, 0.9},
		{"tell me a joke", conversation.IntentOutOfScope, 0.9},
		{"muéstrame las citas de hoy", conversation.IntentAppointmentsList, 0.9},
		{"¿cuántas citas hay mañana?", conversation.IntentAppointmentsCount, 0.85},
		{"how many patients do we have", conversation.IntentPatientsCount, 0.85},
		{"total de pagos de marzo", conversation.IntentPaymentsSum, 0.85},
		{"buscar paciente \"Ana López\"", conversation.IntentPatientsSearch, 0.9},
		{"dame el historial del paciente 12", conversation.IntentPatientsMedical, 0.9},
		{"list the services and prices", conversation.IntentServicesList, 0.9},
		{"show my treatments", conversation.IntentTreatmentsList, 0.9},
		{"quiero agendar una cita", conversation.IntentMutation, 0.85},
		{"delete patient 7", conversation.IntentMutation, 0.85},
		{"citas canceladas", conversation.IntentAppointmentsList, 0.9},
		{"asdf qwerty", conversation.IntentUnknown, 0},
	}
	k := fixedClassifier()
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			c, err := k.Classify(context.Background(), tt.text, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.intent, c.Intent)
			assert.GreaterOrEqual(t, c.Confidence, tt.min)
		})
	}
}

func TestKeywordClassifier_LongGreetingIsNotGreeting(t *testing.T) {
	c, err := fixedClassifier().Classify(context.Background(), "hola, quiero ver las citas confirmadas de la semana", nil)
	require.NoError(t, err)
	assert.Equal(t, conversation.IntentAppointmentsList, c.Intent)
}

func TestKeywordClassifier_Entities(t *testing.T) {
	k := fixedClassifier()
	tests := []struct {
		text string
		want map[string]string
	}{
		{"citas de hoy", map[string]string{"date": "2025-03-04"}},
		{"appointments yesterday", map[string]string{"date": "2025-03-03"}},
		{"citas del 2025-03-10 confirmadas", map[string]string{"date": "2025-03-10", "status": "confirmed"}},
		{"tratamientos del paciente 42", map[string]string{"patient_id": "42"}},
		{"citas del podólogo 3", map[string]string{"podiatrist_id": "3"}},
		{"muestra los últimos 5 pagos", map[string]string{"limit": "5"}},
		{"buscar paciente “María”", map[string]string{"name": "María"}},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			c, err := k.Classify(context.Background(), tt.text, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Entities)
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "anything", Truncate("anything", 0))

	out := Truncate("the quick brown fox jumps over the lazy dog", 20)
	assert.Equal(t, "the quick brown fox…", out)
	assert.LessOrEqual(t, len([]rune(out)), 20)

	out = Truncate("ñññññññññññññññññññññññ", 10)
	assert.Equal(t, 10, len([]rune(out)))
	assert.Equal(t, "…", Truncate("abc", 1))
}

func TestStyleApply(t *testing.T) {
	s := Style{Verbosity: Terse, MaxChars: 12}
	assert.Equal(t, "Hello there…", s.Apply("Hello there, how are you?"))
}
