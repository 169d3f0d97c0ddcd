package nlu

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aixgo-dev/clinicflow/pkg/conversation"
	"github.com/aixgo-dev/clinicflow/pkg/query"
)

// directRows is the largest result rendered row by row without a model.
const directRows = 5

var nouns = map[conversation.Intent][2]string{
	conversation.IntentUsersList:         {"user", "users"},
	conversation.IntentAuditList:         {"audit entry", "audit entries"},
	conversation.IntentPatientsSearch:    {"patient", "patients"},
	conversation.IntentPatientsCount:     {"patient", "patients"},
	conversation.IntentPatientsMedical:   {"patient record", "patient records"},
	conversation.IntentTreatmentsList:    {"treatment", "treatments"},
	conversation.IntentEvolutionsList:    {"clinical note", "clinical notes"},
	conversation.IntentAppointmentsList:  {"appointment", "appointments"},
	conversation.IntentAppointmentsCount: {"appointment", "appointments"},
	conversation.IntentServicesList:      {"service", "services"},
	conversation.IntentPodiatristsList:   {"podiatrist", "podiatrists"},
	conversation.IntentLeadsList:         {"lead", "leads"},
	conversation.IntentPaymentsList:      {"payment", "payments"},
	conversation.IntentPaymentsSum:       {"payment", "payments"},
	conversation.IntentExpensesList:      {"expense", "expenses"},
}

func noun(intent conversation.Intent, n int) string {
	forms, ok := nouns[intent]
	if !ok {
		forms = [2]string{"record", "records"}
	}
	if n == 1 {
		return forms[0]
	}
	return forms[1]
}

// TemplateRenderer formats results without a language model.
type TemplateRenderer struct{}

// Render implements Renderer.
func (TemplateRenderer) Render(_ context.Context, in RenderInput, style Style) (string, error) {
	terse := style.Verbosity == Terse
	var out string
	switch in.Operation {
	case query.OpCount:
		if terse {
			out = fmt.Sprintf("%d %s.", in.Count, noun(in.Intent, in.Count))
		} else {
			out = fmt.Sprintf("I found %d %s matching your request.", in.Count, noun(in.Intent, in.Count))
		}
	case query.OpSum:
		if terse {
			out = fmt.Sprintf("Total: %.2f (%d %s).", in.Aggregate, in.Count, noun(in.Intent, in.Count))
		} else {
			out = fmt.Sprintf("The total is %.2f across %d %s.", in.Aggregate, in.Count, noun(in.Intent, in.Count))
		}
	default:
		out = renderRows(in, terse)
	}
	return style.Apply(out), nil
}

func renderRows(in RenderInput, terse bool) string {
	n := len(in.Rows)
	if n == 0 {
		if terse {
			return "No " + noun(in.Intent, 0) + " found."
		}
		return fmt.Sprintf("I couldn't find any %s matching your request.", noun(in.Intent, 0))
	}

	var b strings.Builder
	shown := in.Rows
	switch {
	case n > directRows:
		shown = in.Rows[:directRows]
		fmt.Fprintf(&b, "Found %d %s. First %d:\n", n, noun(in.Intent, n), directRows)
	case terse:
	default:
		fmt.Fprintf(&b, "Here is what I found (%d %s):\n", n, noun(in.Intent, n))
	}
	fields := in.Fields
	if len(fields) == 0 {
		fields = sortedKeys(in.Rows[0])
	}
	for _, row := range shown {
		b.WriteString("- ")
		b.WriteString(formatRow(row, fields, terse))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatRow(row map[string]any, fields []string, terse bool) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		v, ok := row[f]
		if !ok || v == nil {
			continue
		}
		val := formatValue(v)
		if val == "" {
			continue
		}
		if terse {
			parts = append(parts, val)
		} else {
			parts = append(parts, strings.ReplaceAll(f, "_", " ")+": "+val)
		}
	}
	if terse {
		return strings.Join(parts, " · ")
	}
	return strings.Join(parts, ", ")
}

func formatValue(v any) string {
	switch x := v.(type) {
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 {
			return x.Format("2006-01-02")
		}
		return x.Format("2006-01-02 15:04")
	case float64:
		return fmt.Sprintf("%.2f", x)
	case string:
		return strings.TrimSpace(x)
	default:
		return fmt.Sprint(x)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

const renderSystemPrompt = `You are the assistant of a podiatry clinic. Answer the user's request using only the records provided.
Never invent records. Never mention databases, queries or internal identifiers beyond what is shown.
%s Keep the answer under %d characters.`

// LLMRenderer summarizes large results with a Completer. Aggregates and
// small results use Template.
type LLMRenderer struct {
	Completer Completer
	Template  TemplateRenderer
}

// Render implements Renderer.
func (r *LLMRenderer) Render(ctx context.Context, in RenderInput, style Style) (string, error) {
	if in.Operation != query.OpSelect || len(in.Rows) <= directRows {
		return r.Template.Render(ctx, in, style)
	}

	register := "Write a friendly, complete answer."
	if style.Verbosity == Terse {
		register = "Write a short plain-text message suitable for a chat app, no markdown."
	}
	limit := style.MaxChars
	if limit <= 0 {
		limit = 4000
	}
	data, err := json.Marshal(in.Rows)
	if err != nil {
		return "", fmt.Errorf("encode rows: %w", err)
	}

	out, err := r.Completer.Complete(ctx, CompletionRequest{
		System:      fmt.Sprintf(renderSystemPrompt, register, limit),
		Prompt:      fmt.Sprintf("Request: %q\n%d %s:\n%s", in.Message, len(in.Rows), noun(in.Intent, len(in.Rows)), data),
		MaxTokens:   1024,
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("render: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("render: empty completion")
	}
	return style.Apply(out), nil
}
