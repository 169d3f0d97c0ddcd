package nlu

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aixgo-dev/clinicflow/pkg/conversation"
)

const classifySystemPrompt = `You classify requests sent to the assistant of a podiatry clinic.
Answer with a single JSON object and nothing else:
{"intent": "<intent>", "confidence": <0..1>, "entities": {"<key>": "<value>"}}

Valid intents:
%s

Entity keys: patient_id, podiatrist_id, treatment_id, user_id, date, date_from, date_to, status, name, role, category, limit.
Dates are ISO (YYYY-MM-DD). Today is %s.
Use "mutation" for any request to create, change or delete records.
Use "unknown" when the request is ambiguous.`

// historyTurns is how many prior turns are shown to the model.
const historyTurns = 4

// LLMClassifier asks a Completer to classify a message.
type LLMClassifier struct {
	completer Completer
	now       func() time.Time
	logger    *slog.Logger
}

// NewLLMClassifier creates a classifier over c.
func NewLLMClassifier(c Completer, logger *slog.Logger) *LLMClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMClassifier{completer: c, now: time.Now, logger: logger}
}

// Classify implements Classifier.
func (l *LLMClassifier) Classify(ctx context.Context, text string, history []conversation.Turn) (Classification, error) {
	intents := make([]string, 0, len(conversation.AllIntents()))
	for _, i := range conversation.AllIntents() {
		intents = append(intents, "- "+string(i))
	}
	system := fmt.Sprintf(classifySystemPrompt, strings.Join(intents, "\n"), l.now().Format("2006-01-02"))

	var prompt strings.Builder
	if n := len(history); n > 0 {
		start := max(0, n-historyTurns)
		prompt.WriteString("Recent conversation:\n")
		for _, t := range history[start:] {
			fmt.Fprintf(&prompt, "%s: %s\n", t.Role, t.Content)
		}
		prompt.WriteString("\n")
	}
	fmt.Fprintf(&prompt, "Request: %q", text)

	out, err := l.completer.Complete(ctx, CompletionRequest{
		System:      system,
		Prompt:      prompt.String(),
		MaxTokens:   300,
		Temperature: 0,
	})
	if err != nil {
		return Classification{}, fmt.Errorf("classify: %w", err)
	}
	c, ok := parseClassification(out)
	if !ok {
		l.logger.Warn("classifier returned unparseable output", "bytes", len(out))
	}
	for _, key := range []string{"date", "date_from", "date_to"} {
		switch strings.ToLower(c.Entities[key]) {
		case "hoy", "today":
			c.Entities[key] = l.now().Format("2006-01-02")
		}
	}
	return c, nil
}

type rawClassification struct {
	Intent     string         `json:"intent"`
	Confidence float64        `json:"confidence"`
	Entities   map[string]any `json:"entities"`
}

// parseClassification reads the model output leniently. Output with no
// usable JSON object yields a low-confidence unknown.
func parseClassification(s string) (Classification, bool) {
	var raw rawClassification
	err := json.Unmarshal([]byte(s), &raw)
	if err != nil {
		start, end := strings.Index(s, "{"), strings.LastIndex(s, "}")
		if start < 0 || end <= start {
			return Classification{Intent: conversation.IntentUnknown, Confidence: 0.5}, false
		}
		if err := json.Unmarshal([]byte(s[start:end+1]), &raw); err != nil {
			return Classification{Intent: conversation.IntentUnknown, Confidence: 0.5}, false
		}
	}

	c := Classification{Intent: conversation.Intent(strings.TrimSpace(raw.Intent)), Confidence: raw.Confidence}
	if !c.Intent.Known() {
		c.Intent = conversation.IntentUnknown
	}
	for k, v := range raw.Entities {
		if v == nil {
			continue
		}
		var str string
		switch x := v.(type) {
		case string:
			str = x
		case float64:
			str = strconv.FormatFloat(x, 'f', -1, 64)
		default:
			str = fmt.Sprint(x)
		}
		if str = strings.TrimSpace(str); str == "" {
			continue
		}
		if c.Entities == nil {
			c.Entities = make(map[string]string)
		}
		c.Entities[k] = str
	}
	return c, true
}

// FallbackClassifier tries Primary and consults Secondary when the first
// answer is unknown or below Threshold. A Secondary error keeps the
// Primary answer.
type FallbackClassifier struct {
	Primary   Classifier
	Secondary Classifier
	Threshold float64
	Logger    *slog.Logger
}

// Classify implements Classifier.
func (f *FallbackClassifier) Classify(ctx context.Context, text string, history []conversation.Turn) (Classification, error) {
	first, err := f.Primary.Classify(ctx, text, history)
	if err == nil && first.Intent != conversation.IntentUnknown && first.Confidence >= f.Threshold {
		return first, nil
	}
	if f.Secondary == nil {
		return first, err
	}
	second, serr := f.Secondary.Classify(ctx, text, history)
	if serr != nil {
		if f.Logger != nil {
			f.Logger.Warn("secondary classifier failed", "err", serr)
		}
		return first, err
	}
	return second, nil
}
