package security

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
)

// Sensitivity selects which injection patterns are active.
type Sensitivity int

const (
	// SensitivityLow catches obvious override and delimiter attempts.
	SensitivityLow Sensitivity = iota
	// SensitivityMedium adds role-play and jailbreak phrasing.
	SensitivityMedium
	// SensitivityHigh adds homoglyph ratio checks; expect more false positives.
	SensitivityHigh
)

// ParseSensitivity maps low, medium or high to a Sensitivity.
func ParseSensitivity(s string) (Sensitivity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return SensitivityLow, nil
	case "", "medium":
		return SensitivityMedium, nil
	case "high":
		return SensitivityHigh, nil
	default:
		return SensitivityMedium, fmt.Errorf("unknown sensitivity %q", s)
	}
}

// InjectionCategory is the kind of manipulation detected in a message.
type InjectionCategory string

const (
	CategorySystemOverride     InjectionCategory = "system_override"
	CategoryRoleHijacking      InjectionCategory = "role_hijacking"
	CategoryDelimiterInjection InjectionCategory = "delimiter_injection"
	CategoryEncodingAttack     InjectionCategory = "encoding_attack"
	CategoryJailbreak          InjectionCategory = "jailbreak"
	CategoryQueryInjection     InjectionCategory = "query_injection"
)

// Detection is the verdict on one message.
type Detection struct {
	Detected   bool
	Confidence float64
	Category   InjectionCategory
	Matched    []string
}

type injectionPattern struct {
	re       *regexp.Regexp
	category InjectionCategory
	weight   float64
	name     string
	level    Sensitivity
}

func pattern(expr string, c InjectionCategory, weight float64, name string, level Sensitivity) injectionPattern {
	return injectionPattern{re: regexp.MustCompile(expr), category: c, weight: weight, name: name, level: level}
}

var injectionPatterns = []injectionPattern{
	pattern(`(?i)ignore\s+(all\s+|the\s+)?(previous|above|prior)\s+(instructions?|rules)`, CategorySystemOverride, 1.0, "ignore previous instructions", SensitivityLow),
	pattern(`(?i)disregard\s+(your\s+|all\s+)?(instructions?|rules)`, CategorySystemOverride, 1.0, "disregard instructions", SensitivityLow),
	pattern(`(?i)forget\s+(everything|all|previous|your\s+instructions?)`, CategorySystemOverride, 1.0, "forget everything", SensitivityLow),
	pattern(`(?i)override\s+(your\s+)?(system|instructions?|programming)`, CategorySystemOverride, 0.9, "override system", SensitivityLow),
	pattern(`(?i)ignora\s+(todas\s+)?(las\s+)?instrucciones`, CategorySystemOverride, 1.0, "ignora instrucciones", SensitivityLow),
	pattern(`(?i)olvida\s+(todo|tus\s+instrucciones)`, CategorySystemOverride, 1.0, "olvida todo", SensitivityLow),
	pattern(`(?i)new\s+instructions?:`, CategorySystemOverride, 0.7, "new instructions", SensitivityMedium),

	pattern(`(?i)you\s+are\s+now\s+(a|an|the)\b`, CategoryRoleHijacking, 1.0, "you are now", SensitivityLow),
	pattern(`(?i)pretend\s+(to\s+be|you\s+are)`, CategoryRoleHijacking, 0.9, "pretend to be", SensitivityLow),
	pattern(`(?i)ahora\s+eres\s+(un|una|el|la)\b`, CategoryRoleHijacking, 1.0, "ahora eres", SensitivityLow),
	pattern(`(?i)act\s+as\s+(if|though|an?\s+admin)`, CategoryRoleHijacking, 0.8, "act as", SensitivityMedium),
	pattern(`(?i)roleplay\s+as`, CategoryRoleHijacking, 0.7, "roleplay as", SensitivityMedium),

	pattern(`(?i)^\s*system:`, CategoryDelimiterInjection, 1.0, "system: prefix", SensitivityLow),
	pattern(`(?i)\[/?INST\]`, CategoryDelimiterInjection, 1.0, "[INST] tag", SensitivityLow),
	pattern(`(?i)###\s*(system|instruction|human|assistant)`, CategoryDelimiterInjection, 0.9, "### delimiter", SensitivityLow),
	pattern(`<\|?(system|user|assistant|im_start|im_end)\|?>`, CategoryDelimiterInjection, 1.0, "chat template tag", SensitivityLow),
	pattern(`(?i)</?\s*(system|script)\s*>`, CategoryDelimiterInjection, 0.9, "markup tag", SensitivityLow),

	pattern(`(?i)\bdrop\s+table\b`, CategoryQueryInjection, 1.0, "drop table", SensitivityLow),
	pattern(`(?i)\bdelete\s+from\b`, CategoryQueryInjection, 1.0, "delete from", SensitivityLow),
	pattern(`(?i);\s*(update|insert|truncate|alter)\s`, CategoryQueryInjection, 0.9, "stacked statement", SensitivityLow),

	pattern(`(?i)\bDAN\s+(mode|prompt)`, CategoryJailbreak, 0.9, "DAN", SensitivityLow),
	pattern(`(?i)bypass\s+(your\s+|the\s+)?(filters?|restrictions?|safety|permissions?)`, CategoryJailbreak, 0.9, "bypass filters", SensitivityLow),
	pattern(`(?i)jailbreak`, CategoryJailbreak, 0.8, "jailbreak", SensitivityMedium),
	pattern(`(?i)developer\s+mode`, CategoryJailbreak, 0.7, "developer mode", SensitivityMedium),
}

// MaxInputSize bounds the text scanned per message.
const MaxInputSize = 10 * 1024

const maxBase64Matches = 10

var (
	zeroWidth     = strings.NewReplacer("\u200b", "", "\u200c", "", "\u200d", "", "\ufeff", "", "\u00ad", "", "\u2060", "")
	blanks        = regexp.MustCompile(`[ \t]+`)
	base64Run     = regexp.MustCompile(`[A-Za-z0-9+/]{20,}={0,2}`)
	homoglyphFold = strings.NewReplacer(
		"а", "a", "е", "e", "о", "o", "р", "p", "с", "c",
		"х", "x", "у", "y", "і", "i", "Α", "A", "Β", "B",
		"Ε", "E", "Η", "H", "Ι", "I", "Κ", "K", "Μ", "M",
		"Ν", "N", "Ο", "O", "Ρ", "P", "Τ", "T", "Χ", "X",
		"Υ", "Y", "З", "Z",
	)
)

// PromptInjectionDetector flags messages that try to steer the language
// model or smuggle query text. It is safe for concurrent use.
type PromptInjectionDetector struct {
	sensitivity Sensitivity
}

// NewPromptInjectionDetector returns a detector at sensitivity.
func NewPromptInjectionDetector(sensitivity Sensitivity) *PromptInjectionDetector {
	return &PromptInjectionDetector{sensitivity: sensitivity}
}

// Sensitivity returns the configured level.
func (d *PromptInjectionDetector) Sensitivity() Sensitivity {
	return d.sensitivity
}

// Detect scans input. Encoded payloads are checked first, then homoglyph
// folding at medium and above, then the plain patterns.
func (d *PromptInjectionDetector) Detect(input string) Detection {
	if input == "" {
		return Detection{}
	}
	if len(input) > MaxInputSize {
		input = input[:MaxInputSize]
	}
	input = zeroWidth.Replace(input)

	for _, run := range base64Run.FindAllString(input, maxBase64Matches) {
		raw, err := base64.StdEncoding.DecodeString(run)
		if err != nil {
			continue
		}
		if r := d.match(string(raw)); r.Detected {
			return Detection{Detected: true, Confidence: 0.95, Category: CategoryEncodingAttack, Matched: prefixed("base64: ", r.Matched)}
		}
	}

	if d.sensitivity >= SensitivityMedium {
		if folded := homoglyphFold.Replace(input); folded != input {
			if r := d.match(folded); r.Detected {
				return Detection{Detected: true, Confidence: 0.9, Category: CategoryEncodingAttack, Matched: prefixed("homoglyph: ", r.Matched)}
			}
			if d.sensitivity >= SensitivityHigh && homoglyphRatio(input, folded) > 0.1 {
				return Detection{Detected: true, Confidence: 0.5, Category: CategoryEncodingAttack, Matched: []string{"homoglyph ratio"}}
			}
		}
	}

	return d.match(blanks.ReplaceAllString(input, " "))
}

func (d *PromptInjectionDetector) match(s string) Detection {
	var r Detection
	for _, p := range injectionPatterns {
		if p.level > d.sensitivity || !p.re.MatchString(s) {
			continue
		}
		r.Matched = append(r.Matched, p.name)
		if p.weight > r.Confidence {
			r.Confidence = p.weight
			r.Category = p.category
		}
	}
	if n := len(r.Matched); n > 0 {
		r.Detected = true
		r.Confidence = min(1.0, r.Confidence+0.1*float64(n-1))
	}
	return r
}

func prefixed(prefix string, names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = prefix + n
	}
	return out
}

// homoglyphRatio is the share of runes that folding changed.
func homoglyphRatio(input, folded string) float64 {
	in, out := []rune(input), []rune(folded)
	if len(in) == 0 || len(in) != len(out) {
		return 0
	}
	changed := 0
	for i := range in {
		if in[i] != out[i] {
			changed++
		}
	}
	return float64(changed) / float64(len(in))
}

// MaxPromptChars is the longest message forwarded to classification.
const MaxPromptChars = 2000

var markup = regexp.MustCompile(`<[^>]+>`)

// SanitizePrompt strips markup and collapses whitespace.
func SanitizePrompt(s string) string {
	s = markup.ReplaceAllString(s, "")
	return strings.Join(strings.Fields(s), " ")
}
