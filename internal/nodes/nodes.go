// Package nodes implements the processing stages of a conversational turn.
// Each stage is a Handler that reads and writes the per-turn Turn value and
// reports an Outcome; the orchestrator resolves outcomes into transitions.
package nodes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aixgo-dev/clinicflow/pkg/conversation"
	"github.com/aixgo-dev/clinicflow/pkg/datastore"
	"github.com/aixgo-dev/clinicflow/pkg/nlu"
	"github.com/aixgo-dev/clinicflow/pkg/policy"
	"github.com/aixgo-dev/clinicflow/pkg/query"
	"github.com/aixgo-dev/clinicflow/pkg/security"
)

// StageID names a node in a subgraph.
type StageID string

const (
	StageGuard       StageID = "guard"
	StageClassify    StageID = "classify"
	StageConsent     StageID = "consent"
	StageAuthorize   StageID = "authorize"
	StageSynthesize  StageID = "synthesize"
	StageValidate    StageID = "validate"
	StageExecute     StageID = "execute"
	StageRespond     StageID = "respond"
	StageHandleError StageID = "handle_error"
)

// Outcome is the typed exit of a handler.
type Outcome int

const (
	// Advance continues with the step's configured successor.
	Advance Outcome = iota
	// ShortCircuit jumps to respond with Turn.Reply already set.
	ShortCircuit
	// Fail jumps to handle-error with Turn.Failure set.
	Fail
	// Finish ends the turn. Only terminal stages return it.
	Finish
)

func (o Outcome) String() string {
	switch o {
	case Advance:
		return "advance"
	case ShortCircuit:
		return "short_circuit"
	case Fail:
		return "fail"
	case Finish:
		return "finish"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Handler runs one stage.
type Handler func(ctx context.Context, t *Turn) Outcome

// Step is a stage bound into a subgraph.
type Step struct {
	ID      StageID
	Handler Handler
	// Next is the successor on Advance. Terminal stages leave it empty.
	Next    StageID
	Timeout time.Duration
}

// Category classifies a failed or short-circuited turn for the user.
type Category string

const (
	CategoryDenied         Category = "denied"
	CategoryInvalidRequest Category = "invalid_request"
	CategoryUnavailable    Category = "unavailable"
	CategoryClarify        Category = "clarify"
)

// Failure records why a turn reached handle-error. Err is for logs only.
type Failure struct {
	Category Category
	Stage    StageID
	Err      error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s at %s", f.Category, f.Stage)
	}
	return fmt.Sprintf("%s at %s: %v", f.Category, f.Stage, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Profile is the channel policy a turn runs under.
type Profile struct {
	ScopeOwnRecordsOnly bool
	RequireConsent      bool
	Style               nlu.Style
}

// Turn is the transient state of one invocation. It is never persisted.
type Turn struct {
	Origin   conversation.Origin
	ThreadID string
	User     conversation.UserContext
	Message  string
	// History holds prior turns only; the current message is Message.
	History []conversation.Turn
	Profile Profile

	Classification nlu.Classification
	Intent         conversation.Intent
	Domain         conversation.Domain
	Decision       *policy.Decision
	Whitelist      query.Whitelist
	Query          *query.Query
	Result         *datastore.Result

	Stage   StageID
	Path    []StageID
	Reply   string
	Outcome string
	Failure *Failure
}

// Fail records a failure and returns the Fail outcome.
func (t *Turn) Fail(c Category, err error) Outcome {
	t.Failure = &Failure{Category: c, Stage: t.Stage, Err: err}
	return Fail
}

// Messages are the fixed user-facing texts.
type Messages struct {
	Denied         string `yaml:"denied"`
	InvalidRequest string `yaml:"invalid_request"`
	Unavailable    string `yaml:"unavailable"`
	Clarify        string `yaml:"clarify"`
	Consent        string `yaml:"consent"`
	Greeting       string `yaml:"greeting"`
	OutOfScope     string `yaml:"out_of_scope"`
	Busy           string `yaml:"busy"`
	Fallback       string `yaml:"fallback"`
	Blocked        string `yaml:"blocked"`
	Sensitive      string `yaml:"sensitive"`
	Clinical       string `yaml:"clinical"`
}

// DefaultMessages returns the English defaults.
func DefaultMessages() Messages {
	return Messages{
		Denied:         "I'm sorry, you don't have access to that information.",
		InvalidRequest: "I couldn't process that request. Please rephrase it.",
		Unavailable:    "The service is temporarily unavailable. Please try again in a moment.",
		Clarify:        "I'm not sure what you need. Could you give me more details?",
		Consent:        "Before I can share your information, we need your consent to our privacy notice. Please reply once you have accepted it with the clinic.",
		Greeting:       "Hello! I can help you with appointments, patients, treatments, services and payments.",
		OutOfScope:     "I can only help with clinic information such as appointments, treatments and payments.",
		Busy:           "The service is temporarily unavailable. Please try again in a moment.",
		Fallback:       "Something went wrong. Please try again later.",
		Blocked:        "I can't process that message. Please ask about clinic information in your own words.",
		Sensitive:      "I can't help with passwords, access keys or card details.",
		Clinical:       "Clinical questions need an authorized professional. Please contact your podiatrist.",
	}
}

// WithDefaults fills empty texts from DefaultMessages.
func (m Messages) WithDefaults() Messages {
	d := DefaultMessages()
	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	fill(&m.Denied, d.Denied)
	fill(&m.InvalidRequest, d.InvalidRequest)
	fill(&m.Unavailable, d.Unavailable)
	fill(&m.Clarify, d.Clarify)
	fill(&m.Consent, d.Consent)
	fill(&m.Greeting, d.Greeting)
	fill(&m.OutOfScope, d.OutOfScope)
	fill(&m.Busy, d.Busy)
	fill(&m.Fallback, d.Fallback)
	fill(&m.Blocked, d.Blocked)
	fill(&m.Sensitive, d.Sensitive)
	fill(&m.Clinical, d.Clinical)
	return m
}

// For returns the text for a failure category. Anything unrecognized is
// reported as unavailable.
func (m Messages) For(c Category) string {
	switch c {
	case CategoryDenied:
		return m.Denied
	case CategoryInvalidRequest:
		return m.InvalidRequest
	case CategoryClarify:
		return m.Clarify
	default:
		return m.Unavailable
	}
}

// Deps are the collaborators shared by every stage.
type Deps struct {
	Classifier nlu.Classifier
	Renderer   nlu.Renderer
	Executor   datastore.Executor
	// Detector screens messages in the guard stage.
	Detector   *security.PromptInjectionDetector
	Audit      security.AuditRecorder
	Logger     *slog.Logger
	Messages   Messages

	ConfidenceThreshold float64
	// MaxRows lowers the row cap below query.MaxRowCap when set.
	MaxRows      int
	NLUTimeout   time.Duration
	QueryTimeout time.Duration
	RetryBackoff time.Duration
}

func (d *Deps) applyDefaults() {
	if d.Renderer == nil {
		d.Renderer = nlu.TemplateRenderer{}
	}
	if d.Detector == nil {
		d.Detector = security.NewPromptInjectionDetector(security.SensitivityMedium)
	}
	if d.Audit == nil {
		d.Audit = security.NopRecorder{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	d.Messages = d.Messages.WithDefaults()
	if d.ConfidenceThreshold <= 0 {
		d.ConfidenceThreshold = 0.7
	}
	if d.NLUTimeout <= 0 {
		d.NLUTimeout = 10 * time.Second
	}
	if d.QueryTimeout <= 0 {
		d.QueryTimeout = 5 * time.Second
	}
	if d.RetryBackoff <= 0 {
		d.RetryBackoff = 200 * time.Millisecond
	}
}

// Stages holds the stage handlers over a shared set of collaborators.
type Stages struct {
	deps Deps
}

// NewStages validates deps and returns the stage set.
func NewStages(deps Deps) (*Stages, error) {
	if deps.Classifier == nil {
		return nil, errors.New("nodes: classifier must not be nil")
	}
	if deps.Executor == nil {
		return nil, errors.New("nodes: executor must not be nil")
	}
	deps.applyDefaults()
	return &Stages{deps: deps}, nil
}

// Messages returns the effective fixed texts.
func (s *Stages) Messages() Messages {
	return s.deps.Messages
}

// Handler returns the handler for id.
func (s *Stages) Handler(id StageID) (Handler, bool) {
	switch id {
	case StageGuard:
		return s.Guard, true
	case StageClassify:
		return s.Classify, true
	case StageConsent:
		return s.CheckConsent, true
	case StageAuthorize:
		return s.CheckPermissions, true
	case StageSynthesize:
		return s.GenerateQuery, true
	case StageValidate:
		return s.ValidateQuery, true
	case StageExecute:
		return s.ExecuteQuery, true
	case StageRespond:
		return s.GenerateResponse, true
	case StageHandleError:
		return s.HandleError, true
	default:
		return nil, false
	}
}

// Timeout is the bound for one stage. Execute covers both attempts.
func (s *Stages) Timeout(id StageID) time.Duration {
	switch id {
	case StageClassify, StageRespond:
		return s.deps.NLUTimeout + time.Second
	case StageExecute:
		return 2*s.deps.QueryTimeout + s.deps.RetryBackoff + time.Second
	default:
		return 5 * time.Second
	}
}
