package nodes

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/aixgo-dev/clinicflow/pkg/conversation"
	"github.com/aixgo-dev/clinicflow/pkg/datastore"
	"github.com/aixgo-dev/clinicflow/pkg/nlu"
	"github.com/aixgo-dev/clinicflow/pkg/observability"
	"github.com/aixgo-dev/clinicflow/pkg/policy"
	"github.com/aixgo-dev/clinicflow/pkg/query"
	"github.com/aixgo-dev/clinicflow/pkg/security"
)

func (s *Stages) audit(ctx context.Context, t *Turn, kind security.AuditKind, reason string) {
	s.deps.Audit.Record(ctx, security.AuditEvent{
		Kind:     kind,
		UserID:   t.User.UserID,
		Role:     string(t.User.Role),
		Origin:   string(t.Origin),
		ThreadID: t.ThreadID,
		Intent:   string(t.Intent),
		Reason:   reason,
	})
}

func shortCircuit(t *Turn, outcome, reply string) Outcome {
	t.Outcome = outcome
	t.Reply = reply
	return ShortCircuit
}

// withheld replaces a blocked message in the transcript.
const withheld = "[message withheld]"

// Guard stops messages that try to manipulate the assistant or ask for
// data it must never handle, before any of it reaches a language model.
// Messages that pass are stripped of markup.
func (s *Stages) Guard(ctx context.Context, t *Turn) Outcome {
	if len([]rune(t.Message)) > security.MaxPromptChars {
		t.Message = withheld
		return shortCircuit(t, "too_long", s.deps.Messages.InvalidRequest)
	}

	if d := s.deps.Detector.Detect(t.Message); d.Detected {
		s.deps.Logger.Warn("message blocked", "thread", t.ThreadID, "category", d.Category, "patterns", d.Matched)
		s.audit(ctx, t, security.AuditPromptInjection, string(d.Category))
		t.Message = withheld
		return shortCircuit(t, "blocked", s.deps.Messages.Blocked)
	}

	if g := policy.Screen(t.User.Role, t.Message); g.Blocked {
		s.deps.Logger.Info("guardrail triggered", "thread", t.ThreadID, "role", t.User.Role, "reason", g.Reason, "keyword", g.Keyword)
		s.audit(ctx, t, security.AuditGuardrailBlocked, string(g.Reason))
		reply := s.deps.Messages.Sensitive
		if g.Reason == policy.GuardClinicalEscalation {
			reply = s.deps.Messages.Clinical
		}
		if g.Reason == policy.GuardSensitiveData {
			t.Message = withheld
		}
		return shortCircuit(t, string(g.Reason), reply)
	}

	if clean := security.SanitizePrompt(t.Message); clean != "" {
		t.Message = clean
	}
	return Advance
}

// Classify maps the message to an intent. Errors and low confidence are
// not failures; they end the turn with a clarification.
func (s *Stages) Classify(ctx context.Context, t *Turn) Outcome {
	cctx, cancel := context.WithTimeout(ctx, s.deps.NLUTimeout)
	defer cancel()

	c, err := s.deps.Classifier.Classify(cctx, t.Message, t.History)
	if err != nil {
		s.deps.Logger.Warn("classification failed", "thread", t.ThreadID, "err", security.RedactSecrets(err.Error()))
		c = nlu.Classification{Intent: conversation.IntentUnknown}
	}
	if !c.Intent.Known() || c.Confidence < s.deps.ConfidenceThreshold {
		c.Intent = conversation.IntentUnknown
	}
	t.Classification = c
	t.Intent = c.Intent
	t.Domain = c.Intent.Domain()

	if t.Intent == conversation.IntentUnknown {
		return shortCircuit(t, string(CategoryClarify), s.deps.Messages.Clarify)
	}
	return Advance
}

// CheckConsent stops self-service turns whose user has not granted consent.
func (s *Stages) CheckConsent(ctx context.Context, t *Turn) Outcome {
	if t.User.ConsentGranted {
		return Advance
	}
	s.audit(ctx, t, security.AuditConsentMissing, "")
	return shortCircuit(t, "consent_required", s.deps.Messages.Consent)
}

// CheckPermissions applies the permission table. It performs no I/O other
// than the fire-and-forget audit on denial.
func (s *Stages) CheckPermissions(ctx context.Context, t *Turn) Outcome {
	d := policy.Check(t.User.Role, t.Origin, t.Intent)
	if d.Allowed && t.Profile.ScopeOwnRecordsOnly && !d.RequiresOwnScope() {
		d.Scope = &policy.Scope{OwnRecordsOnly: true}
	}
	t.Decision = &d

	if !d.Allowed {
		s.deps.Logger.Info("request denied", "thread", t.ThreadID, "role", t.User.Role, "intent", t.Intent, "reason", d.Reason)
		s.audit(ctx, t, security.AuditAuthzDenied, string(d.Reason))
		return shortCircuit(t, string(CategoryDenied), s.deps.Messages.Denied)
	}

	switch t.Intent {
	case conversation.IntentGreeting:
		return shortCircuit(t, "greeting", s.deps.Messages.Greeting)
	case conversation.IntentOutOfScope:
		return shortCircuit(t, "out_of_scope", s.deps.Messages.OutOfScope)
	}
	return Advance
}

// GenerateQuery turns the classification into a query over the closed
// shape table.
func (s *Stages) GenerateQuery(_ context.Context, t *Turn) Outcome {
	if t.Decision == nil || !t.Decision.Allowed {
		return t.Fail(CategoryDenied, errors.New("no permission decision"))
	}
	t.Whitelist = policy.Whitelist(t.User.Role, t.Origin)

	limit := 0
	if raw, ok := t.Classification.Entities["limit"]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			limit = n
		}
	}
	if s.deps.MaxRows > 0 && (limit <= 0 || limit > s.deps.MaxRows) {
		limit = s.deps.MaxRows
	}
	q, err := query.Synthesize(query.Request{
		Intent:         t.Intent,
		Entities:       t.Classification.Entities,
		OwnRecordsOnly: t.Decision.RequiresOwnScope(),
		SubjectID:      t.User.SubjectID,
		Whitelist:      t.Whitelist,
		Limit:          limit,
	})
	if err != nil {
		return t.Fail(CategoryInvalidRequest, err)
	}
	t.Query = q
	return Advance
}

// ValidateQuery rejects anything that is not a whitelisted, capped,
// read-only query. Rejections are security events.
func (s *Stages) ValidateQuery(ctx context.Context, t *Turn) Outcome {
	requireScope := t.Profile.ScopeOwnRecordsOnly || (t.Decision != nil && t.Decision.RequiresOwnScope())
	err := query.Validate(t.Query, t.Whitelist, requireScope)
	if err == nil {
		return Advance
	}

	reason := err.Error()
	var verr *query.ValidationError
	if errors.As(err, &verr) && verr.Reason != nil {
		reason = verr.Reason.Error()
	}
	s.deps.Logger.Warn("query rejected", "thread", t.ThreadID, "intent", t.Intent, "reason", reason)
	s.audit(ctx, t, security.AuditValidationRejected, reason)
	return t.Fail(CategoryInvalidRequest, err)
}

// ExecuteQuery runs the validated query, retrying once after a backoff.
func (s *Stages) ExecuteQuery(ctx context.Context, t *Turn) Outcome {
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		start := time.Now()
		qctx, cancel := context.WithTimeout(ctx, s.deps.QueryTimeout)
		res, err := s.deps.Executor.Execute(qctx, t.Query)
		cancel()
		if err == nil {
			observability.RecordQuery(string(t.Query.Domain), "ok", time.Since(start))
			if res == nil {
				res = &datastore.Result{}
			}
			t.Result = res
			t.Outcome = "answered"
			return Advance
		}
		observability.RecordQuery(string(t.Query.Domain), "error", time.Since(start))
		lastErr = err
		s.deps.Logger.Warn("query failed", "thread", t.ThreadID, "domain", t.Query.Domain, "attempt", attempt, "err", security.RedactSecrets(err.Error()))

		if errors.Is(err, datastore.ErrNoExecutor) || attempt == 2 {
			break
		}
		select {
		case <-ctx.Done():
			return t.Fail(CategoryUnavailable, ctx.Err())
		case <-time.After(s.deps.RetryBackoff):
		}
	}
	return t.Fail(CategoryUnavailable, lastErr)
}

// GenerateResponse renders the result, or the fixed reply already set by a
// short-circuit, under the channel's style.
func (s *Stages) GenerateResponse(ctx context.Context, t *Turn) Outcome {
	text := t.Reply
	if text == "" {
		in := nlu.RenderInput{Intent: t.Intent, Message: t.Message}
		if t.Query != nil {
			in.Operation = t.Query.Operation
			in.Fields = t.Query.Fields
		}
		if t.Result != nil {
			in.Rows = t.Result.Rows
			in.Count = t.Result.Count
			in.Aggregate = t.Result.Aggregate
		}

		rctx, cancel := context.WithTimeout(ctx, s.deps.NLUTimeout)
		out, err := s.deps.Renderer.Render(rctx, in, t.Profile.Style)
		cancel()
		if err != nil || strings.TrimSpace(out) == "" {
			if err != nil {
				s.deps.Logger.Warn("render failed, using template", "thread", t.ThreadID, "err", security.RedactSecrets(err.Error()))
			}
			out, _ = nlu.TemplateRenderer{}.Render(ctx, in, t.Profile.Style)
		}
		text = out
	}
	if t.Outcome == "" {
		t.Outcome = "answered"
	}
	t.Reply = t.Profile.Style.Apply(text)
	return Finish
}

// HandleError maps the failure category to a fixed message.
func (s *Stages) HandleError(_ context.Context, t *Turn) Outcome {
	category := CategoryUnavailable
	if t.Failure != nil && t.Failure.Category != "" {
		category = t.Failure.Category
	}
	if t.Failure != nil {
		s.deps.Logger.Info("turn failed", "thread", t.ThreadID, "category", category, "stage", t.Failure.Stage,
			"err", redactErr(t.Failure.Err))
	}
	observability.RecordFailure(string(category))
	t.Outcome = string(category)
	t.Reply = t.Profile.Style.Apply(s.deps.Messages.For(category))
	return Finish
}

func redactErr(err error) string {
	if err == nil {
		return ""
	}
	return security.RedactSecrets(err.Error())
}
