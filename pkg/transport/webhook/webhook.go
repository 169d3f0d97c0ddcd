// Package webhook receives inbound messaging-channel messages through an
// API Gateway HTTP API and answers them with the engine.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"github.com/aixgo-dev/clinicflow/internal/workflow"
	"github.com/aixgo-dev/clinicflow/pkg/conversation"
	"github.com/aixgo-dev/clinicflow/pkg/security"
)

// Invoker runs a turn.
type Invoker interface {
	Invoke(ctx context.Context, req workflow.Request) (*workflow.Response, error)
}

// Message is the inbound body.
type Message struct {
	From string `json:"from"`
	Text string `json:"text"`
}

// Reply is the outbound body.
type Reply struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// SignatureHeader carries "sha256=" followed by the hex HMAC-SHA256 of the
// raw request body, keyed with the gateway's shared secret.
const SignatureHeader = "X-Hub-Signature-256"

const signaturePrefix = "sha256="

// Handler verifies the gateway signature, maps the sender to a principal
// and invokes the matching channel.
type Handler struct {
	invoker   Invoker
	directory security.Directory
	secret    []byte
	audit     security.AuditRecorder
	logger    *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithAudit records rejected signatures and unknown senders.
func WithAudit(a security.AuditRecorder) Option {
	return func(h *Handler) {
		if a != nil {
			h.audit = a
		}
	}
}

// NewHandler creates the webhook handler. secret is the key shared with
// the messaging gateway and must not be empty.
func NewHandler(invoker Invoker, directory security.Directory, secret []byte, opts ...Option) (*Handler, error) {
	if invoker == nil {
		return nil, errors.New("webhook: invoker must not be nil")
	}
	if directory == nil {
		return nil, errors.New("webhook: directory must not be nil")
	}
	if len(secret) == 0 {
		return nil, errors.New("webhook: signing secret must not be empty")
	}
	h := &Handler{
		invoker:   invoker,
		directory: directory,
		secret:    append([]byte(nil), secret...),
		audit:     security.NopRecorder{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Sign returns the SignatureHeader value for body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

func (h *Handler) verify(headers map[string]string, body []byte) bool {
	var got string
	for k, v := range headers {
		if strings.EqualFold(k, SignatureHeader) {
			got = v
			break
		}
	}
	if !strings.HasPrefix(got, signaturePrefix) {
		return false
	}
	return hmac.Equal([]byte(got), []byte(Sign(h.secret, body)))
}

// OriginFor picks the channel for a principal: patients use self-service,
// everyone else the staff channel.
func OriginFor(p *security.Principal) conversation.Origin {
	if p.Role == conversation.RolePatient {
		return conversation.OriginPatientMessaging
	}
	return conversation.OriginStaffMessaging
}

// Handle is the Lambda entry point.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	if m := req.RequestContext.HTTP.Method; m != "" && m != http.MethodPost {
		return errorResponse(security.NewSecureError(security.ErrCodeMethod, "Only POST is supported")), nil
	}

	body := []byte(req.Body)
	if req.IsBase64Encoded {
		raw, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return errorResponse(security.NewSecureError(security.ErrCodeInvalidInput, "Body is not valid base64")), nil
		}
		body = raw
	}
	if !h.verify(req.Headers, body) {
		h.logger.Warn("webhook signature rejected", "source_ip", req.RequestContext.HTTP.SourceIP)
		h.audit.Record(ctx, security.AuditEvent{
			Kind:     security.AuditAuthnFailed,
			Reason:   "invalid webhook signature",
			Metadata: map[string]string{"source_ip": req.RequestContext.HTTP.SourceIP},
		})
		return errorResponse(security.NewSecureError(security.ErrCodeUnauthorized, "Missing or invalid signature")), nil
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil || strings.TrimSpace(msg.From) == "" {
		return errorResponse(security.NewSecureError(security.ErrCodeInvalidInput, "Body must be a JSON object with from and text")), nil
	}

	sender := security.NormalizeSender(msg.From)
	principal, err := h.directory.Lookup(ctx, sender)
	if err != nil {
		h.logger.Info("message from unknown sender", "sender", security.MaskSender(sender))
		h.audit.Record(ctx, security.AuditEvent{Kind: security.AuditAuthnFailed, Reason: "unknown sender", Metadata: map[string]string{"sender": security.MaskSender(sender)}})
		return errorResponse(security.NewSecureError(security.ErrCodeUnauthorized, "Sender is not registered")), nil
	}

	resp, err := h.invoker.Invoke(ctx, workflow.Request{
		Origin:   OriginFor(principal),
		User:     principal.UserContext(),
		Message:  msg.Text,
		ThreadID: sender,
	})
	switch {
	case errors.Is(err, workflow.ErrEmptyMessage), errors.Is(err, workflow.ErrInvalidThreadID):
		return errorResponse(security.NewSecureError(security.ErrCodeInvalidInput, "Message cannot be processed")), nil
	case err != nil:
		return errorResponse(security.SanitizeError(ctx, h.logger, err)), nil
	}
	return jsonResponse(http.StatusOK, Reply{To: msg.From, Text: resp.Text}), nil
}

func jsonResponse(status int, v any) events.APIGatewayV2HTTPResponse {
	data, _ := json.Marshal(v)
	return events.APIGatewayV2HTTPResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(data),
	}
}

func errorResponse(e *security.SecureError) events.APIGatewayV2HTTPResponse {
	return jsonResponse(e.HTTPStatus(), map[string]*security.SecureError{"error": e})
}
