package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/clinicflow/internal/router"
	"github.com/aixgo-dev/clinicflow/internal/workflow"
	"github.com/aixgo-dev/clinicflow/pkg/conversation"
	"github.com/aixgo-dev/clinicflow/pkg/security"
)

type stubInvoker struct {
	mu   sync.Mutex
	last workflow.Request
	resp *workflow.Response
	err  error
}

func (s *stubInvoker) Invoke(_ context.Context, req workflow.Request) (*workflow.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = req
	return s.resp, s.err
}

func newTestHandler(t *testing.T, inv Invoker, opts ...Option) (http.Handler, *security.MemorySink) {
	t.Helper()
	auth := security.NewTokenAuthenticator()
	require.NoError(t, auth.AddToken("tok-admin", &security.Principal{ID: "u1", Role: conversation.RoleAdmin, Name: "Ana"}))
	require.NoError(t, auth.AddToken("tok-relay", &security.Principal{ID: "relay", Role: conversation.RoleReception, Origins: []conversation.Origin{conversation.OriginStaffMessaging}}))
	sink := security.NewMemorySink()
	rec := recorderFunc(func(ctx context.Context, ev security.AuditEvent) { _ = sink.Write(ctx, &ev) })
	h, err := New(inv, auth, append([]Option{WithAudit(rec)}, opts...)...)
	require.NoError(t, err)
	return h.Routes(), sink
}

type recorderFunc func(ctx context.Context, ev security.AuditEvent)

func (f recorderFunc) Record(ctx context.Context, ev security.AuditEvent) { f(ctx, ev) }

func post(h http.Handler, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, InvokePath, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) security.ErrorCode {
	t.Helper()
	var body struct {
		Error security.SecureError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body.Error.Code
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, security.NewTokenAuthenticator())
	assert.Error(t, err)
	_, err = New(&stubInvoker{}, nil)
	assert.Error(t, err)
}

func TestInvoke_Success(t *testing.T) {
	inv := &stubInvoker{resp: &workflow.Response{Text: "You have 2 appointments.", ThreadID: "t-9"}}
	h, _ := newTestHandler(t, inv)

	rr := post(h, "tok-admin", `{"origin":"webapp","message":"my appointments","thread_id":"t-9"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var out InvokeResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.Equal(t, InvokeResponse{Response: "You have 2 appointments.", ThreadID: "t-9"}, out)

	assert.Equal(t, conversation.OriginWebApp, inv.last.Origin)
	assert.Equal(t, "t-9", inv.last.ThreadID)
	assert.Equal(t, conversation.UserContext{UserID: "u1", Role: conversation.RoleAdmin, DisplayName: "Ana"}, inv.last.User)
}

func TestInvoke_Unauthorized(t *testing.T) {
	inv := &stubInvoker{}
	h, sink := newTestHandler(t, inv)

	for _, token := range []string{"", "wrong"} {
		rr := post(h, token, `{"origin":"webapp","message":"hi"}`)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, security.ErrCodeUnauthorized, errorCode(t, rr))
	}
	assert.Empty(t, inv.last.Message)
	events := sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, security.AuditAuthnFailed, events[0].Kind)
}

func TestInvoke_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
	}{
		{"not json", `hello`, nil},
		{"unknown field", `{"origin":"webapp","message":"hi","role":"admin"}`, nil},
		{"unknown origin", `{"origin":"sms","message":"hi"}`, fmt.Errorf("%w: %q", router.ErrUnknownOrigin, "sms")},
		{"empty message", `{"origin":"webapp","message":""}`, workflow.ErrEmptyMessage},
		{"bad thread", `{"origin":"webapp","message":"hi","thread_id":"a b"}`, workflow.ErrInvalidThreadID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler(t, &stubInvoker{err: tt.err})
			rr := post(h, "tok-admin", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, security.ErrCodeInvalidInput, errorCode(t, rr))
		})
	}
}

func TestInvoke_OriginBoundToCredentials(t *testing.T) {
	inv := &stubInvoker{resp: &workflow.Response{Text: "ok", ThreadID: "t"}}
	h, sink := newTestHandler(t, inv)

	for _, origin := range []string{"whatsapp_patient", "whatsapp_staff"} {
		rr := post(h, "tok-admin", `{"origin":"`+origin+`","message":"my payments"}`)
		assert.Equal(t, http.StatusForbidden, rr.Code, origin)
		assert.Equal(t, security.ErrCodeForbidden, errorCode(t, rr))
	}
	assert.Empty(t, inv.last.Message)
	events := sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, security.AuditAuthzDenied, events[0].Kind)
	assert.Equal(t, "origin_not_allowed", events[0].Reason)

	assert.Equal(t, http.StatusOK, post(h, "tok-relay", `{"origin":"whatsapp_staff","message":"hi"}`).Code)
	assert.Equal(t, conversation.OriginStaffMessaging, inv.last.Origin)
	assert.Equal(t, http.StatusForbidden, post(h, "tok-relay", `{"origin":"webapp","message":"hi"}`).Code)
}

func TestInvoke_InternalErrorIsSanitized(t *testing.T) {
	h, _ := newTestHandler(t, &stubInvoker{err: fmt.Errorf("dial postgres://clinic:hunter2@db:5432 failed")})
	rr := post(h, "tok-admin", `{"origin":"webapp","message":"hi"}`)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "hunter2")
	assert.NotContains(t, rr.Body.String(), "postgres")
}

func TestInvoke_RateLimited(t *testing.T) {
	inv := &stubInvoker{resp: &workflow.Response{Text: "ok", ThreadID: "t"}}
	h, sink := newTestHandler(t, inv, WithRateLimiter(security.NewRateLimiter(0.001, 2)))

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, post(h, "tok-admin", `{"origin":"webapp","message":"hi"}`).Code)
	}
	rr := post(h, "tok-admin", `{"origin":"webapp","message":"hi"}`)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
	require.Len(t, sink.Events(), 1)
	assert.Equal(t, security.AuditRateLimited, sink.Events()[0].Kind)
}

func TestInvoke_MethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t, &stubInvoker{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, InvokePath, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Equal(t, http.MethodPost, rr.Header().Get("Allow"))
}
