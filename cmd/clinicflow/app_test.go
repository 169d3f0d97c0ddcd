package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/clinicflow/internal/workflow"
	"github.com/aixgo-dev/clinicflow/pkg/config"
	"github.com/aixgo-dev/clinicflow/pkg/conversation"
	"github.com/aixgo-dev/clinicflow/pkg/observability"
	"github.com/aixgo-dev/clinicflow/pkg/transport/webhook"
)

const fixtures = `
appointments:
  - {id: 1, patient_id: 7, podiatrist_id: 2, service_id: 1, scheduled_at: "2025-03-04 09:00", status: confirmed}
  - {id: 2, patient_id: 8, podiatrist_id: 2, service_id: 1, scheduled_at: "2025-03-04 10:00", status: confirmed}
patients:
  - {id: 7, full_name: Ana Ruiz, phone: "+5215500000007"}
  - {id: 8, full_name: Luis Mora, phone: "+5215500000008"}
`

func writeFiles(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	fx := filepath.Join(dir, "fixtures.yaml")
	require.NoError(t, os.WriteFile(fx, []byte(fixtures), 0600))
	body := `
checkpoint:
  backend: file
  dir: ` + filepath.Join(dir, "checkpoints") + `
audit:
  sink: memory
domains:
  clinical: {fixtures: ` + fx + `}
  operational: {fixtures: ` + fx + `}
logging:
  level: error
directory:
  "+52 155 0000 0007":
    id: p7
    role: patient
    subject_id: "7"
    consent: true
` + extra
	path := filepath.Join(dir, "clinicflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildApp_MemoryStack(t *testing.T) {
	ctx := context.Background()
	cfg, err := loadConfig(ctx, writeFiles(t, ""))
	require.NoError(t, err)

	a, err := buildApp(ctx, cfg, quietLogger())
	require.NoError(t, err)
	defer a.Close()

	assert.ElementsMatch(t, conversation.KnownOrigins, a.router.Origins())

	clinical, err := a.registry.Executor(conversation.DomainClinical)
	require.NoError(t, err)
	operational, err := a.registry.Executor(conversation.DomainOperational)
	require.NoError(t, err)
	assert.Same(t, clinical, operational, "domains sharing a fixtures file share an executor")

	resp, err := a.engine.Invoke(ctx, workflow.Request{
		Origin:   conversation.OriginPatientMessaging,
		User:     conversation.UserContext{UserID: "p7", Role: conversation.RolePatient, SubjectID: "7", ConsentGranted: true},
		Message:  "my appointments",
		ThreadID: "+5215500000007",
	})
	require.NoError(t, err)
	assert.False(t, resp.Degraded)
	assert.Equal(t, "+5215500000007", resp.ThreadID)
	assert.NotEmpty(t, resp.Text)

	_, err = a.store.Get(ctx, conversation.Key{Origin: conversation.OriginPatientMessaging, ThreadID: "+5215500000007"})
	assert.NoError(t, err)
}

func TestBuildApp_BadFixtures(t *testing.T) {
	dir := t.TempDir()
	fx := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(fx, []byte("invoices: []\n"), 0600))
	cfg, err := config.Parse([]byte("domains:\n  clinical: {fixtures: " + fx + "}\naudit: {sink: memory}\n"))
	require.NoError(t, err)

	_, err = buildApp(context.Background(), cfg, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown table")
}

func TestRegisterHealthChecks_MemoryBackendsHaveNoChecks(t *testing.T) {
	ctx := context.Background()
	cfg, err := loadConfig(ctx, writeFiles(t, ""))
	require.NoError(t, err)
	a, err := buildApp(ctx, cfg, quietLogger())
	require.NoError(t, err)
	defer a.Close()

	checker := observability.NewHealthChecker("test")
	a.registerHealthChecks(checker)
	assert.Empty(t, checker.Names())
}

func TestNewAuthenticator(t *testing.T) {
	cfg, err := config.Parse([]byte("auth:\n  tokens:\n    - {token: t1, id: u1, role: admin}\n    - {token: t2, id: u2, role: reception}\n"))
	require.NoError(t, err)
	auth, err := newAuthenticator(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, auth.Len())

	p, err := auth.Authenticate(context.Background(), "t2")
	require.NoError(t, err)
	assert.Equal(t, "u2", p.ID)
}

type scriptedPrompter struct {
	lines   []string
	history []string
}

func (s *scriptedPrompter) Prompt(string) (string, error) {
	if len(s.lines) == 0 {
		return "", io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

func (s *scriptedPrompter) AppendHistory(item string) { s.history = append(s.history, item) }

type recordingInvoker struct {
	requests []workflow.Request
}

func (r *recordingInvoker) Invoke(_ context.Context, req workflow.Request) (*workflow.Response, error) {
	r.requests = append(r.requests, req)
	id := req.ThreadID
	if id == "" {
		id = "thread-1"
	}
	return &workflow.Response{Text: "echo " + req.Message, ThreadID: id}, nil
}

func TestChatLoop_KeepsThread(t *testing.T) {
	in := &scriptedPrompter{lines: []string{"hello", "   ", "my appointments"}}
	inv := &recordingInvoker{}
	var out bytes.Buffer

	base, err := (&chatOptions{origin: "webapp", role: "admin", user: "u1"}).request()
	require.NoError(t, err)
	require.NoError(t, chatLoop(context.Background(), inv, base, in, &out))

	require.Len(t, inv.requests, 2)
	assert.Empty(t, inv.requests[0].ThreadID)
	assert.Equal(t, "thread-1", inv.requests[1].ThreadID)
	assert.Equal(t, []string{"hello", "my appointments"}, in.history)
	assert.Equal(t, "echo hello\necho my appointments\n", out.String())
}

func TestChatOptions_Validation(t *testing.T) {
	_, err := (&chatOptions{origin: "sms", role: "admin"}).request()
	assert.Error(t, err)
	_, err = (&chatOptions{origin: "webapp", role: "root"}).request()
	assert.Error(t, err)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	out, err := execute(t, "--config", writeFiles(t, ""), "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "config ok")

	_, err = execute(t, "--config", writeFiles(t, "engine:\n  max_rows: 0\n  history_window: -1\n"), "validate")
	assert.Error(t, err)
}

func TestValidateCommand_Remote(t *testing.T) {
	out, err := execute(t, "--config", writeFiles(t, ""), "validate", "--remote")
	require.NoError(t, err)
	assert.Contains(t, out, "config ok")
}

func TestSweepCommand(t *testing.T) {
	path := writeFiles(t, "")
	cfg, err := config.Load(path)
	require.NoError(t, err)

	store, err := conversation.NewFileStore(cfg.Checkpoint.Dir)
	require.NoError(t, err)
	old := time.Now().Add(-48 * time.Hour)
	for _, id := range []string{"a", "b"} {
		require.NoError(t, store.Put(context.Background(), &conversation.Checkpoint{
			Origin:        conversation.OriginWebApp,
			ThreadID:      id,
			OwnerID:       "u1",
			CreatedAt:     old,
			LastTouchedAt: old,
		}))
	}
	require.NoError(t, store.Close())

	out, err := execute(t, "--config", path, "sweep", "--older-than", "24h")
	require.NoError(t, err)
	assert.Contains(t, out, "removed 2 checkpoints")
}

func TestWebhookWiring(t *testing.T) {
	_, _, err := newWebhook(context.Background(), writeFiles(t, ""))
	require.ErrorContains(t, err, "webhook.secret")

	h, closeFn, err := newWebhook(context.Background(), writeFiles(t, "webhook:\n  secret: test-secret\n"))
	require.NoError(t, err)
	defer closeFn()

	signed := func(body string) events.APIGatewayV2HTTPRequest {
		req := events.APIGatewayV2HTTPRequest{
			Body:    body,
			Headers: map[string]string{"x-hub-signature-256": webhook.Sign([]byte("test-secret"), []byte(body))},
		}
		req.RequestContext.HTTP.Method = http.MethodPost
		return req
	}

	req := signed(`{"from":"whatsapp:+521 5500000007","text":"my appointments"}`)
	resp, err := h.Handle(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, resp.Body)

	var reply webhook.Reply
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &reply))
	assert.NotEmpty(t, strings.TrimSpace(reply.Text))

	resp, err = h.Handle(context.Background(), signed(`{"from":"+19995550000","text":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	forged := signed(`{"from":"whatsapp:+521 5500000007","text":"my payments"}`)
	forged.Headers["x-hub-signature-256"] = webhook.Sign([]byte("guess"), []byte(forged.Body))
	resp, err = h.Handle(context.Background(), forged)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
