package router

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/clinicflow/internal/nodes"
	"github.com/aixgo-dev/clinicflow/pkg/conversation"
	"github.com/aixgo-dev/clinicflow/pkg/datastore"
	"github.com/aixgo-dev/clinicflow/pkg/nlu"
)

func testStages(t *testing.T) *nodes.Stages {
	t.Helper()
	s, err := nodes.NewStages(nodes.Deps{
		Classifier: nlu.NewKeywordClassifier(nil),
		Executor:   datastore.NewMemoryExecutor(nil),
	})
	require.NoError(t, err)
	return s
}

func successPath(g *Subgraph) []nodes.StageID {
	var path []nodes.StageID
	for id := g.Start; id != ""; {
		path = append(path, id)
		id = g.Steps[id].Next
	}
	return path
}

func TestNew_ProfilesPerOrigin(t *testing.T) {
	r, err := New(conversation.KnownOrigins, testStages(t))
	require.NoError(t, err)
	assert.Equal(t, conversation.KnownOrigins, r.Origins())

	tests := []struct {
		origin  conversation.Origin
		path    []nodes.StageID
		scoped  bool
		consent bool
		style   nlu.Style
	}{
		{
			origin: conversation.OriginWebApp,
			path:   []nodes.StageID{"guard", "classify", "authorize", "synthesize", "validate", "execute", "respond"},
			style:  nlu.Style{Verbosity: nlu.Verbose, MaxChars: 4000},
		},
		{
			origin:  conversation.OriginPatientMessaging,
			path:    []nodes.StageID{"guard", "classify", "consent", "authorize", "synthesize", "validate", "execute", "respond"},
			scoped:  true,
			consent: true,
			style:   nlu.Style{Verbosity: nlu.Terse, MaxChars: 640},
		},
		{
			origin: conversation.OriginStaffMessaging,
			path:   []nodes.StageID{"guard", "classify", "authorize", "synthesize", "validate", "execute", "respond"},
			style:  nlu.Style{Verbosity: nlu.Terse, MaxChars: 1500},
		},
	}
	for _, tt := range tests {
		t.Run(string(tt.origin), func(t *testing.T) {
			g, err := r.Select(tt.origin)
			require.NoError(t, err)
			assert.Equal(t, tt.path, successPath(g))
			assert.Equal(t, tt.path, g.Sequence)
			assert.Equal(t, tt.scoped, g.Profile.ScopeOwnRecordsOnly)
			assert.Equal(t, tt.consent, g.Profile.RequireConsent)
			assert.Equal(t, tt.style, g.Profile.Style)

			he, ok := g.Step(nodes.StageHandleError)
			require.True(t, ok)
			assert.Empty(t, he.Next)
			for _, s := range g.Steps {
				assert.NotNil(t, s.Handler)
				assert.Positive(t, s.Timeout)
			}
		})
	}
}

func TestNew_RejectsOriginWithoutProfile(t *testing.T) {
	_, err := New([]conversation.Origin{conversation.OriginWebApp, "telegram"}, testStages(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownOrigin))

	_, err = New(nil, testStages(t))
	require.Error(t, err)

	_, err = New(conversation.KnownOrigins, nil)
	require.Error(t, err)
}

func TestSelect_UnknownOrigin(t *testing.T) {
	r, err := New([]conversation.Origin{conversation.OriginWebApp}, testStages(t))
	require.NoError(t, err)

	_, err = r.Select(conversation.OriginStaffMessaging)
	assert.ErrorIs(t, err, ErrUnknownOrigin)
	_, err = r.Select("sms")
	assert.ErrorIs(t, err, ErrUnknownOrigin)
}

func TestWithStyle(t *testing.T) {
	r, err := New(conversation.KnownOrigins, testStages(t),
		WithStyle(conversation.OriginPatientMessaging, nlu.Style{MaxChars: 320}),
		WithStyle("unknown", nlu.Style{MaxChars: 1}),
	)
	require.NoError(t, err)
	g, err := r.Select(conversation.OriginPatientMessaging)
	require.NoError(t, err)
	assert.Equal(t, nlu.Style{Verbosity: nlu.Terse, MaxChars: 320}, g.Profile.Style)
}

func TestSubgraphsShareNoMutableState(t *testing.T) {
	r, err := New(conversation.KnownOrigins, testStages(t))
	require.NoError(t, err)
	web, _ := r.Select(conversation.OriginWebApp)
	staff, _ := r.Select(conversation.OriginStaffMessaging)

	web.Sequence[0] = "tampered"
	assert.Equal(t, nodes.StageGuard, staff.Sequence[0])
	assert.NotSame(t, web.Steps[nodes.StageClassify], staff.Steps[nodes.StageClassify])
}

func TestConsentStepRunsOnlyOnSelfService(t *testing.T) {
	r, err := New(conversation.KnownOrigins, testStages(t))
	require.NoError(t, err)
	for _, o := range conversation.KnownOrigins {
		g, _ := r.Select(o)
		_, has := g.Step(nodes.StageConsent)
		assert.Equal(t, o == conversation.OriginPatientMessaging, has, o)
	}

	g, _ := r.Select(conversation.OriginPatientMessaging)
	step, _ := g.Step(nodes.StageConsent)
	turn := &nodes.Turn{Origin: conversation.OriginPatientMessaging, User: conversation.UserContext{Role: conversation.RolePatient}}
	assert.Equal(t, nodes.ShortCircuit, step.Handler(context.Background(), turn))
}
