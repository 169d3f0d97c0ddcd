// Package router composes one processing subgraph per channel origin and
// selects it for each request.
package router

import (
	"errors"
	"fmt"

	"github.com/aixgo-dev/clinicflow/internal/nodes"
	"github.com/aixgo-dev/clinicflow/pkg/conversation"
	"github.com/aixgo-dev/clinicflow/pkg/nlu"
)

// ErrUnknownOrigin is returned by Select for an origin without a subgraph.
var ErrUnknownOrigin = errors.New("unknown origin")

// Subgraph is the statically composed node sequence of one channel.
type Subgraph struct {
	Origin  conversation.Origin
	Steps   map[nodes.StageID]*nodes.Step
	Start   nodes.StageID
	Profile nodes.Profile
	// Sequence is the success path in order, for diagnostics.
	Sequence []nodes.StageID
}

// Step returns the step with id.
func (g *Subgraph) Step(id nodes.StageID) (*nodes.Step, bool) {
	s, ok := g.Steps[id]
	return s, ok
}

// Router maps origins to subgraphs. It is immutable after New.
type Router struct {
	subgraphs map[conversation.Origin]*Subgraph
}

type channel struct {
	sequence []nodes.StageID
	profile  nodes.Profile
}

var (
	staffSequence = []nodes.StageID{
		nodes.StageGuard, nodes.StageClassify, nodes.StageAuthorize, nodes.StageSynthesize,
		nodes.StageValidate, nodes.StageExecute, nodes.StageRespond,
	}
	selfServiceSequence = []nodes.StageID{
		nodes.StageGuard, nodes.StageClassify, nodes.StageConsent, nodes.StageAuthorize, nodes.StageSynthesize,
		nodes.StageValidate, nodes.StageExecute, nodes.StageRespond,
	}
)

func defaultChannels() map[conversation.Origin]channel {
	return map[conversation.Origin]channel{
		conversation.OriginWebApp: {
			sequence: staffSequence,
			profile:  nodes.Profile{Style: nlu.Style{Verbosity: nlu.Verbose, MaxChars: 4000}},
		},
		conversation.OriginPatientMessaging: {
			sequence: selfServiceSequence,
			profile: nodes.Profile{
				ScopeOwnRecordsOnly: true,
				RequireConsent:      true,
				Style:               nlu.Style{Verbosity: nlu.Terse, MaxChars: 640},
			},
		},
		conversation.OriginStaffMessaging: {
			sequence: staffSequence,
			profile:  nodes.Profile{Style: nlu.Style{Verbosity: nlu.Terse, MaxChars: 1500}},
		},
	}
}

// Option configures a Router.
type Option func(map[conversation.Origin]channel)

// WithStyle overrides the response style of origin.
func WithStyle(origin conversation.Origin, style nlu.Style) Option {
	return func(ch map[conversation.Origin]channel) {
		if c, ok := ch[origin]; ok {
			if style.Verbosity == "" {
				style.Verbosity = c.profile.Style.Verbosity
			}
			c.profile.Style = style
			ch[origin] = c
		}
	}
}

// New builds a subgraph for every origin in origins. It fails if any
// origin has no channel profile.
func New(origins []conversation.Origin, stages *nodes.Stages, opts ...Option) (*Router, error) {
	if stages == nil {
		return nil, errors.New("router: stages must not be nil")
	}
	if len(origins) == 0 {
		return nil, errors.New("router: no origins configured")
	}
	channels := defaultChannels()
	for _, opt := range opts {
		opt(channels)
	}

	r := &Router{subgraphs: make(map[conversation.Origin]*Subgraph, len(origins))}
	for _, origin := range origins {
		ch, ok := channels[origin]
		if !ok {
			return nil, fmt.Errorf("router: %w: %q has no channel profile", ErrUnknownOrigin, origin)
		}
		g, err := compose(origin, ch, stages)
		if err != nil {
			return nil, err
		}
		r.subgraphs[origin] = g
	}
	return r, nil
}

func compose(origin conversation.Origin, ch channel, stages *nodes.Stages) (*Subgraph, error) {
	g := &Subgraph{
		Origin:   origin,
		Steps:    make(map[nodes.StageID]*nodes.Step),
		Start:    ch.sequence[0],
		Profile:  ch.profile,
		Sequence: append([]nodes.StageID(nil), ch.sequence...),
	}
	ids := append(append([]nodes.StageID(nil), ch.sequence...), nodes.StageHandleError)
	for i, id := range ids {
		h, ok := stages.Handler(id)
		if !ok {
			return nil, fmt.Errorf("router: no handler for stage %q", id)
		}
		step := &nodes.Step{ID: id, Handler: h, Timeout: stages.Timeout(id)}
		if id != nodes.StageRespond && id != nodes.StageHandleError && i+1 < len(ch.sequence) {
			step.Next = ch.sequence[i+1]
		}
		g.Steps[id] = step
	}
	return g, validate(g)
}

func validate(g *Subgraph) error {
	for _, terminal := range []nodes.StageID{nodes.StageRespond, nodes.StageHandleError} {
		if _, ok := g.Steps[terminal]; !ok {
			return fmt.Errorf("router: %s subgraph has no %s step", g.Origin, terminal)
		}
	}
	if _, ok := g.Steps[g.Start]; !ok {
		return fmt.Errorf("router: %s subgraph start %q is not a step", g.Origin, g.Start)
	}
	for id, s := range g.Steps {
		if s.Next == "" {
			if id != nodes.StageRespond && id != nodes.StageHandleError {
				return fmt.Errorf("router: %s step %q has no successor", g.Origin, id)
			}
			continue
		}
		if _, ok := g.Steps[s.Next]; !ok {
			return fmt.Errorf("router: %s step %q points to missing %q", g.Origin, id, s.Next)
		}
	}
	return nil
}

// Select returns the subgraph for origin.
func (r *Router) Select(origin conversation.Origin) (*Subgraph, error) {
	g, ok := r.subgraphs[origin]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOrigin, origin)
	}
	return g, nil
}

// Origins returns the configured origins.
func (r *Router) Origins() []conversation.Origin {
	out := make([]conversation.Origin, 0, len(r.subgraphs))
	for _, o := range conversation.KnownOrigins {
		if _, ok := r.subgraphs[o]; ok {
			out = append(out, o)
		}
	}
	return out
}
