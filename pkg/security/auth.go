package security

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/aixgo-dev/clinicflow/pkg/conversation"
)

// Authentication errors. Their text is safe to show to callers.
var (
	ErrMissingToken  = errors.New("missing authentication token")
	ErrInvalidToken  = errors.New("invalid authentication token")
	ErrUnknownSender = errors.New("unknown sender")
)

// Principal is an authenticated caller as resolved by the identity provider.
type Principal struct {
	ID          string                `yaml:"id"`
	Name        string                `yaml:"name"`
	Role        conversation.Role     `yaml:"role"`
	SubjectID   string                `yaml:"subject_id"`
	Consent     bool                  `yaml:"consent"`
	Description string                `yaml:"description"`
	// Origins are the channels the principal may address through the HTTP
	// API. Empty means the interactive client only.
	Origins     []conversation.Origin `yaml:"origins,omitempty"`
}

// AllowsOrigin reports whether the principal may invoke origin.
func (p *Principal) AllowsOrigin(o conversation.Origin) bool {
	if len(p.Origins) == 0 {
		return o == conversation.OriginWebApp
	}
	return slices.Contains(p.Origins, o)
}

// UserContext converts the principal into the per-invocation identity.
func (p *Principal) UserContext() conversation.UserContext {
	return conversation.UserContext{
		UserID:         p.ID,
		Role:           p.Role,
		DisplayName:    p.Name,
		SubjectID:      p.SubjectID,
		ConsentGranted: p.Consent,
	}
}

// Authenticator handles authentication of requests
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Principal, error)
}

// TokenAuthenticator resolves static bearer tokens. Only SHA-256 digests of
// the tokens are kept in memory.
type TokenAuthenticator struct {
	mu     sync.RWMutex
	tokens map[[sha256.Size]byte]*Principal
}

// NewTokenAuthenticator creates an authenticator with no tokens.
func NewTokenAuthenticator() *TokenAuthenticator {
	return &TokenAuthenticator{tokens: make(map[[sha256.Size]byte]*Principal)}
}

// AddToken registers token for principal.
func (a *TokenAuthenticator) AddToken(token string, principal *Principal) error {
	if token == "" {
		return errors.New("token cannot be empty")
	}
	if principal == nil || principal.ID == "" {
		return errors.New("principal must have an id")
	}
	if !principal.Role.Valid() {
		return fmt.Errorf("principal %s has unknown role %q", principal.ID, principal.Role)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens[sha256.Sum256([]byte(token))] = principal
	return nil
}

// Len returns the number of registered tokens.
func (a *TokenAuthenticator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.tokens)
}

// Authenticate implements Authenticator.
func (a *TokenAuthenticator) Authenticate(_ context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))

	a.mu.RLock()
	defer a.mu.RUnlock()

	// Compare every digest so lookup time does not depend on the match.
	var found *Principal
	for key, principal := range a.tokens {
		if subtle.ConstantTimeCompare(key[:], digest[:]) == 1 {
			found = principal
		}
	}
	if found == nil {
		return nil, ErrInvalidToken
	}
	return found, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// Directory resolves a messaging sender address to a principal.
type Directory interface {
	Lookup(ctx context.Context, sender string) (*Principal, error)
}

// StaticDirectory is a Directory backed by a fixed map.
type StaticDirectory struct {
	entries map[string]*Principal
}

// NewStaticDirectory builds a directory keyed by normalized sender.
func NewStaticDirectory(entries map[string]*Principal) *StaticDirectory {
	d := &StaticDirectory{entries: make(map[string]*Principal, len(entries))}
	for sender, p := range entries {
		d.entries[NormalizeSender(sender)] = p
	}
	return d
}

// Lookup implements Directory.
func (d *StaticDirectory) Lookup(_ context.Context, sender string) (*Principal, error) {
	p, ok := d.entries[NormalizeSender(sender)]
	if !ok {
		return nil, ErrUnknownSender
	}
	return p, nil
}

// NormalizeSender strips a "whatsapp:" prefix, spaces and dashes from a
// phone address.
func NormalizeSender(sender string) string {
	s := strings.TrimSpace(strings.ToLower(sender))
	s = strings.TrimPrefix(s, "whatsapp:")
	return strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(s)
}

type contextKey string

const principalContextKey contextKey = "principal"

// WithPrincipal stores the authenticated principal in ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// GetPrincipal retrieves the principal from the context
func GetPrincipal(ctx context.Context) (*Principal, error) {
	p, ok := ctx.Value(principalContextKey).(*Principal)
	if !ok || p == nil {
		return nil, fmt.Errorf("no principal in context")
	}
	return p, nil
}
