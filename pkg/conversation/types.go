package conversation

import (
	"fmt"
	"regexp"
	"time"
)

// Origin identifies the channel a request arrived through.
type Origin string

const (
	// OriginWebApp is the interactive staff client.
	OriginWebApp Origin = "webapp"
	// OriginPatientMessaging is the self-service messaging channel used by patients.
	OriginPatientMessaging Origin = "whatsapp_patient"
	// OriginStaffMessaging is the messaging channel used by clinic staff.
	OriginStaffMessaging Origin = "whatsapp_staff"
)

// KnownOrigins lists every origin that has a channel profile.
var KnownOrigins = []Origin{OriginWebApp, OriginPatientMessaging, OriginStaffMessaging}

// Valid reports whether o is one of KnownOrigins.
func (o Origin) Valid() bool {
	for _, k := range KnownOrigins {
		if o == k {
			return true
		}
	}
	return false
}

// Role is the caller's role as established by the identity provider.
type Role string

const (
	RoleAdmin      Role = "admin"
	RolePodiatrist Role = "podiatrist"
	RoleReception  Role = "reception"
	RolePatient    Role = "patient"
)

// KnownRoles lists the roles the permission table knows about.
var KnownRoles = []Role{RoleAdmin, RolePodiatrist, RoleReception, RolePatient}

// Valid reports whether r is one of KnownRoles.
func (r Role) Valid() bool {
	for _, k := range KnownRoles {
		if r == k {
			return true
		}
	}
	return false
}

// Domain is a logical partition of record storage.
type Domain string

const (
	DomainNone        Domain = ""
	DomainIdentity    Domain = "identity"
	DomainClinical    Domain = "clinical"
	DomainOperational Domain = "operational"
)

// Domains lists the queryable domains.
var Domains = []Domain{DomainIdentity, DomainClinical, DomainOperational}

// UserContext is the caller identity supplied on every invocation.
// It is never persisted.
type UserContext struct {
	UserID      string `json:"user_id"`
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name,omitempty"`
	// SubjectID is the patient record owned by the caller, if any.
	SubjectID string `json:"subject_id,omitempty"`
	// ConsentGranted is asserted by self-service channels.
	ConsentGranted bool `json:"consent_granted,omitempty"`
}

// Turn is one entry of a thread's history.
type Turn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

const (
	TurnUser      = "user"
	TurnAssistant = "assistant"
)

var threadIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:@+-]+$`)

// ValidateThreadID checks that an externally supplied thread id is safe to use as a storage key.
func ValidateThreadID(id string) error {
	if id == "" {
		return fmt.Errorf("thread id cannot be empty")
	}
	if len(id) > 256 {
		return fmt.Errorf("thread id too long: max 256 characters")
	}
	if !threadIDPattern.MatchString(id) {
		return fmt.Errorf("thread id contains invalid characters")
	}
	return nil
}

// Key scopes a thread to the origin it was created under.
type Key struct {
	Origin   Origin `json:"origin"`
	ThreadID string `json:"thread_id"`
}

// String renders the key as "origin/thread".
func (k Key) String() string {
	return string(k.Origin) + "/" + k.ThreadID
}

// Checkpoint is the durable snapshot of a thread's persistent state.
type Checkpoint struct {
	Origin        Origin    `json:"origin"`
	ThreadID      string    `json:"thread_id"`
	OwnerID       string    `json:"owner_id"`
	History       []Turn    `json:"history"`
	CreatedAt     time.Time `json:"created_at"`
	LastTouchedAt time.Time `json:"last_touched_at"`
}

// Key returns the storage key of the checkpoint.
func (c *Checkpoint) Key() Key {
	return Key{Origin: c.Origin, ThreadID: c.ThreadID}
}

// Clone returns a deep copy.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	cp := *c
	cp.History = append([]Turn(nil), c.History...)
	return &cp
}

// Append adds a turn and drops the oldest entries beyond window.
func (c *Checkpoint) Append(t Turn, window int) {
	c.History = append(c.History, t)
	if window > 0 && len(c.History) > window {
		c.History = append([]Turn(nil), c.History[len(c.History)-window:]...)
	}
}
