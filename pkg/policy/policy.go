// Package policy decides what a caller may ask for on a given channel.
//
// Check is a pure, total lookup over a static table. Anything the table
// does not name is denied.
package policy

import (
	"github.com/aixgo-dev/clinicflow/pkg/conversation"
	"github.com/aixgo-dev/clinicflow/pkg/query"
)

// DenialReason explains a negative Decision. It is logged and audited,
// never shown to the caller.
type DenialReason string

const (
	ReasonNone          DenialReason = ""
	ReasonUnknownRole   DenialReason = "unknown_role"
	ReasonUnknownOrigin DenialReason = "unknown_origin"
	ReasonUnknownIntent DenialReason = "unknown_intent"
	ReasonReadOnly      DenialReason = "read_only"
	ReasonNotPermitted  DenialReason = "not_permitted"
)

// Scope narrows an allowed decision.
type Scope struct {
	OwnRecordsOnly bool
}

// Decision is the result of a permission check.
type Decision struct {
	Allowed bool
	Scope   *Scope
	Reason  DenialReason
}

// RequiresOwnScope reports whether results must be limited to the caller's records.
func (d Decision) RequiresOwnScope() bool {
	return d.Allowed && d.Scope != nil && d.Scope.OwnRecordsOnly
}

type intentSet map[conversation.Intent]struct{}

func set(intents ...conversation.Intent) intentSet {
	s := make(intentSet, len(intents))
	for _, i := range intents {
		s[i] = struct{}{}
	}
	return s
}

func (s intentSet) has(i conversation.Intent) bool {
	_, ok := s[i]
	return ok
}

var (
	allData = func() intentSet {
		s := intentSet{}
		for _, i := range conversation.AllIntents() {
			if i.Domain() != conversation.DomainNone {
				s[i] = struct{}{}
			}
		}
		return s
	}()

	// staffTable applies to the interactive client and staff messaging.
	staffTable = map[conversation.Role]intentSet{
		conversation.RoleAdmin: allData,
		conversation.RolePodiatrist: set(
			conversation.IntentPatientsSearch, conversation.IntentPatientsCount, conversation.IntentPatientsMedical,
			conversation.IntentTreatmentsList, conversation.IntentEvolutionsList,
			conversation.IntentAppointmentsList, conversation.IntentAppointmentsCount,
			conversation.IntentServicesList, conversation.IntentPodiatristsList, conversation.IntentLeadsList,
			conversation.IntentAuditList,
		),
		conversation.RoleReception: set(
			conversation.IntentPatientsSearch, conversation.IntentPatientsCount,
			conversation.IntentAppointmentsList, conversation.IntentAppointmentsCount,
			conversation.IntentServicesList, conversation.IntentPodiatristsList, conversation.IntentLeadsList,
		),
		conversation.RolePatient: set(),
	}

	// selfService applies to every role on the patient messaging channel.
	selfService = set(
		conversation.IntentAppointmentsList, conversation.IntentAppointmentsCount,
		conversation.IntentTreatmentsList, conversation.IntentPaymentsList,
		conversation.IntentServicesList, conversation.IntentPodiatristsList,
		conversation.IntentPatientsSearch,
	)
)

func deny(r DenialReason) Decision { return Decision{Reason: r} }

// Check returns the decision for role asking intent over origin.
func Check(role conversation.Role, origin conversation.Origin, intent conversation.Intent) Decision {
	switch {
	case !role.Valid():
		return deny(ReasonUnknownRole)
	case !origin.Valid():
		return deny(ReasonUnknownOrigin)
	case !intent.Known():
		return deny(ReasonUnknownIntent)
	case intent == conversation.IntentMutation:
		return deny(ReasonReadOnly)
	}

	ownOnly := origin == conversation.OriginPatientMessaging
	allow := Decision{Allowed: true}
	if ownOnly {
		allow.Scope = &Scope{OwnRecordsOnly: true}
	}

	if intent.Conversational() {
		return allow
	}
	if ownOnly {
		if selfService.has(intent) {
			return allow
		}
		return deny(ReasonNotPermitted)
	}
	if staffTable[role].has(intent) {
		return allow
	}
	return deny(ReasonNotPermitted)
}

var patientSafe = map[string][]string{
	query.TableAppointments: {"id", "patient_id", "podiatrist_id", "service_id", "scheduled_at", "status"},
	query.TableServices:     {"id", "name", "price", "duration_minutes"},
	query.TablePodiatrists:  {"id", "full_name", "specialty"},
	query.TableTreatments:   {"id", "patient_id", "diagnosis", "status", "started_at"},
	query.TablePayments:     {"id", "patient_id", "amount", "method", "paid_at"},
	query.TablePatients:     {"id", "full_name", "phone", "email"},
}

// Whitelist returns the columns role may reference over origin. Unknown
// roles and origins get an empty whitelist.
func Whitelist(role conversation.Role, origin conversation.Origin) query.Whitelist {
	wl := query.Whitelist{}
	if !role.Valid() || !origin.Valid() {
		return wl
	}
	if origin == conversation.OriginPatientMessaging {
		for table, fields := range patientSafe {
			wl.Add(table, fields...)
		}
		return wl
	}
	if role == conversation.RolePatient {
		return wl
	}
	for _, t := range query.Tables() {
		wl.Add(t.Name, t.Fields...)
	}
	if role == conversation.RoleReception {
		wl.Remove(query.TablePatients, query.MedicalFields...)
	}
	return wl
}
