package conversation

// Intent is the closed set of request categories the engine understands.
type Intent string

const (
	IntentUnknown    Intent = "unknown"
	IntentGreeting   Intent = "greeting"
	IntentOutOfScope Intent = "out_of_scope"
	// IntentMutation covers any create, update or delete request. The engine is read-only.
	IntentMutation Intent = "mutation"

	IntentUsersList Intent = "users.list"
	IntentAuditList Intent = "audit.list"

	IntentPatientsSearch  Intent = "patients.search"
	IntentPatientsCount   Intent = "patients.count"
	IntentPatientsMedical Intent = "patients.medical"
	IntentTreatmentsList  Intent = "treatments.list"
	IntentEvolutionsList  Intent = "evolutions.list"

	IntentAppointmentsList  Intent = "appointments.list"
	IntentAppointmentsCount Intent = "appointments.count"
	IntentServicesList      Intent = "services.list"
	IntentPodiatristsList   Intent = "podiatrists.list"
	IntentLeadsList         Intent = "leads.list"
	IntentPaymentsList      Intent = "payments.list"
	IntentPaymentsSum       Intent = "payments.sum"
	IntentExpensesList      Intent = "expenses.list"
)

var intentDomains = map[Intent]Domain{
	IntentUnknown:    DomainNone,
	IntentGreeting:   DomainNone,
	IntentOutOfScope: DomainNone,
	IntentMutation:   DomainNone,

	IntentUsersList: DomainIdentity,
	IntentAuditList: DomainIdentity,

	IntentPatientsSearch:  DomainClinical,
	IntentPatientsCount:   DomainClinical,
	IntentPatientsMedical: DomainClinical,
	IntentTreatmentsList:  DomainClinical,
	IntentEvolutionsList:  DomainClinical,

	IntentAppointmentsList:  DomainOperational,
	IntentAppointmentsCount: DomainOperational,
	IntentServicesList:      DomainOperational,
	IntentPodiatristsList:   DomainOperational,
	IntentLeadsList:         DomainOperational,
	IntentPaymentsList:      DomainOperational,
	IntentPaymentsSum:       DomainOperational,
	IntentExpensesList:      DomainOperational,
}

// AllIntents returns every intent in a stable order.
func AllIntents() []Intent {
	return []Intent{
		IntentUnknown, IntentGreeting, IntentOutOfScope, IntentMutation,
		IntentUsersList, IntentAuditList,
		IntentPatientsSearch, IntentPatientsCount, IntentPatientsMedical, IntentTreatmentsList, IntentEvolutionsList,
		IntentAppointmentsList, IntentAppointmentsCount, IntentServicesList, IntentPodiatristsList,
		IntentLeadsList, IntentPaymentsList, IntentPaymentsSum, IntentExpensesList,
	}
}

// Known reports whether i belongs to the closed set.
func (i Intent) Known() bool {
	_, ok := intentDomains[i]
	return ok
}

// Domain returns the data domain an intent reads from, or DomainNone.
func (i Intent) Domain() Domain {
	return intentDomains[i]
}

// Conversational reports whether the intent is answered without touching data.
func (i Intent) Conversational() bool {
	return i == IntentGreeting || i == IntentOutOfScope || i == IntentUnknown
}
