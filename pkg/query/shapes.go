package query

import (
	"github.com/aixgo-dev/clinicflow/pkg/conversation"
)

type valueKind int

const (
	kindID valueKind = iota
	kindText
	kindPattern
	kindDate
	kindDayStart
	kindDayEnd
)

// filterSpec binds an entity key to a column.
type filterSpec struct {
	Entity string
	Field  string
	Cmp    Comparator
	Kind   valueKind
}

// Shape is one entry of the closed intent-to-query table.
type Shape struct {
	Intent         conversation.Intent
	Table          string
	Operation      Operation
	Fields         []string
	Order          *Order
	AggregateField string
	// OwnerField holds the patient id used for own-records scope.
	OwnerField string
	// Shared shapes read reference data that carries no owner.
	Shared  bool
	filters []filterSpec
}

// dateRange filters on field by a single day or a from/to span.
func dateRange(field string) []filterSpec {
	return []filterSpec{
		{Entity: "date", Field: field, Cmp: CmpGte, Kind: kindDayStart},
		{Entity: "date", Field: field, Cmp: CmpLt, Kind: kindDayEnd},
		{Entity: "date_from", Field: field, Cmp: CmpGte, Kind: kindDate},
		{Entity: "date_to", Field: field, Cmp: CmpLt, Kind: kindDayEnd},
	}
}

func with(specs ...[]filterSpec) []filterSpec {
	var out []filterSpec
	for _, s := range specs {
		out = append(out, s...)
	}
	return out
}

var (
	patientFilter    = []filterSpec{{Entity: "patient_id", Field: "patient_id", Cmp: CmpEq, Kind: kindID}}
	podiatristFilter = []filterSpec{{Entity: "podiatrist_id", Field: "podiatrist_id", Cmp: CmpEq, Kind: kindID}}
	statusFilter     = []filterSpec{{Entity: "status", Field: "status", Cmp: CmpEq, Kind: kindText}}

	appointmentFilters = with(patientFilter, podiatristFilter, statusFilter, dateRange("scheduled_at"))
	paymentFilters     = with(patientFilter, dateRange("paid_at"))
	patientLookup      = []filterSpec{
		{Entity: "patient_id", Field: "id", Cmp: CmpEq, Kind: kindID},
		{Entity: "name", Field: "full_name", Cmp: CmpFuzzy, Kind: kindText},
	}
)

var shapes = map[conversation.Intent]Shape{
	conversation.IntentUsersList: {
		Intent: conversation.IntentUsersList, Table: TableUsers, Operation: OpSelect,
		Fields:  []string{"id", "full_name", "email", "role", "active"},
		Order:   &Order{Field: "full_name"},
		filters: []filterSpec{{Entity: "role", Field: "role", Cmp: CmpEq, Kind: kindText}, {Entity: "name", Field: "full_name", Cmp: CmpILike, Kind: kindPattern}},
	},
	conversation.IntentAuditList: {
		Intent: conversation.IntentAuditList, Table: TableAuditLogs, Operation: OpSelect,
		Fields:  []string{"id", "user_id", "action", "resource", "created_at"},
		Order:   &Order{Field: "created_at", Desc: true},
		filters: with([]filterSpec{{Entity: "user_id", Field: "user_id", Cmp: CmpEq, Kind: kindID}}, dateRange("created_at")),
	},

	conversation.IntentPatientsSearch: {
		Intent: conversation.IntentPatientsSearch, Table: TablePatients, Operation: OpSelect,
		Fields:     []string{"id", "full_name", "phone", "email", "birth_date"},
		Order:      &Order{Field: "full_name"},
		OwnerField: "id",
		filters:    patientLookup,
	},
	conversation.IntentPatientsCount: {
		Intent: conversation.IntentPatientsCount, Table: TablePatients, Operation: OpCount,
		OwnerField: "id",
		filters:    with([]filterSpec{{Entity: "name", Field: "full_name", Cmp: CmpFuzzy, Kind: kindText}}, dateRange("created_at")),
	},
	conversation.IntentPatientsMedical: {
		Intent: conversation.IntentPatientsMedical, Table: TablePatients, Operation: OpSelect,
		Fields:     append([]string{"id", "full_name"}, MedicalFields...),
		Order:      &Order{Field: "full_name"},
		OwnerField: "id",
		filters:    patientLookup,
	},
	conversation.IntentTreatmentsList: {
		Intent: conversation.IntentTreatmentsList, Table: TableTreatments, Operation: OpSelect,
		Fields:     []string{"id", "patient_id", "diagnosis", "status", "started_at", "closed_at"},
		Order:      &Order{Field: "started_at", Desc: true},
		OwnerField: "patient_id",
		filters:    with(patientFilter, statusFilter),
	},
	conversation.IntentEvolutionsList: {
		Intent: conversation.IntentEvolutionsList, Table: TableEvolutions, Operation: OpSelect,
		Fields:     []string{"id", "treatment_id", "patient_id", "podiatrist_id", "notes", "visit_date"},
		Order:      &Order{Field: "visit_date", Desc: true},
		OwnerField: "patient_id",
		filters: with(patientFilter, podiatristFilter,
			[]filterSpec{{Entity: "treatment_id", Field: "treatment_id", Cmp: CmpEq, Kind: kindID}},
			dateRange("visit_date")),
	},

	conversation.IntentAppointmentsList: {
		Intent: conversation.IntentAppointmentsList, Table: TableAppointments, Operation: OpSelect,
		Fields:     []string{"id", "patient_id", "podiatrist_id", "service_id", "scheduled_at", "status"},
		Order:      &Order{Field: "scheduled_at"},
		OwnerField: "patient_id",
		filters:    appointmentFilters,
	},
	conversation.IntentAppointmentsCount: {
		Intent: conversation.IntentAppointmentsCount, Table: TableAppointments, Operation: OpCount,
		OwnerField: "patient_id",
		filters:    appointmentFilters,
	},
	conversation.IntentServicesList: {
		Intent: conversation.IntentServicesList, Table: TableServices, Operation: OpSelect,
		Fields:  []string{"id", "name", "price", "duration_minutes"},
		Order:   &Order{Field: "name"},
		Shared:  true,
		filters: []filterSpec{{Entity: "name", Field: "name", Cmp: CmpILike, Kind: kindPattern}},
	},
	conversation.IntentPodiatristsList: {
		Intent: conversation.IntentPodiatristsList, Table: TablePodiatrists, Operation: OpSelect,
		Fields:  []string{"id", "full_name", "specialty", "phone"},
		Order:   &Order{Field: "full_name"},
		Shared:  true,
		filters: []filterSpec{{Entity: "name", Field: "full_name", Cmp: CmpILike, Kind: kindPattern}},
	},
	conversation.IntentLeadsList: {
		Intent: conversation.IntentLeadsList, Table: TableLeads, Operation: OpSelect,
		Fields:  []string{"id", "full_name", "phone", "source", "status", "created_at"},
		Order:   &Order{Field: "created_at", Desc: true},
		filters: with(statusFilter, dateRange("created_at")),
	},
	conversation.IntentPaymentsList: {
		Intent: conversation.IntentPaymentsList, Table: TablePayments, Operation: OpSelect,
		Fields:     []string{"id", "patient_id", "appointment_id", "amount", "method", "paid_at"},
		Order:      &Order{Field: "paid_at", Desc: true},
		OwnerField: "patient_id",
		filters:    paymentFilters,
	},
	conversation.IntentPaymentsSum: {
		Intent: conversation.IntentPaymentsSum, Table: TablePayments, Operation: OpSum,
		AggregateField: "amount",
		OwnerField:     "patient_id",
		filters:        paymentFilters,
	},
	conversation.IntentExpensesList: {
		Intent: conversation.IntentExpensesList, Table: TableExpenses, Operation: OpSelect,
		Fields:  []string{"id", "category", "amount", "description", "spent_at"},
		Order:   &Order{Field: "spent_at", Desc: true},
		filters: with([]filterSpec{{Entity: "category", Field: "category", Cmp: CmpEq, Kind: kindText}}, dateRange("spent_at")),
	},
}

// LookupShape returns the query shape for a data intent.
func LookupShape(intent conversation.Intent) (Shape, bool) {
	s, ok := shapes[intent]
	return s, ok
}
