package query

import (
	"sort"

	"github.com/aixgo-dev/clinicflow/pkg/conversation"
)

// Table describes one queryable relation.
type Table struct {
	Name   string
	Schema string
	Domain conversation.Domain
	Fields []string
}

// HasField reports whether f is a column of t.
func (t Table) HasField(f string) bool {
	for _, x := range t.Fields {
		if x == f {
			return true
		}
	}
	return false
}

// Table names.
const (
	TableClinics      = "clinics"
	TableUsers        = "users"
	TableAuditLogs    = "audit_logs"
	TablePatients     = "patients"
	TableTreatments   = "treatments"
	TableEvolutions   = "evolutions"
	TableEvidence     = "evidence"
	TablePodiatrists  = "podiatrists"
	TableAppointments = "appointments"
	TableServices     = "services"
	TableLeads        = "leads"
	TablePayments     = "payments"
	TableTransactions = "transactions"
	TableExpenses     = "expenses"
)

// Columns of the patients table that only clinical staff may read.
var MedicalFields = []string{"medical_history", "family_history", "allergies", "medications", "medical_notes"}

var catalog = map[string]Table{
	TableClinics:   {Name: TableClinics, Schema: "auth", Domain: conversation.DomainIdentity, Fields: []string{"id", "name", "address", "phone"}},
	TableUsers:     {Name: TableUsers, Schema: "auth", Domain: conversation.DomainIdentity, Fields: []string{"id", "full_name", "email", "role", "active", "clinic_id", "created_at"}},
	TableAuditLogs: {Name: TableAuditLogs, Schema: "auth", Domain: conversation.DomainIdentity, Fields: []string{"id", "user_id", "action", "resource", "created_at"}},

	TablePatients: {Name: TablePatients, Schema: "clinic", Domain: conversation.DomainClinical, Fields: []string{
		"id", "full_name", "phone", "email", "birth_date", "created_at",
		"medical_history", "family_history", "allergies", "medications", "medical_notes",
	}},
	TableTreatments: {Name: TableTreatments, Schema: "clinic", Domain: conversation.DomainClinical, Fields: []string{"id", "patient_id", "diagnosis", "status", "started_at", "closed_at"}},
	TableEvolutions: {Name: TableEvolutions, Schema: "clinic", Domain: conversation.DomainClinical, Fields: []string{"id", "treatment_id", "patient_id", "podiatrist_id", "notes", "visit_date"}},
	TableEvidence:   {Name: TableEvidence, Schema: "clinic", Domain: conversation.DomainClinical, Fields: []string{"id", "evolution_id", "patient_id", "kind", "url", "created_at"}},

	TablePodiatrists:  {Name: TablePodiatrists, Schema: "ops", Domain: conversation.DomainOperational, Fields: []string{"id", "full_name", "specialty", "phone", "active"}},
	TableAppointments: {Name: TableAppointments, Schema: "ops", Domain: conversation.DomainOperational, Fields: []string{"id", "patient_id", "podiatrist_id", "service_id", "scheduled_at", "status", "notes"}},
	TableServices:     {Name: TableServices, Schema: "ops", Domain: conversation.DomainOperational, Fields: []string{"id", "name", "price", "duration_minutes", "active"}},
	TableLeads:        {Name: TableLeads, Schema: "ops", Domain: conversation.DomainOperational, Fields: []string{"id", "full_name", "phone", "source", "status", "created_at"}},

	TablePayments:     {Name: TablePayments, Schema: "finance", Domain: conversation.DomainOperational, Fields: []string{"id", "patient_id", "appointment_id", "amount", "method", "paid_at"}},
	TableTransactions: {Name: TableTransactions, Schema: "finance", Domain: conversation.DomainOperational, Fields: []string{"id", "payment_id", "amount", "kind", "created_at"}},
	TableExpenses:     {Name: TableExpenses, Schema: "finance", Domain: conversation.DomainOperational, Fields: []string{"id", "category", "amount", "description", "spent_at"}},
}

// LookupTable returns the catalog entry for name.
func LookupTable(name string) (Table, bool) {
	t, ok := catalog[name]
	return t, ok
}

// Tables returns every catalog table sorted by name.
func Tables() []Table {
	out := make([]Table, 0, len(catalog))
	for _, t := range catalog {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Whitelist maps a table name to the set of columns that may be referenced.
type Whitelist map[string]map[string]struct{}

// Allows reports whether field of table is whitelisted.
func (w Whitelist) Allows(table, field string) bool {
	fields, ok := w[table]
	if !ok {
		return false
	}
	_, ok = fields[field]
	return ok
}

// HasTable reports whether any column of table is whitelisted.
func (w Whitelist) HasTable(table string) bool {
	return len(w[table]) > 0
}

// Add whitelists fields of table.
func (w Whitelist) Add(table string, fields ...string) {
	set, ok := w[table]
	if !ok {
		set = make(map[string]struct{}, len(fields))
		w[table] = set
	}
	for _, f := range fields {
		set[f] = struct{}{}
	}
}

// Remove drops fields of table from the whitelist.
func (w Whitelist) Remove(table string, fields ...string) {
	for _, f := range fields {
		delete(w[table], f)
	}
}
