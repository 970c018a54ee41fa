package graphql

import (
	"fmt"
	"strings"

	"github.com/kilupskalvis/replica/internal/models"
)

// Variable names used by the generated documents.
const (
	VarLastSync   = "lastSync"
	VarData       = "data"
	VarLastUpdate = "lastUpdate"
)

// remoteColumns returns the server columns exchanged for m, in declaration
// order. Inline attachment data stays local.
func remoteColumns(m *models.Model) []string {
	inline := make(map[string]bool, len(m.Attachments))
	for _, a := range m.Attachments {
		inline[a.DataField] = true
	}
	cols := make([]string, 0, len(m.Fields))
	for _, f := range m.Fields {
		if !inline[f.Name] {
			cols = append(cols, f.RemoteName())
		}
	}
	return cols
}

func writeSelection(b *strings.Builder, indent string, cols []string) {
	for _, c := range cols {
		b.WriteString(indent)
		b.WriteString(c)
		b.WriteByte('\n')
	}
}

// BuildQuery returns the delta query fetching rows updated after $lastSync.
func BuildQuery(m *models.Model) string {
	table := m.RemoteName
	var b strings.Builder
	fmt.Fprintf(&b, "query sync%s($%s: timestamptz!) {\n", table, VarLastSync)
	fmt.Fprintf(&b, "  %s(where: {updated_at: {_gt: $%s}}) {\n", table, VarLastSync)
	writeSelection(&b, "    ", append(remoteColumns(m), m.DeleteField))
	b.WriteString("  }\n}\n")
	return b.String()
}

// BuildMutation returns the upsert mutation for $data. Conflicts on the
// primary key update every other exchanged column including the delete flag.
func BuildMutation(m *models.Model) string {
	table := m.RemoteName
	cols := remoteColumns(m)
	pk := m.RemotePrimaryKey()

	update := make([]string, 0, len(cols))
	for _, c := range cols {
		if c != pk {
			update = append(update, c)
		}
	}
	update = append(update, m.DeleteField)

	var b strings.Builder
	fmt.Fprintf(&b, "mutation save_%s($%s: [%s_insert_input!]!) {\n", table, VarData, table)
	fmt.Fprintf(&b, "  insert_%s(objects: $%s, on_conflict: {constraint: %s_pkey, update_columns: [%s]}) {\n",
		table, VarData, table, strings.Join(update, ", "))
	b.WriteString("    returning {\n")
	writeSelection(&b, "      ", append(cols, m.DeleteField))
	b.WriteString("    }\n  }\n}\n")
	return b.String()
}

// BuildSubscription returns the live subscription that signals rows updated
// after $lastUpdate. Only keys are selected; the notification triggers a pull.
func BuildSubscription(m *models.Model) string {
	table := m.RemoteName
	var b strings.Builder
	fmt.Fprintf(&b, "subscription subnew%s($%s: timestamptz!) {\n", table, VarLastUpdate)
	fmt.Fprintf(&b, "  %s(where: {updated_at: {_gt: $%s}}, order_by: {created_at: asc}) {\n", table, VarLastUpdate)
	writeSelection(&b, "    ", []string{m.RemotePrimaryKey(), "updated_at"})
	b.WriteString("  }\n}\n")
	return b.String()
}
