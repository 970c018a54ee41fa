package models

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"
)

// LastUpdatedAtField is the local sync stamp (unix milliseconds). It is set
// only on rows that came from, or were confirmed by, the server.
const LastUpdatedAtField = "_lastUpdatedAt"

// TypenameField is GraphQL transport metadata stripped from incoming rows.
const TypenameField = "__typename"

// Record is a single row of a model as a field bag.
type Record map[string]any

// IsLocalField reports whether a field name is reserved for local bookkeeping.
func IsLocalField(name string) bool {
	return strings.HasPrefix(name, "_")
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return maps.Clone(r)
}

// WithoutLocal returns a copy without local-only fields.
func (r Record) WithoutLocal() Record {
	out := make(Record, len(r))
	for k, v := range r {
		if !IsLocalField(k) {
			out[k] = v
		}
	}
	return out
}

// Merge returns a copy of r with changes applied on top.
func (r Record) Merge(changes Record) Record {
	out := r.Clone()
	if out == nil {
		out = make(Record, len(changes))
	}
	maps.Copy(out, changes)
	return out
}

// ID returns the primary key value as a string.
func (r Record) ID(pk string) (string, bool) {
	v, ok := r[pk]
	if !ok || v == nil {
		return "", false
	}
	switch id := v.(type) {
	case string:
		return id, id != ""
	case float64:
		return fmt.Sprintf("%.0f", id), true
	default:
		return fmt.Sprint(id), true
	}
}

// String returns the field as a string, or "" when absent or not a string.
func (r Record) String(field string) string {
	s, _ := r[field].(string)
	return s
}

// Stamp marks the record as confirmed by the server at t.
func (r Record) Stamp(t time.Time) {
	r[LastUpdatedAtField] = t.UnixMilli()
}

// LastUpdatedAt returns the sync stamp. Rows decoded from JSON carry float64.
func (r Record) LastUpdatedAt() (int64, bool) {
	switch v := r[LastUpdatedAtField].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// IsSynced reports whether the record carries a positive sync stamp.
func (r Record) IsSynced() bool {
	ts, ok := r.LastUpdatedAt()
	return ok && ts > 0
}
