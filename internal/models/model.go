// Package models defines the core data structures used throughout replica
// including model schemas, records, change events, and queue items.
package models

import (
	"errors"
	"fmt"
	"slices"
)

// PublicRole is granted to every session, authenticated or not.
const PublicRole = "anonymous"

// DefaultDeleteField is the soft-delete column used when a model does not name one.
const DefaultDeleteField = "deleted"

// Schema errors returned by Model.Validate.
var (
	ErrMissingPrimaryKey = errors.New("model has no primary key")
	ErrDuplicateField    = errors.New("duplicate field")
	ErrUnknownField      = errors.New("unknown field")
)

// Field is a declared data field. Remote is the GraphQL column name when it
// differs from the local name.
type Field struct {
	Name   string `json:"name" toml:"name" yaml:"name"`
	Remote string `json:"remote,omitempty" toml:"remote,omitempty" yaml:"remote,omitempty"`
}

// RemoteName returns the column name used on the server.
func (f Field) RemoteName() string {
	if f.Remote != "" {
		return f.Remote
	}
	return f.Name
}

// Permissions lists the roles allowed to read, write and delete a model's records.
type Permissions struct {
	Read   []string `json:"read,omitempty" toml:"read,omitempty" yaml:"read,omitempty"`
	Write  []string `json:"write,omitempty" toml:"write,omitempty" yaml:"write,omitempty"`
	Delete []string `json:"delete,omitempty" toml:"delete,omitempty" yaml:"delete,omitempty"`
}

// Attachment groups the fields describing one binary attachment of a record.
// DataField holds the inline data URL, PendingPathField the destination path
// waiting for upload, and UploadedPathField receives the object key once stored.
type Attachment struct {
	Name              string `json:"name" toml:"name" yaml:"name"`
	DataField         string `json:"data_field" toml:"data_field" yaml:"data_field"`
	PendingPathField  string `json:"pending_path_field" toml:"pending_path_field" yaml:"pending_path_field"`
	UploadedPathField string `json:"uploaded_path_field" toml:"uploaded_path_field" yaml:"uploaded_path_field"`
}

// Model describes one replicated collection.
type Model struct {
	Name        string       `json:"name" toml:"name" yaml:"name"`
	StoreName   string       `json:"store_name,omitempty" toml:"store_name,omitempty" yaml:"store_name,omitempty"`
	RemoteName  string       `json:"remote_name,omitempty" toml:"remote_name,omitempty" yaml:"remote_name,omitempty"`
	PrimaryKey  string       `json:"primary_key" toml:"primary_key" yaml:"primary_key"`
	DeleteField string       `json:"delete_field,omitempty" toml:"delete_field,omitempty" yaml:"delete_field,omitempty"`
	Fields      []Field      `json:"fields" toml:"fields" yaml:"fields"`
	Permissions Permissions  `json:"permissions" toml:"permissions" yaml:"permissions"`
	Attachments []Attachment `json:"attachments,omitempty" toml:"attachments,omitempty" yaml:"attachments,omitempty"`
}

// Normalize fills in defaulted names and permissions.
func (m *Model) Normalize() {
	if m.StoreName == "" {
		m.StoreName = m.Name
	}
	if m.RemoteName == "" {
		m.RemoteName = m.Name
	}
	if m.DeleteField == "" {
		m.DeleteField = DefaultDeleteField
	}
	if m.Permissions.Read == nil {
		m.Permissions.Read = []string{PublicRole}
	}
	if m.Permissions.Write == nil {
		m.Permissions.Write = []string{PublicRole}
	}
	if m.Permissions.Delete == nil {
		m.Permissions.Delete = []string{PublicRole}
	}
}

// Validate checks the model definition. It is called once at load time and
// a failure is fatal to setup.
func (m *Model) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("model name is required")
	}
	if m.PrimaryKey == "" {
		return fmt.Errorf("model %s: %w", m.Name, ErrMissingPrimaryKey)
	}

	local := make(map[string]bool, len(m.Fields))
	remote := make(map[string]bool, len(m.Fields))
	for _, f := range m.Fields {
		if f.Name == "" {
			return fmt.Errorf("model %s: field name is required", m.Name)
		}
		if local[f.Name] {
			return fmt.Errorf("model %s: %w %q", m.Name, ErrDuplicateField, f.Name)
		}
		if remote[f.RemoteName()] {
			return fmt.Errorf("model %s: %w remote name %q", m.Name, ErrDuplicateField, f.RemoteName())
		}
		local[f.Name] = true
		remote[f.RemoteName()] = true
	}

	if !local[m.PrimaryKey] {
		return fmt.Errorf("model %s: primary key %q is not a declared field: %w", m.Name, m.PrimaryKey, ErrMissingPrimaryKey)
	}
	if local[m.deleteField()] {
		return fmt.Errorf("model %s: delete field %q must not be declared as a data field", m.Name, m.deleteField())
	}

	for _, a := range m.Attachments {
		for _, name := range []string{a.DataField, a.PendingPathField, a.UploadedPathField} {
			if !local[name] {
				return fmt.Errorf("model %s: attachment %s references %w %q", m.Name, a.Name, ErrUnknownField, name)
			}
		}
	}
	return nil
}

func (m *Model) deleteField() string {
	if m.DeleteField == "" {
		return DefaultDeleteField
	}
	return m.DeleteField
}

// Field returns the declared field with the given local name.
func (m *Model) Field(name string) (Field, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// RemotePrimaryKey returns the server column of the primary key.
func (m *Model) RemotePrimaryKey() string {
	if f, ok := m.Field(m.PrimaryKey); ok {
		return f.RemoteName()
	}
	return m.PrimaryKey
}

// HasAttachments reports whether the model declares attachment groups.
func (m *Model) HasAttachments() bool {
	return len(m.Attachments) > 0
}

// isInlineData reports whether name is an attachment's inline data field.
// Inline data never leaves the device as part of a record mutation.
func (m *Model) isInlineData(name string) bool {
	for _, a := range m.Attachments {
		if a.DataField == name {
			return true
		}
	}
	return false
}

// CheckRecord rejects records carrying fields the model does not declare.
// Local-only fields and the delete field are always accepted.
func (m *Model) CheckRecord(rec Record) error {
	for k := range rec {
		if IsLocalField(k) || k == m.deleteField() {
			continue
		}
		if _, ok := m.Field(k); !ok {
			return fmt.Errorf("model %s: %w %q", m.Name, ErrUnknownField, k)
		}
	}
	return nil
}

// ToRemote projects a local record onto the declared remote columns.
// Local-only fields, undeclared fields and inline attachment data are dropped.
func (m *Model) ToRemote(rec Record) Record {
	out := make(Record, len(rec))
	for _, f := range m.Fields {
		if m.isInlineData(f.Name) {
			continue
		}
		if v, ok := rec[f.Name]; ok {
			out[f.RemoteName()] = v
		}
	}
	if v, ok := rec[m.deleteField()]; ok {
		out[m.deleteField()] = v
	}
	return out
}

// FromRemote maps a server row back to local field names, discarding
// transport metadata and columns the model does not declare.
func (m *Model) FromRemote(row Record) Record {
	out := make(Record, len(row))
	for _, f := range m.Fields {
		if v, ok := row[f.RemoteName()]; ok {
			out[f.Name] = v
		}
	}
	if v, ok := row[m.deleteField()]; ok {
		out[m.deleteField()] = v
	}
	return out
}

// IsDeleted reports whether the record carries a truthy soft-delete flag.
func (m *Model) IsDeleted(rec Record) bool {
	v, ok := rec[m.deleteField()]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// CanRead reports whether any of roles may read the model.
func (m *Model) CanRead(roles []string) bool {
	return intersects(m.Permissions.Read, roles)
}

// CanWrite reports whether any of roles may write the model.
func (m *Model) CanWrite(roles []string) bool {
	return intersects(m.Permissions.Write, roles)
}

// CanDelete reports whether any of roles may delete the model's records.
func (m *Model) CanDelete(roles []string) bool {
	return intersects(m.Permissions.Delete, roles)
}

func intersects(allowed, roles []string) bool {
	for _, r := range roles {
		if slices.Contains(allowed, r) {
			return true
		}
	}
	return false
}
