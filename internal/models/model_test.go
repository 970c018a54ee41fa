package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testModel() *Model {
	m := &Model{
		Name:       "task",
		RemoteName: "tasks",
		PrimaryKey: "id",
		Fields: []Field{
			{Name: "id"},
			{Name: "title"},
			{Name: "done", Remote: "is_done"},
			{Name: "photo"},
			{Name: "photoPath"},
			{Name: "photoKey", Remote: "photo_key"},
		},
		Attachments: []Attachment{
			{Name: "photo", DataField: "photo", PendingPathField: "photoPath", UploadedPathField: "photoKey"},
		},
	}
	m.Normalize()
	return m
}

// ==================== Model Tests ====================

func TestModel_Normalize(t *testing.T) {
	m := &Model{Name: "note", PrimaryKey: "id", Fields: []Field{{Name: "id"}}}
	m.Normalize()

	assert.Equal(t, "note", m.StoreName)
	assert.Equal(t, "note", m.RemoteName)
	assert.Equal(t, DefaultDeleteField, m.DeleteField)
	assert.Equal(t, []string{PublicRole}, m.Permissions.Read)
	assert.Equal(t, []string{PublicRole}, m.Permissions.Write)
	assert.Equal(t, []string{PublicRole}, m.Permissions.Delete)
}

func TestModel_Validate(t *testing.T) {
	require.NoError(t, testModel().Validate())
}

func TestModel_Validate_MissingPrimaryKey(t *testing.T) {
	m := &Model{Name: "note", Fields: []Field{{Name: "id"}}}
	assert.ErrorIs(t, m.Validate(), ErrMissingPrimaryKey)

	m.PrimaryKey = "uuid"
	assert.ErrorIs(t, m.Validate(), ErrMissingPrimaryKey)
}

func TestModel_Validate_DuplicateField(t *testing.T) {
	m := &Model{Name: "note", PrimaryKey: "id", Fields: []Field{{Name: "id"}, {Name: "id"}}}
	assert.ErrorIs(t, m.Validate(), ErrDuplicateField)

	m.Fields = []Field{{Name: "id"}, {Name: "a", Remote: "b"}, {Name: "b"}}
	assert.ErrorIs(t, m.Validate(), ErrDuplicateField)
}

func TestModel_Validate_AttachmentFields(t *testing.T) {
	m := testModel()
	m.Attachments[0].PendingPathField = "missing"
	assert.ErrorIs(t, m.Validate(), ErrUnknownField)
}

func TestModel_CheckRecord(t *testing.T) {
	m := testModel()

	assert.NoError(t, m.CheckRecord(Record{"id": "1", "title": "a", "_lastUpdatedAt": 1, "deleted": false}))
	assert.ErrorIs(t, m.CheckRecord(Record{"id": "1", "color": "red"}), ErrUnknownField)
}

func TestModel_ToRemote(t *testing.T) {
	m := testModel()
	rec := Record{
		"id":             "1",
		"title":          "write tests",
		"done":           true,
		"photo":          "data:text/plain;base64,aGk=",
		"photoKey":       "k1",
		"_lastUpdatedAt": int64(5),
	}

	out := m.ToRemote(rec)
	assert.Equal(t, Record{"id": "1", "title": "write tests", "is_done": true, "photo_key": "k1"}, out)
}

func TestModel_FromRemote(t *testing.T) {
	m := testModel()
	row := Record{"id": "1", "is_done": false, "photo_key": "k", "__typename": "tasks", "deleted": true, "extra": 1}

	out := m.FromRemote(row)
	assert.Equal(t, Record{"id": "1", "done": false, "photoKey": "k", "deleted": true}, out)
	assert.True(t, m.IsDeleted(out))
}

func TestModel_Permissions(t *testing.T) {
	m := testModel()
	m.Permissions = Permissions{Read: []string{PublicRole}, Write: []string{"user"}, Delete: []string{"admin"}}

	roles := []string{PublicRole}
	assert.True(t, m.CanRead(roles))
	assert.False(t, m.CanWrite(roles))
	assert.False(t, m.CanDelete(roles))

	roles = []string{PublicRole, "user"}
	assert.True(t, m.CanWrite(roles))
	assert.False(t, m.CanDelete(roles))
}

// ==================== Record Tests ====================

func TestRecord_WithoutLocal(t *testing.T) {
	rec := Record{"id": "1", "_lastUpdatedAt": 10, "__typename": "x"}
	assert.Equal(t, Record{"id": "1"}, rec.WithoutLocal())
}

func TestRecord_StampRoundTrip(t *testing.T) {
	rec := Record{"id": "1"}
	now := time.UnixMilli(1700000000123)
	rec.Stamp(now)

	ts, ok := rec.LastUpdatedAt()
	require.True(t, ok)
	assert.Equal(t, now.UnixMilli(), ts)

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	var decoded Record
	require.NoError(t, json.Unmarshal(data, &decoded))

	ts, ok = decoded.LastUpdatedAt()
	require.True(t, ok)
	assert.Equal(t, now.UnixMilli(), ts)
	assert.True(t, decoded.IsSynced())
}

func TestRecord_ID(t *testing.T) {
	id, ok := Record{"id": "abc"}.ID("id")
	assert.True(t, ok)
	assert.Equal(t, "abc", id)

	id, ok = Record{"id": float64(42)}.ID("id")
	assert.True(t, ok)
	assert.Equal(t, "42", id)

	_, ok = Record{"id": ""}.ID("id")
	assert.False(t, ok)
	_, ok = Record{}.ID("id")
	assert.False(t, ok)
}

func TestChangeEvent_Matches(t *testing.T) {
	ev := ChangeEvent{EventType: EventPullAdd}
	assert.True(t, ev.Matches(nil))
	assert.True(t, ev.Matches([]EventType{EventAdd, EventPullAdd}))
	assert.False(t, ev.Matches([]EventType{EventAdd}))
	assert.True(t, ev.EventType.IsPull())
	assert.False(t, EventAttachAdd.IsPull())
}
