package models

import (
	"slices"
	"time"
)

// EventType identifies the origin of a change.
type EventType string

const (
	EventAdd          EventType = "ADD"
	EventUpdate       EventType = "UPDATE"
	EventDelete       EventType = "DELETE"
	EventPullAdd      EventType = "PULL_ADD"
	EventPullUpdate   EventType = "PULL_UPDATE"
	EventPullDelete   EventType = "PULL_DELETE"
	EventAttachAdd    EventType = "ATTACH_ADD"
	EventAttachRemove EventType = "ATTACH_REMOVE"
)

// IsPull reports whether the change originated from the server.
func (e EventType) IsPull() bool {
	return e == EventPullAdd || e == EventPullUpdate || e == EventPullDelete
}

// ChangeEvent is published to collection listeners after a local mutation.
type ChangeEvent struct {
	EventType EventType `json:"eventType"`
	Data      []Record  `json:"data"`
}

// Matches reports whether the event is one of types. An empty filter matches all.
func (e ChangeEvent) Matches(types []EventType) bool {
	return len(types) == 0 || slices.Contains(types, e.EventType)
}

// MutationQueueItem is one pending upsert for the server.
type MutationQueueItem struct {
	EventType EventType `json:"eventType"`
	Data      Record    `json:"data"`
}

// UploadKindDataURL marks upload payloads encoded as data URLs.
const UploadKindDataURL = "data_url"

// UploadData is the binary payload of an upload request.
type UploadData struct {
	Path string `json:"path"`
	Data string `json:"data"`
	Kind string `json:"type"`
}

// UploadQueueItem is one pending attachment upload.
type UploadQueueItem struct {
	EventType EventType  `json:"eventType"`
	Data      Record     `json:"data"`
	Upload    UploadData `json:"uploadData"`
}

// SyncMetadata records the last successful pull of a model.
// A nil LastSync means the next pull fetches everything.
type SyncMetadata struct {
	ModelKey string     `json:"modelKey"`
	LastSync *time.Time `json:"lastSync"`
}
