// Package planner implements the HTTP client for the external collaborative
// planner: task CRUD with ETag-conditional writes, plan/bucket listings, and
// the change-notification subscription lifecycle.
package planner

import "time"

// RemoteTask is the flat task representation consumed and produced by the
// external planner API.
type RemoteTask struct {
	ID              string                `json:"id,omitempty"`
	PlanID          string                `json:"planId,omitempty"`
	BucketID        string                `json:"bucketId,omitempty"`
	Title           string                `json:"title,omitempty"`
	Notes           string                `json:"notes,omitempty"`
	Assignments     map[string]Assignment `json:"assignments,omitempty"`
	PercentComplete int                   `json:"percentComplete"`
	Priority        int                   `json:"priority,omitempty"`
	DueDateTime     string                `json:"dueDateTime,omitempty"`
	LastModified    string                `json:"lastModifiedDateTime,omitempty"`

	// ETag is captured from the response ETag header. It never appears in
	// request bodies; conditional writes carry it in If-Match.
	ETag string `json:"-"`
}

// LastModifiedTime parses the remote last-modified timestamp. The zero time
// is returned when the field is absent or malformed.
func (t RemoteTask) LastModifiedTime() time.Time {
	if t.LastModified == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, t.LastModified)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// TaskPatch is a partial update. Nil fields are omitted from the PATCH body
// so the remote keeps its current value.
type TaskPatch struct {
	Title           *string                `json:"title,omitempty"`
	Notes           *string                `json:"notes,omitempty"`
	BucketID        *string                `json:"bucketId,omitempty"`
	Assignments     *map[string]Assignment `json:"assignments,omitempty"`
	PercentComplete *int                   `json:"percentComplete,omitempty"`
	Priority        *int                   `json:"priority,omitempty"`
	DueDateTime     *string                `json:"dueDateTime,omitempty"`
}

// IsEmpty reports whether the patch carries no changes.
func (p TaskPatch) IsEmpty() bool {
	return p.Title == nil && p.Notes == nil && p.BucketID == nil &&
		p.Assignments == nil && p.PercentComplete == nil &&
		p.Priority == nil && p.DueDateTime == nil
}

// Assignment describes one user assignment on a remote task.
type Assignment struct {
	OrderHint string `json:"orderHint,omitempty"`
}

// NewAssignment returns an assignment descriptor with the conventional
// first-position order hint.
func NewAssignment() Assignment {
	return Assignment{OrderHint: " !"}
}

// Plan is a remote plan summary.
type Plan struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	GroupID string `json:"groupId,omitempty"`
}

// Bucket is a remote bucket summary.
type Bucket struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	PlanID string `json:"planId"`
}

// Subscription is a change-notification subscription as the remote service
// represents it.
type Subscription struct {
	ID                 string `json:"id,omitempty"`
	Resource           string `json:"resource"`
	ChangeType         string `json:"changeType"`
	NotificationURL    string `json:"notificationUrl"`
	ClientState        string `json:"clientState"`
	ExpirationDateTime string `json:"expirationDateTime"`
}

// ExpiresAt parses the subscription expiry. The zero time is returned when
// the field is absent or malformed.
func (s Subscription) ExpiresAt() time.Time {
	if s.ExpirationDateTime == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, s.ExpirationDateTime)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// listResponse is the wrapper the planner uses for collection endpoints.
type listResponse[T any] struct {
	Value []T `json:"value"`
}
