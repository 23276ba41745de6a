package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// RequestStatus enumerates accreditation request lifecycle states.
type RequestStatus string

const (
	RequestStatusDraft       RequestStatus = "draft"
	RequestStatusSubmitted   RequestStatus = "submitted"
	RequestStatusUnderReview RequestStatus = "under_review"
	RequestStatusApproved    RequestStatus = "approved"
	RequestStatusRejected    RequestStatus = "rejected"
	RequestStatusCancelled   RequestStatus = "cancelled"
	RequestStatusSuspended   RequestStatus = "suspended"
)

// Valid reports whether the status is one of the known values.
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestStatusDraft, RequestStatusSubmitted, RequestStatusUnderReview, RequestStatusApproved,
		RequestStatusRejected, RequestStatusCancelled, RequestStatusSuspended:
		return true
	default:
		return false
	}
}

// PendingRequestStatuses are the states the bulk orchestrator still has to move forward.
var PendingRequestStatuses = []RequestStatus{RequestStatusDraft, RequestStatusSubmitted, RequestStatusUnderReview}

// TransitionKind names an entry in a request timeline.
type TransitionKind string

const (
	TransitionCreated   TransitionKind = "created"
	TransitionSubmitted TransitionKind = "submitted"
	TransitionReviewed  TransitionKind = "reviewed"
	TransitionApproved  TransitionKind = "approved"
	TransitionRejected  TransitionKind = "rejected"
	TransitionReturned  TransitionKind = "returned"
	TransitionSuspended TransitionKind = "suspended"
	TransitionCancelled TransitionKind = "cancelled"
)

// TransitionRecord captures who moved a request and when.
type TransitionRecord struct {
	Kind    TransitionKind `json:"kind"`
	Actor   string         `json:"actor"`
	At      time.Time      `json:"at"`
	Comment string         `json:"comment,omitempty"`
}

// Transitions is the append-only timeline persisted as JSONB.
type Transitions []TransitionRecord

// Value marshals the timeline for persistence.
func (t Transitions) Value() (driver.Value, error) {
	if t == nil {
		t = Transitions{}
	}
	data, err := json.Marshal([]TransitionRecord(t))
	if err != nil {
		return nil, fmt.Errorf("marshal transitions: %w", err)
	}
	return data, nil
}

// Scan unmarshals JSON payloads into the timeline.
func (t *Transitions) Scan(value interface{}) error {
	if value == nil {
		*t = Transitions{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for Transitions", value)
	}
	if len(data) == 0 {
		*t = Transitions{}
		return nil
	}
	var records []TransitionRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("unmarshal transitions: %w", err)
	}
	*t = records
	return nil
}

// AccreditationRequest is one employee's petition for access to an event's zones.
type AccreditationRequest struct {
	ID          string        `db:"id" json:"id"`
	UUID        string        `db:"uuid" json:"uuid"`
	EmployeeID  string        `db:"employee_id" json:"employee_id"`
	EventID     string        `db:"event_id" json:"event_id"`
	Status      RequestStatus `db:"status" json:"status"`
	Comments    *string       `db:"comments" json:"comments,omitempty"`
	CreatedBy   string        `db:"created_by" json:"created_by"`
	Transitions Transitions   `db:"transitions" json:"transitions"`
	CreatedAt   time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time     `db:"updated_at" json:"updated_at"`
	ZoneIDs     []string      `db:"-" json:"zone_ids"`
}

// Record appends a timeline entry.
func (r *AccreditationRequest) Record(kind TransitionKind, actor string, at time.Time, comment string) TransitionRecord {
	rec := TransitionRecord{Kind: kind, Actor: actor, At: at.UTC(), Comment: comment}
	r.Transitions = append(r.Transitions, rec)
	return rec
}

// Timeline returns the transitions ordered by time; ties keep insertion order.
func (r *AccreditationRequest) Timeline() []TransitionRecord {
	out := make([]TransitionRecord, len(r.Transitions))
	copy(out, r.Transitions)
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// LastTransition returns the latest record of the given kind.
// Review records made before the most recent return to draft are ignored.
func (r *AccreditationRequest) LastTransition(kind TransitionKind) (TransitionRecord, bool) {
	timeline := r.Timeline()
	for i := len(timeline) - 1; i >= 0; i-- {
		rec := timeline[i]
		if rec.Kind == kind {
			return rec, true
		}
		if rec.Kind == TransitionReturned && kind == TransitionReviewed {
			return TransitionRecord{}, false
		}
	}
	return TransitionRecord{}, false
}

// RequestFilter constrains request listing queries.
type RequestFilter struct {
	EventID    string
	ProviderID string
	AreaID     string
	Status     []RequestStatus
	IDs        []string
	Limit      int
	Offset     int
}
