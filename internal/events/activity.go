// Package events defines the payloads published through the outbox.
package events

import "time"

// ActivityRecorded is emitted when a new record is created for an owner.
type ActivityRecorded struct {
	RecordID        string    `json:"record_id"`
	OwnerID         string    `json:"owner_id"`
	Category        string    `json:"category"`
	Title           string    `json:"title"`
	Source          string    `json:"source"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	DurationMinutes int       `json:"duration_minutes"`
}

// ActivityMerged is emitted when an observation folds into an existing
// record. DurationMinutes carries the new running total, AddedMinutes the
// delta this merge contributed.
type ActivityMerged struct {
	RecordID        string    `json:"record_id"`
	OwnerID         string    `json:"owner_id"`
	Category        string    `json:"category"`
	Title           string    `json:"title"`
	DurationMinutes int       `json:"duration_minutes"`
	AddedMinutes    int       `json:"added_minutes"`
	OccurredAt      time.Time `json:"occurred_at"`
}
