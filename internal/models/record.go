// Package models defines the records, search hits and API payloads shared across packages.
package models

import "time"

// StatusPublished marks a record that is eligible for indexing.
const StatusPublished = "Published"

// Record is a source row. ID is the stable external identifier.
type Record struct {
	ID        int64             `json:"id"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Fields    map[string]string `json:"fields,omitempty"`
	Status    string            `json:"status,omitempty"`
	CreatedAt time.Time         `json:"created_at,omitempty"`
	UpdatedAt time.Time         `json:"updated_at,omitempty"`
}

// Published reports whether the record should be indexed. An empty status counts as
// published so imported rows without one are picked up.
func (r *Record) Published() bool {
	return r.Status == "" || r.Status == StatusPublished
}
