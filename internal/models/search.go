package models

import (
	"errors"
	"fmt"
)

const (
	DefaultSearchLimit = 10
	MaxSearchLimit     = 100
)

// SearchHit is a search result resolved to its external id.
type SearchHit struct {
	ExternalID int64   `json:"external_id"`
	Distance   float32 `json:"distance"`
	Rank       int     `json:"rank"`
}

// SearchRequest asks for the neighbors of either a raw vector or a text query that is
// embedded first. Exactly one of the two must be set.
type SearchRequest struct {
	Vector []float32 `json:"vector,omitempty"`
	Query  string    `json:"query,omitempty"`
	Limit  int       `json:"limit,omitempty"`
}

// Validate checks the request and clamps Limit into [1, MaxSearchLimit].
func (r *SearchRequest) Validate() error {
	switch {
	case len(r.Vector) == 0 && r.Query == "":
		return errors.New("either vector or query is required")
	case len(r.Vector) > 0 && r.Query != "":
		return errors.New("vector and query are mutually exclusive")
	}
	if r.Limit < 0 {
		return fmt.Errorf("limit must not be negative, got %d", r.Limit)
	}
	if r.Limit == 0 {
		r.Limit = DefaultSearchLimit
	}
	if r.Limit > MaxSearchLimit {
		r.Limit = MaxSearchLimit
	}
	return nil
}

// SearchResponse is the result of a search request.
type SearchResponse struct {
	Hits      []SearchHit `json:"hits"`
	Total     int         `json:"total"`
	QueryTime int64       `json:"query_time_ms"`
	Query     string      `json:"query,omitempty"`
}
