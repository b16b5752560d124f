// Package e2e drives the HTTP API over the full pipeline with a generated corpus.
package e2e

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hyperjump/ivfsync/internal/models"
)

var (
	dishes   = []string{"Tomato soup", "Mushroom risotto", "Lamb tagine", "Pad thai", "Fish tacos", "Ramen", "Paella", "Pierogi", "Shakshuka", "Bibimbap"}
	cuisines = []string{"Italian", "Moroccan", "Thai", "Mexican", "Japanese", "Spanish", "Polish", "Korean"}
	courses  = []string{"Starter", "Main", "Side", "Dessert"}
)

// BuildCorpus returns n published recipe records with ids 1..n. Every record has
// distinct text.
func BuildCorpus(n int) []*models.Record {
	out := make([]*models.Record, 0, n)
	for i := 1; i <= n; i++ {
		dish := dishes[i%len(dishes)]
		out = append(out, &models.Record{
			ID:    int64(i),
			Title: fmt.Sprintf("%s no. %d", dish, i),
			Body:  fmt.Sprintf("Variation %d of %s, serves %d.", i, dish, 2+i%5),
			Fields: map[string]string{
				"cuisine": cuisines[i%len(cuisines)],
				"course":  courses[i%len(courses)],
			},
			Status: models.StatusPublished,
		})
	}
	return out
}

// WriteJSONL writes records one JSON object per line, the format `ivfsync import` reads.
func WriteJSONL(w io.Writer, records []*models.Record) error {
	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}
