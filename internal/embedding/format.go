package embedding

import (
	"sort"
	"strings"

	"github.com/hyperjump/ivfsync/internal/models"
	"github.com/hyperjump/ivfsync/pkg/utils"
)

// MaxRecordTextLen caps the formatted text of one record, in runes.
const MaxRecordTextLen = 8192

// Formatter turns a record into the text that gets embedded.
type Formatter func(r *models.Record) string

// FormatRecord builds a single narrative from the title, the body and the fields in
// key order, so the same record always produces the same text.
func FormatRecord(r *models.Record) string {
	var parts []string
	if title := strings.TrimSpace(r.Title); title != "" {
		parts = append(parts, "Title: "+title+".")
	}
	if body := strings.TrimSpace(r.Body); body != "" {
		parts = append(parts, body)
	}

	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := strings.TrimSpace(r.Fields[k])
		if v == "" {
			continue
		}
		parts = append(parts, fieldLabel(k)+": "+v+".")
	}
	return utils.Truncate(strings.Join(parts, " "), MaxRecordTextLen)
}

// fieldLabel turns "listing_type" into "Listing type".
func fieldLabel(key string) string {
	label := strings.ReplaceAll(strings.TrimSpace(key), "_", " ")
	if label == "" {
		return label
	}
	return strings.ToUpper(label[:1]) + label[1:]
}
