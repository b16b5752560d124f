// Package cli provides output formatting for the ivfsync command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/hyperjump/ivfsync/internal/lifecycle"
	"github.com/hyperjump/ivfsync/internal/models"
	"github.com/hyperjump/ivfsync/internal/syncer"
	"github.com/hyperjump/ivfsync/internal/watcher"
	"github.com/hyperjump/ivfsync/pkg/utils"
)

// OutputFormat selects how results are written.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputCompact is one line per result.
	OutputCompact OutputFormat = "compact"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat accepts text, compact or json.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(s); f {
	case OutputText, OutputCompact, OutputJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q; use text, compact, or json", s)
	}
}

// WriteSearchResults writes search results to w in the given format. titles, when
// non-nil, labels hits by the source record's title.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, titles map[int64]string, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, response)
	case OutputCompact:
		for _, h := range response.Hits {
			fmt.Fprintf(w, "%d\t%d\t%.6f\t%s\n", h.Rank, h.ExternalID, h.Distance, titles[h.ExternalID])
		}
		return nil
	default:
		writeSearchResultsText(w, response, titles)
		return nil
	}
}

func writeSearchResultsText(w io.Writer, response *models.SearchResponse, titles map[int64]string) {
	fmt.Fprintf(w, "\nFound %d results in %dms\n\n", response.Total, response.QueryTime)
	for _, h := range response.Hits {
		fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
		fmt.Fprintf(w, "Rank: %d | ID: %d | Distance: %.4f\n", h.Rank, h.ExternalID, h.Distance)
		if title := titles[h.ExternalID]; title != "" {
			fmt.Fprintf(w, "Title: %s\n", utils.Truncate(title, 120))
		}
	}
	if len(response.Hits) > 0 {
		fmt.Fprintln(w)
	}
}

// WriteOutcome writes the result of one sync pass.
func WriteOutcome(w io.Writer, out syncer.Outcome, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, out)
	}
	switch out.Kind {
	case syncer.Applied:
		fmt.Fprintf(w, "Applied %d records (generation %d, retrained: %v) in %s\n",
			out.Applied, out.Generation, out.Retrained, out.Duration.Round(time.Millisecond))
	case syncer.NoChange:
		fmt.Fprintln(w, "No new records")
	default:
		fmt.Fprintf(w, "Sync failed: %v\n", out.Err)
	}
	return nil
}

// Status is what `ivfsync status` reports.
type Status struct {
	Index   lifecycle.Status `json:"index"`
	Watcher *watcher.Stats   `json:"watcher,omitempty"`
	Pending *int             `json:"pending,omitempty"`
}

// WriteStatus writes st in the given format.
func WriteStatus(w io.Writer, st Status, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, st)
	}
	ix := st.Index
	fmt.Fprintf(w, "State:          %s\n", ix.State)
	fmt.Fprintf(w, "Vectors:        %d\n", ix.Size)
	fmt.Fprintf(w, "Tracked IDs:    %d\n", ix.Count)
	fmt.Fprintf(w, "Generation:     %d\n", ix.Generation)
	if ix.Fingerprint != "" {
		fmt.Fprintf(w, "Fingerprint:    %s\n", utils.Truncate(ix.Fingerprint, 16))
	}
	fmt.Fprintf(w, "Dimensions:     %d\n", ix.Dimensions)
	fmt.Fprintf(w, "Requested:      nlist=%d m=%d nprobe=%d\n", ix.Params.NList, ix.Params.M, ix.Params.NProbe)
	if ix.State == "trained" {
		fmt.Fprintf(w, "Effective:      nlist=%d m=%d\n", ix.NList, ix.Subquantizers)
	}
	if ix.Cursor.MaxExternalID > 0 {
		fmt.Fprintf(w, "Cursor:         max_id=%d synced_at=%s\n", ix.Cursor.MaxExternalID, ix.Cursor.SyncedAt.Format(time.RFC3339))
	}
	if st.Pending != nil {
		fmt.Fprintf(w, "Pending:        %d\n", *st.Pending)
	}
	fmt.Fprintf(w, "Directory:      %s\n", ix.Dir)
	fmt.Fprintf(w, "Disk usage:     %s\n", formatBytes(ix.DiskUsageBytes))
	if st.Watcher != nil {
		fmt.Fprintf(w, "Watcher:        %s (ticks=%d syncs=%d failures=%d skipped=%d)\n",
			st.Watcher.State, st.Watcher.Ticks, st.Watcher.Syncs, st.Watcher.Failures, st.Watcher.Skipped)
		if st.Watcher.LastOutcome != nil {
			fmt.Fprintf(w, "Last outcome:   %s\n", st.Watcher.LastOutcome)
		}
	}
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
