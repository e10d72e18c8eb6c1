package recovery

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/nadmax/calbulk/internal/errclass"
)

type MessageCount struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// Report aggregates the error history at a point in time.
type Report struct {
	GeneratedAt   time.Time                 `json:"generatedAt"`
	TotalErrors   int                       `json:"totalErrors"`
	ByCategory    map[errclass.Category]int `json:"byCategory"`
	BySeverity    map[errclass.Severity]int `json:"bySeverity"`
	TopMessages   []MessageCount            `json:"topMessages"`
	Suggestions   []string                  `json:"suggestions"`
	AffectedItems int                       `json:"affectedItems"`
	SuccessRate   float64                   `json:"successRate"`
	Retryable     int                       `json:"retryable"`
	Operations    []string                  `json:"operations"`
	Trend         errclass.Trend            `json:"trend"`
}

func buildReport(history []errclass.Classification, succeeded, failed, topN int, trend errclass.Trend) Report {
	r := Report{
		GeneratedAt: time.Now(),
		TotalErrors: len(history),
		ByCategory:  make(map[errclass.Category]int),
		BySeverity:  make(map[errclass.Severity]int),
		Trend:       trend,
	}

	messages := make(map[string]int)
	ops := make(map[string]bool)
	for _, cl := range history {
		r.ByCategory[cl.Category]++
		r.BySeverity[cl.Severity]++
		messages[cl.Message]++
		r.AffectedItems += max(cl.ItemCount, 1)
		if cl.Retryable {
			r.Retryable++
		}
		if cl.OperationID != "" && !ops[cl.OperationID] {
			ops[cl.OperationID] = true
			r.Operations = append(r.Operations, cl.OperationID)
		}
	}

	for msg, n := range messages {
		r.TopMessages = append(r.TopMessages, MessageCount{Message: msg, Count: n})
	}
	sort.Slice(r.TopMessages, func(i, j int) bool {
		if r.TopMessages[i].Count != r.TopMessages[j].Count {
			return r.TopMessages[i].Count > r.TopMessages[j].Count
		}
		return r.TopMessages[i].Message < r.TopMessages[j].Message
	})
	if len(r.TopMessages) > topN {
		r.TopMessages = r.TopMessages[:topN]
	}

	seen := make(map[string]bool)
	for _, c := range errclass.Categories {
		if r.ByCategory[c] == 0 {
			continue
		}
		for _, s := range errclass.Suggestions(c) {
			if !seen[s] {
				seen[s] = true
				r.Suggestions = append(r.Suggestions, s)
			}
		}
	}

	if total := succeeded + failed; total > 0 {
		r.SuccessRate = float64(succeeded) / float64(total) * 100
	} else {
		r.SuccessRate = 100
	}

	return r
}

// WriteCSV renders the report as category and message rows.
func WriteCSV(w io.Writer, r Report) error {
	cw := csv.NewWriter(w)

	rows := [][]string{
		{"section", "key", "value"},
		{"summary", "generated_at", r.GeneratedAt.Format(time.RFC3339)},
		{"summary", "total_errors", strconv.Itoa(r.TotalErrors)},
		{"summary", "affected_items", strconv.Itoa(r.AffectedItems)},
		{"summary", "retryable", strconv.Itoa(r.Retryable)},
		{"summary", "success_rate", fmt.Sprintf("%.2f", r.SuccessRate)},
		{"summary", "trend", string(r.Trend.Direction)},
	}
	for _, c := range errclass.Categories {
		if n := r.ByCategory[c]; n > 0 {
			rows = append(rows, []string{"category", string(c), strconv.Itoa(n)})
		}
	}
	for _, m := range r.TopMessages {
		rows = append(rows, []string{"message", m.Message, strconv.Itoa(m.Count)})
	}
	for _, s := range r.Suggestions {
		rows = append(rows, []string{"suggestion", "", s})
	}

	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write report csv: %w", err)
	}

	return nil
}
