package model

import "time"

// GradebookExport is the top-level JSON structure for gradebook export.
type GradebookExport struct {
	AssignmentID string           `json:"assignment_id,omitempty"`
	ExportedAt   time.Time        `json:"exported_at"`
	NumResults   int              `json:"num_results"`
	Results      []GradebookEntry `json:"results"`
}

// NewGradebookExport wraps entries for export.
func NewGradebookExport(assignmentID string, entries []GradebookEntry) GradebookExport {
	if entries == nil {
		entries = []GradebookEntry{}
	}
	return GradebookExport{
		AssignmentID: assignmentID,
		ExportedAt:   time.Now().UTC(),
		NumResults:   len(entries),
		Results:      entries,
	}
}
