package store

import (
	"fmt"

	"github.com/pavelanni/examlink/internal/model"
)

// ExportResults builds an export-ready gradebook for one assignment, or for
// everything when assignmentID is empty.
func (s *Store) ExportResults(assignmentID string) (model.GradebookExport, error) {
	entries, err := s.ListResults(assignmentID)
	if err != nil {
		return model.GradebookExport{}, fmt.Errorf("list results: %w", err)
	}
	return model.NewGradebookExport(assignmentID, entries), nil
}
