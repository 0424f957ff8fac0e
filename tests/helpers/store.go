package helpers

import (
	"testing"

	"github.com/xiaot623/coderoom/internal/repository"
)

// NewTestSQLiteStore returns an in-memory store closed at the end of the test.
func NewTestSQLiteStore(t *testing.T) *repository.SQLiteStore {
	t.Helper()

	s, err := repository.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}
