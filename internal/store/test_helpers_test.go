package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/rvdebug/internal/trace"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// beginTestSession opens a session that is rolled back at cleanup unless
// the test commits it.
func beginTestSession(t *testing.T, s *Store) *Session {
	t.Helper()
	ss, err := s.Begin(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { ss.Rollback() })
	return ss
}

// createTestRetirement creates an instruction at pc with the given changes.
func createTestRetirement(uid uint64, pc trace.Value, changes ...trace.RegisterChange) trace.Retirement {
	return trace.Retirement{
		Instruction: trace.Instruction{UID: uid, PC: pc, Opcode: 0x13, Dasm: "nop"},
		Changes:     changes,
	}
}
