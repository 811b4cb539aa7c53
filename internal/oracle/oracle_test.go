package oracle

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rvdebug/internal/trace"
)

const commitLog = `bbl loader
core   0: 0x0000000080000000 (0x00000297) auipc   t0, 0x0
core   0: 3 0x0000000080000000 (0x00000297) x5  0x0000000080000000
core   0: 3 0x0000000080000004 (0x02a00313) x6  0x000000000000002a
core   0: 3 0x0000000080000008 (0x0062b023) mem 0x0000000080001000 0x000000000000002a
core   0: 3 0x000000008000000c (0x0002b383) x7  0x000000000000002a mem 0x0000000080001000
core   0: 3 0x0000000080000010 (0x30529073) c773_mtvec 0x0000000080000100
core   1: 1 0x0000000080000004 (0x02a00313) x6  0x0000000000000001
core   0: 3 0x0000000080000004 (0x02a00313) x6  0x0000000000000002
core   0: exception trap_illegal_instruction, epc 0x0000000080000014
`

func parse(t *testing.T) *Index {
	t.Helper()
	ix, err := Parse(strings.NewReader(commitLog))
	require.NoError(t, err)
	return ix
}

func TestParse_IgnoresNonCommitLines(t *testing.T) {
	assert.Equal(t, 7, parse(t).Len())
}

func TestGetRegisterInfoAtPC_OccurrencesInLogOrder(t *testing.T) {
	hits := parse(t).GetRegisterInfoAtPC(0x80000004, 0)
	require.Len(t, hits, 2)

	v, ok := hits[0].Lookup("x6")
	require.True(t, ok)
	assert.Equal(t, trace.Value(0x2a), v)

	v, _ = hits[1].Lookup("x6")
	assert.Equal(t, trace.Value(2), v)
	assert.Equal(t, trace.Value(3), hits[1].Priv)
	assert.Equal(t, trace.Value(0x02a00313), hits[1].Opcode)
}

func TestGetRegisterInfoAtPC_KeyedByHart(t *testing.T) {
	hits := parse(t).GetRegisterInfoAtPC(0x80000004, 1)
	require.Len(t, hits, 1)
	assert.Equal(t, trace.Value(1), hits[0].Priv)

	assert.Nil(t, parse(t).GetRegisterInfoAtPC(0x80000004, 2))
}

func TestParse_SkipsMemoryOperands(t *testing.T) {
	ix := parse(t)

	store := ix.GetRegisterInfoAtPC(0x80000008, 0)
	require.Len(t, store, 1)
	assert.Empty(t, store[0].Regs)

	load := ix.GetRegisterInfoAtPC(0x8000000c, 0)
	require.Len(t, load, 1)
	assert.Equal(t, []RegValue{{Name: "x7", Value: 0x2a}}, load[0].Regs)
}

func TestParse_StripsCSRNumberPrefix(t *testing.T) {
	hits := parse(t).GetRegisterInfoAtPC(0x80000010, 0)
	require.Len(t, hits, 1)

	v, ok := hits[0].Lookup("mtvec")
	require.True(t, ok)
	assert.Equal(t, trace.Value(0x80000100), v)
}

func TestParse_RegisterWithoutValue(t *testing.T) {
	_, err := Parse(strings.NewReader("core   0: 3 0x0000000080000000 (0x00000297) x5\n"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spike.log")
	require.NoError(t, os.WriteFile(path, []byte(commitLog), 0o644))

	ix, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, ix.Len())

	_, err = Load(filepath.Join(t.TempDir(), "missing.log"))
	assert.Error(t, err)
}
