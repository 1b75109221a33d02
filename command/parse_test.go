package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePing(t *testing.T) {
	cmd, err := Parse("ping")
	require.NoError(t, err)
	assert.Equal(t, KindPing, cmd.Kind)
}

func TestParseSelect(t *testing.T) {
	cmd, err := Parse(`select "hello";`)
	require.NoError(t, err)
	assert.Equal(t, KindSelect, cmd.Kind)
	assert.Equal(t, "hello", cmd.Query)
	assert.False(t, cmd.IteratorRequested)
}

func TestParseSelectIntoIterator(t *testing.T) {
	cmd, err := Parse(`select "x" into iterator`)
	require.NoError(t, err)
	assert.True(t, cmd.IteratorRequested)
}

func TestParseIndexWithTypes(t *testing.T) {
	cmd, err := Parse(`index "a.bin" with [gram3];`)
	require.NoError(t, err)
	assert.Equal(t, KindIndex, cmd.Kind)
	assert.Equal(t, []string{"a.bin"}, cmd.Paths)
	assert.Equal(t, []string{"gram3"}, cmd.IndexTypes)
	assert.True(t, cmd.EnsureUnique)
}

func TestParseIteratorPop(t *testing.T) {
	cmd, err := Parse("iterator I pop 2")
	require.NoError(t, err)
	assert.Equal(t, KindIteratorPop, cmd.Kind)
	assert.Equal(t, "I", cmd.IteratorID)
	assert.Equal(t, 2, cmd.Count)
}

func TestParseTaint(t *testing.T) {
	cmd, err := Parse("taint ds1 +evil")
	require.NoError(t, err)
	assert.Equal(t, KindTaint, cmd.Kind)
	assert.Equal(t, "ds1", cmd.DatasetID)
	assert.Equal(t, "evil", cmd.TaintName)
	assert.Equal(t, TaintAdd, cmd.TaintMode)
}

func TestParseConfigSet(t *testing.T) {
	cmd, err := Parse("config set max_mem 99999999999999")
	require.NoError(t, err)
	assert.Equal(t, KindConfigSet, cmd.Kind)
	assert.Equal(t, "max_mem", cmd.Key)
	assert.Equal(t, "99999999999999", cmd.Value)
}

func TestParseUnknownVerb(t *testing.T) {
	_, err := Parse("frobnicate")
	assert.ErrorIs(t, err, ErrSyntax)
}

func TestParseEmpty(t *testing.T) {
	_, err := Parse("   ")
	assert.ErrorIs(t, err, ErrSyntax)
}

func TestParseReindexMissingDataset(t *testing.T) {
	_, err := Parse("reindex")
	assert.ErrorIs(t, err, ErrSemantics)
}

func TestParseCompactBadMode(t *testing.T) {
	_, err := Parse("compact sideways")
	assert.ErrorIs(t, err, ErrSemantics)
}
