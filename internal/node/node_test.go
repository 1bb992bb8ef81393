package node_test

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/courier/internal/node"
)

func TestNew_GeneratesAndPersistsID(t *testing.T) {
	dir := t.TempDir()

	n1, err := node.New(dir, "auto")
	require.NoError(t, err)
	require.False(t, n1.ID().IsZero())
	assert.Len(t, n1.ID().String(), 26)

	data, err := os.ReadFile(filepath.Join(dir, "node_id"))
	require.NoError(t, err)
	assert.Equal(t, n1.ID().String(), strings.TrimSpace(string(data)))

	n2, err := node.New(dir, "")
	require.NoError(t, err)
	assert.Equal(t, n1.ID(), n2.ID(), "id must survive a restart")
}

func TestNew_Override(t *testing.T) {
	dir := t.TempDir()
	override := node.MustNewID()

	n, err := node.New(dir, override)
	require.NoError(t, err)
	assert.Equal(t, override, n.ID().String())

	_, err = os.Stat(filepath.Join(dir, "node_id"))
	assert.True(t, os.IsNotExist(err), "override must not be written to disk")
}

func TestNew_InvalidInputs(t *testing.T) {
	_, err := node.New("", "auto")
	assert.Error(t, err)

	_, err = node.New(t.TempDir(), "not-a-ulid")
	assert.Error(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node_id"), []byte("garbage\n"), 0o640))
	_, err = node.New(dir, "auto")
	assert.Error(t, err)
}

func TestNewID_Monotonic(t *testing.T) {
	ids := make([]string, 500)
	for i := range ids {
		ids[i] = node.MustNewID()
	}
	assert.True(t, sort.StringsAreSorted(ids), "ids generated in sequence must sort in sequence")

	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestNode_Path(t *testing.T) {
	dir := t.TempDir()
	n, err := node.New(dir, "auto")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "queue.db"), n.Path("queue.db"))
	assert.Equal(t, dir, n.DataDir())
}
