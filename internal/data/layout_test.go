package data

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/l1jgo/worldshard/internal/grid"
	"github.com/l1jgo/worldshard/internal/partition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeLayout(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "partition_layout.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadShippedLayout(t *testing.T) {
	table, err := LoadLayout(filepath.Join("..", "..", "data", "yaml", "partition_layout.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 3, table.Count())
	assert.Equal(t, []uint32{0, 1, 530}, table.MapIDs())

	m := table.ForMap(0)
	require.NotNil(t, m)
	assert.Equal(t, uint32(4), m.Partitions)
	assert.Equal(t, []uint32{1519, 1637}, m.ExcludedZones)
	require.Len(t, m.Layers, 2)
	assert.Equal(t, LayerEntry{GridX: 31, GridY: 31, LayerID: 7}, m.Layers[0])

	assert.Nil(t, table.ForMap(42))
}

func TestLoadLayoutRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"duplicate map", "maps:\n  - map_id: 1\n  - map_id: 1\n"},
		{"negative overlap", "maps:\n  - map_id: 1\n    border_overlap: -3\n"},
		{"grid off map", "maps:\n  - map_id: 1\n    layers: [{grid_x: 64, grid_y: 0, layer_id: 2}]\n"},
		{"not yaml", "maps: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadLayout(writeLayout(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := LoadLayout(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestApplyConfiguresManagerAndLayers(t *testing.T) {
	table, err := LoadLayout(writeLayout(t, `
maps:
  - map_id: 5
    partitions: 9
    border_overlap: 30
    excluded_zones: [77]
    layers:
      - { grid_x: 10, grid_y: 12, layer_id: 3 }
`))
	require.NoError(t, err)

	log := zaptest.NewLogger(t)
	mgr := partition.NewManager(partition.Options{Enabled: true, DefaultCount: 4, BorderOverlap: 60}, log)
	idx := grid.NewIndex(nil, log)
	require.NoError(t, table.ForMap(5).Apply(mgr, idx))

	assert.Equal(t, uint32(9), mgr.PartitionCount(5))
	assert.Equal(t, uint32(4), mgr.PartitionCount(6), "other maps keep the default")
	assert.True(t, mgr.IsExcludedZone(77))

	g := grid.GridCoord{X: 10, Y: 12}
	_, err = idx.EnsureLoaded(g.Origin())
	require.NoError(t, err)
	assert.Contains(t, idx.LoadedLayers(g), uint32(3))
}
