// Package data loads the static YAML tables the engine starts from.
package data

import (
	"fmt"
	"os"
	"slices"

	"github.com/l1jgo/worldshard/internal/grid"
	"github.com/l1jgo/worldshard/internal/partition"
	"gopkg.in/yaml.v3"
)

// LayerEntry queues an overlay layer on one grid.
type LayerEntry struct {
	GridX   int    `yaml:"grid_x"`
	GridY   int    `yaml:"grid_y"`
	LayerID uint32 `yaml:"layer_id"`
}

// MapLayout is the partition setup of one map. Zero fields fall back to the
// [partition] defaults.
type MapLayout struct {
	MapID         uint32       `yaml:"map_id"`
	Partitions    uint32       `yaml:"partitions"`
	BorderOverlap float64      `yaml:"border_overlap"`
	ExcludedZones []uint32     `yaml:"excluded_zones"`
	Layers        []LayerEntry `yaml:"layers"`
}

type layoutFile struct {
	Maps []MapLayout `yaml:"maps"`
}

// LayoutTable provides lookup of map layouts by map id.
type LayoutTable struct {
	maps map[uint32]*MapLayout
}

// LoadLayout loads partition_layout.yaml.
func LoadLayout(path string) (*LayoutTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read partition layout: %w", err)
	}
	var f layoutFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse partition layout: %w", err)
	}
	t := &LayoutTable{
		maps: make(map[uint32]*MapLayout, len(f.Maps)),
	}
	for i := range f.Maps {
		m := &f.Maps[i]
		if _, dup := t.maps[m.MapID]; dup {
			return nil, fmt.Errorf("partition layout: map %d listed twice", m.MapID)
		}
		if m.BorderOverlap < 0 {
			return nil, fmt.Errorf("partition layout: map %d: negative border_overlap", m.MapID)
		}
		for _, l := range m.Layers {
			if !(grid.GridCoord{X: l.GridX, Y: l.GridY}).Valid() {
				return nil, fmt.Errorf("partition layout: map %d: grid %d,%d: %w", m.MapID, l.GridX, l.GridY, grid.ErrInvalidCoord)
			}
		}
		t.maps[m.MapID] = m
	}
	return t, nil
}

// ForMap returns the layout of mapID, or nil if none.
func (t *LayoutTable) ForMap(mapID uint32) *MapLayout {
	return t.maps[mapID]
}

// Count returns the total number of map layouts loaded.
func (t *LayoutTable) Count() int {
	return len(t.maps)
}

// MapIDs returns the configured maps in ascending order.
func (t *LayoutTable) MapIDs() []uint32 {
	ids := make([]uint32, 0, len(t.maps))
	for id := range t.maps {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Apply configures mgr for the map and queues its layers on idx.
func (m *MapLayout) Apply(mgr *partition.Manager, idx *grid.Index) error {
	mgr.ConfigureMap(m.MapID, partition.MapConfig{
		Partitions:    m.Partitions,
		BorderOverlap: m.BorderOverlap,
	})
	if len(m.ExcludedZones) > 0 {
		mgr.AddExcludedZones(m.ExcludedZones...)
	}
	if idx == nil {
		return nil
	}
	for _, l := range m.Layers {
		if err := idx.QueueLayer(grid.GridCoord{X: l.GridX, Y: l.GridY}, l.LayerID); err != nil {
			return fmt.Errorf("map %d layer %d: %w", m.MapID, l.LayerID, err)
		}
	}
	return nil
}
