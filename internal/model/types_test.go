package model

import "testing"

func TestShardConfigurationSetLookup(t *testing.T) {
	set := ShardConfigurationSet{Entries: []ShardConfigurationEntry{
		{ID: 0, DataElement: DataElementUser, Operation: OperationQuery, HashRangeStart: MinHashRangeStart, ClientCfg: ClientConfig{BaseURL: "http://a"}},
		{ID: 1, DataElement: DataElementUser, Operation: OperationQuery, HashRangeStart: 0, ClientCfg: ClientConfig{BaseURL: "http://b"}},
	}}

	e, ok := set.Lookup(DataElementUser, OperationQuery, -5)
	if !ok || e.ClientCfg.BaseURL != "http://a" {
		t.Fatalf("expected shard a for key -5, got %+v ok=%v", e, ok)
	}

	e, ok = set.Lookup(DataElementUser, OperationQuery, 0)
	if !ok || e.ClientCfg.BaseURL != "http://b" {
		t.Fatalf("expected shard b for key 0, got %+v ok=%v", e, ok)
	}

	e, ok = set.Lookup(DataElementUser, OperationQuery, MaxHashRangeEnd)
	if !ok || e.ClientCfg.BaseURL != "http://b" {
		t.Fatalf("expected shard b for max key, got %+v ok=%v", e, ok)
	}

	if _, ok := set.Lookup(DataElementGroup, OperationQuery, 0); ok {
		t.Fatalf("expected no match for unconfigured element")
	}
}

func TestRecomputeNextShardGroupID(t *testing.T) {
	cfg := &InstanceConfiguration{
		UserShardGroups: []ShardGroupConfig{
			{ReaderNodeID: 0, WriterNodeID: 1},
			{ReaderNodeID: 4, WriterNodeID: 5},
		},
		GroupShardGroups: []ShardGroupConfig{
			{ReaderNodeID: 2, WriterNodeID: 3},
		},
	}
	cfg.RecomputeNextShardGroupID()
	if cfg.NextShardGroupID != 6 {
		t.Fatalf("expected next id 6, got %d", cfg.NextShardGroupID)
	}

	empty := &InstanceConfiguration{}
	empty.RecomputeNextShardGroupID()
	if empty.NextShardGroupID != 0 {
		t.Fatalf("expected next id 0 for empty instance, got %d", empty.NextShardGroupID)
	}
}

func TestSetShardGroupsForSortsByHashStart(t *testing.T) {
	cfg := &InstanceConfiguration{}
	cfg.SetShardGroupsFor(DataElementGroup, []ShardGroupConfig{
		{HashRangeStart: 715827884},
		{HashRangeStart: MinHashRangeStart},
		{HashRangeStart: -715827882},
	})
	groups := cfg.ShardGroupsFor(DataElementGroup)
	want := []int32{MinHashRangeStart, -715827882, 715827884}
	for i, w := range want {
		if groups[i].HashRangeStart != w {
			t.Fatalf("position %d: expected %d, got %d", i, w, groups[i].HashRangeStart)
		}
	}
}
