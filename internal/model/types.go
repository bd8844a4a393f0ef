// Package model holds the shard-graph data model shared by every
// control-plane component. Types here are plain values; the behavior in
// this package is limited to the key hash and small lookup/ordering
// helpers over those values.
package model

import (
	"hash/fnv"
	"math"
	"sort"
)

// DataElement fixes which kind of element a shard holds.
type DataElement string

const (
	DataElementUser                DataElement = "user"
	DataElementGroupToGroupMapping DataElement = "groupToGroupMapping"
	DataElementGroup               DataElement = "group"
)

// Operation distinguishes a read (reader node) from a write (writer node)
// endpoint.
type Operation string

const (
	OperationQuery Operation = "query"
	OperationEvent Operation = "event"
)

// MinHashRangeStart and MaxHashRangeEnd are the bounds of the signed
// 32-bit hash space that HashRange partitions.
const (
	MinHashRangeStart int32 = math.MinInt32
	MaxHashRangeEnd   int32 = math.MaxInt32
)

// HashRange is a half-open range [Start, next range's Start) identified by
// its inclusive lower bound.
type HashRange struct {
	Start int32
}

// HashKey is the single deterministic key-to-hash function every component
// that partitions by key uses: CoordinatorRouter's (element, operation,
// keyHash) lookup and SplitCoordinator's event-copy range filter must
// agree on the same hash or a key would route differently depending on
// which component computed it. FNV-1a gives a
// uniform, allocation-free 32-bit spread; the sign bit is kept so the
// result lands directly in the same int32 space HashRangeStart uses.
func HashKey(key string) int32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int32(h.Sum32())
}

// Credentials is an opaque blob handed back by the storage provisioner (C2)
// and passed verbatim to the node config renderer (C3) and the shard
// configuration registry (C5).
type Credentials struct {
	Name string
	Blob map[string]string
}

// ClientConfig is what a ShardConfigurationEntry resolves a lookup to: the
// base URL of the service handling that (element, operation, range).
type ClientConfig struct {
	BaseURL string
}

// ShardGroupConfig is the authoritative description of one shard group.
// ReaderNodeID/WriterNodeID are process-wide monotonically increasing
// integers assigned by the instance manager (C6).
type ShardGroupConfig struct {
	DataElement        DataElement
	HashRangeStart     int32
	StorageCredentials Credentials
	ReaderClientCfg    ClientConfig
	WriterClientCfg    ClientConfig
	ReaderNodeID       int64
	WriterNodeID       int64
}

// ShardConfigurationEntry is one routable entry in the durable
// ShardConfigurationSet: exactly two exist per ShardGroupConfig, one per
// Operation.
type ShardConfigurationEntry struct {
	ID             int64
	DataElement    DataElement
	Operation      Operation
	HashRangeStart int32
	ClientCfg      ClientConfig
}

// ShardConfigurationSet is the full durable routing table: unique by
// (DataElement, Operation, HashRangeStart) and unique by ID.
type ShardConfigurationSet struct {
	Entries []ShardConfigurationEntry
}

// Lookup returns the entry for (element, operation, keyHash): the entry
// whose HashRangeStart is the largest not exceeding keyHash.
func (s ShardConfigurationSet) Lookup(element DataElement, op Operation, keyHash int32) (ShardConfigurationEntry, bool) {
	var candidates []ShardConfigurationEntry
	for _, e := range s.Entries {
		if e.DataElement == element && e.Operation == op {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return ShardConfigurationEntry{}, false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].HashRangeStart < candidates[j].HashRangeStart })

	best, found := ShardConfigurationEntry{}, false
	for _, c := range candidates {
		if c.HashRangeStart <= keyHash {
			best, found = c, true
			continue
		}
		break
	}
	return best, found
}

// EntriesFor returns every entry for (element, operation), sorted by
// HashRangeStart; used by fan-out queries that must visit every shard.
func (s ShardConfigurationSet) EntriesFor(element DataElement, op Operation) []ShardConfigurationEntry {
	var out []ShardConfigurationEntry
	for _, e := range s.Entries {
		if e.DataElement == element && e.Operation == op {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HashRangeStart < out[j].HashRangeStart })
	return out
}

// MaxID returns the largest ID present in the set, or -1 if it is empty.
func (s ShardConfigurationSet) MaxID() int64 {
	max := int64(-1)
	for _, e := range s.Entries {
		if e.ID > max {
			max = e.ID
		}
	}
	return max
}

// InstanceConfiguration is the top-level state InstanceManager (C6) owns.
type InstanceConfiguration struct {
	RouterExternalURL        *string
	WriterExternalURL        *string
	CoordinatorExternalURL   *string
	ConfigStorageCredentials *Credentials

	UserShardGroups                []ShardGroupConfig
	GroupToGroupMappingShardGroups []ShardGroupConfig
	GroupShardGroups                []ShardGroupConfig

	NextShardGroupID int64
}

// ShardGroupsFor returns the ordered list of shard groups for element.
func (c *InstanceConfiguration) ShardGroupsFor(element DataElement) []ShardGroupConfig {
	switch element {
	case DataElementUser:
		return c.UserShardGroups
	case DataElementGroupToGroupMapping:
		return c.GroupToGroupMappingShardGroups
	case DataElementGroup:
		return c.GroupShardGroups
	default:
		return nil
	}
}

// SetShardGroupsFor replaces the ordered list of shard groups for element.
func (c *InstanceConfiguration) SetShardGroupsFor(element DataElement, groups []ShardGroupConfig) {
	sort.Slice(groups, func(i, j int) bool { return groups[i].HashRangeStart < groups[j].HashRangeStart })
	switch element {
	case DataElementUser:
		c.UserShardGroups = groups
	case DataElementGroupToGroupMapping:
		c.GroupToGroupMappingShardGroups = groups
	case DataElementGroup:
		c.GroupShardGroups = groups
	}
}

// AllShardGroups returns every shard group across all three element kinds.
func (c *InstanceConfiguration) AllShardGroups() []ShardGroupConfig {
	out := make([]ShardGroupConfig, 0, len(c.UserShardGroups)+len(c.GroupToGroupMappingShardGroups)+len(c.GroupShardGroups))
	out = append(out, c.UserShardGroups...)
	out = append(out, c.GroupToGroupMappingShardGroups...)
	out = append(out, c.GroupShardGroups...)
	return out
}

// RecomputeNextShardGroupID sets NextShardGroupID to one past the largest
// ReaderNodeID/WriterNodeID currently in use: the only recovery step
// needed when an InstanceManager is constructed from existing state.
func (c *InstanceConfiguration) RecomputeNextShardGroupID() {
	var max int64 = -1
	for _, g := range c.AllShardGroups() {
		if g.ReaderNodeID > max {
			max = g.ReaderNodeID
		}
		if g.WriterNodeID > max {
			max = g.WriterNodeID
		}
	}
	c.NextShardGroupID = max + 1
}
