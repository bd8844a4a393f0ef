package registry

import (
	"context"
	"testing"

	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/accessmesh/controlplane/internal/cperrors"
	"github.com/accessmesh/controlplane/internal/model"
)

func newFakeRegistry(t *testing.T) *Registry {
	t.Helper()
	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		t.Fatalf("AddToScheme: %v", err)
	}
	cl := fake.NewClientBuilder().WithScheme(scheme).Build()
	return New(cl, "ns")
}

var creds = model.Credentials{Name: "instance-1-config"}

func TestReadOfMissingConfigMapReturnsEmptySet(t *testing.T) {
	r := newFakeRegistry(t)
	set, err := r.Read(context.Background(), creds)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(set.Entries) != 0 {
		t.Fatalf("expected empty set, got %+v", set)
	}
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	ctx := context.Background()
	r := newFakeRegistry(t)

	set := model.ShardConfigurationSet{Entries: []model.ShardConfigurationEntry{
		{ID: 0, DataElement: model.DataElementUser, Operation: model.OperationQuery, HashRangeStart: model.MinHashRangeStart, ClientCfg: model.ClientConfig{BaseURL: "http://a"}},
		{ID: 1, DataElement: model.DataElementUser, Operation: model.OperationEvent, HashRangeStart: model.MinHashRangeStart, ClientCfg: model.ClientConfig{BaseURL: "http://a"}},
	}}
	if err := r.Write(ctx, creds, set, true); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := r.Read(ctx, creds)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %+v", got)
	}
}

func TestWriteWithoutOverwriteRejectsExistingSet(t *testing.T) {
	ctx := context.Background()
	r := newFakeRegistry(t)

	set := model.ShardConfigurationSet{Entries: []model.ShardConfigurationEntry{
		{ID: 0, DataElement: model.DataElementUser, Operation: model.OperationQuery, HashRangeStart: model.MinHashRangeStart},
	}}
	if err := r.Write(ctx, creds, set, true); err != nil {
		t.Fatalf("Write: %v", err)
	}

	err := r.Write(ctx, creds, set, false)
	if err == nil {
		t.Fatal("expected an error")
	}
	if kind, ok := cperrors.KindOf(err); !ok || kind != cperrors.InvalidState {
		t.Fatalf("expected InvalidState, got %v (ok=%v)", kind, ok)
	}
}

func TestNextEntryIDIsOnePastMax(t *testing.T) {
	set := model.ShardConfigurationSet{Entries: []model.ShardConfigurationEntry{{ID: 4}, {ID: 9}}}
	if got := NextEntryID(set); got != 10 {
		t.Fatalf("expected 10, got %d", got)
	}
	if got := NextEntryID(model.ShardConfigurationSet{}); got != 0 {
		t.Fatalf("expected 0 for empty set, got %d", got)
	}
}

func TestBuildSetProducesTwoEntriesPerGroup(t *testing.T) {
	cfg := &model.InstanceConfiguration{
		UserShardGroups: []model.ShardGroupConfig{
			{HashRangeStart: model.MinHashRangeStart, ReaderClientCfg: model.ClientConfig{BaseURL: "http://r0"}, WriterClientCfg: model.ClientConfig{BaseURL: "http://w0"}},
		},
		GroupToGroupMappingShardGroups: []model.ShardGroupConfig{
			{HashRangeStart: model.MinHashRangeStart, ReaderClientCfg: model.ClientConfig{BaseURL: "http://r1"}, WriterClientCfg: model.ClientConfig{BaseURL: "http://w1"}},
		},
	}
	set := BuildSet(cfg)
	if len(set.Entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(set.Entries))
	}
	ids := map[int64]bool{}
	for _, e := range set.Entries {
		if ids[e.ID] {
			t.Fatalf("duplicate id %d", e.ID)
		}
		ids[e.ID] = true
	}
}
