package instance

import (
	"context"
	"testing"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/accessmesh/controlplane/internal/cperrors"
	"github.com/accessmesh/controlplane/internal/config"
	"github.com/accessmesh/controlplane/internal/model"
	"github.com/accessmesh/controlplane/internal/nodeconfig"
	"github.com/accessmesh/controlplane/internal/registry"
	"github.com/accessmesh/controlplane/internal/shardgroup"
	"github.com/accessmesh/controlplane/internal/split"
	"github.com/accessmesh/controlplane/internal/storageprovisioner"
)

// fakeOrch satisfies both shardgroup.Orchestrator and instance.Orchestrator.
type fakeOrch struct {
	lbCounter int
}

func (f *fakeOrch) CreateDeployment(context.Context, *appsv1.Deployment) error         { return nil }
func (f *fakeOrch) DeleteDeployment(context.Context, string) error                     { return nil }
func (f *fakeOrch) PatchDeploymentReplicas(context.Context, string, int32) error       { return nil }
func (f *fakeOrch) CreateService(context.Context, *corev1.Service) error               { return nil }
func (f *fakeOrch) PatchServiceSelector(context.Context, string, map[string]string) error { return nil }
func (f *fakeOrch) DeleteService(context.Context, string) error                        { return nil }
func (f *fakeOrch) WaitForDeploymentAvailable(context.Context, string, time.Duration, time.Duration) error {
	return nil
}
func (f *fakeOrch) WaitForDeploymentScaledDown(context.Context, string, map[string]string, time.Duration, time.Duration) error {
	return nil
}
func (f *fakeOrch) WaitForLoadBalancerAddress(_ context.Context, name string, _, _ time.Duration) (string, error) {
	f.lbCounter++
	return name + "-addr", nil
}
func (f *fakeOrch) IsDeploymentAvailable(context.Context, string) (bool, error) { return true, nil }

func newTestManager(t *testing.T) (*Manager, *fakeOrch) {
	t.Helper()
	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		t.Fatalf("AddToScheme: %v", err)
	}
	cl := fake.NewClientBuilder().WithScheme(scheme).Build()

	orch := &fakeOrch{}
	renderer := nodeconfig.New(5000, "Information")
	provider := storageprovisioner.New("am", &storageprovisioner.InMemoryBackend{})
	lifecycle := shardgroup.New(orch, renderer, provider, config.Default())
	reg := registry.New(cl, "ns")

	m := New("instance-1", orch, lifecycle, provider, reg, renderer, nil, config.Default())
	return m, orch
}

func TestCreateDistributedInstanceRequiresLoadBalancersFirst(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.CreateDistributedInstance(context.Background(), CreateDistributedInstanceInput{
		UserHashStarts:                  []int32{model.MinHashRangeStart},
		GroupToGroupMappingHashStarts:   []int32{model.MinHashRangeStart},
		GroupHashStarts:                 []int32{model.MinHashRangeStart},
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if kind, ok := cperrors.KindOf(err); !ok || kind != cperrors.InvalidState {
		t.Fatalf("expected InvalidState, got %v (ok=%v)", kind, ok)
	}
}

func TestCreateDistributedInstanceRejectsDuplicateHashStarts(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	if _, err := m.CreateLoadBalancer(ctx, LBRouter, 5000); err != nil {
		t.Fatalf("CreateLoadBalancer(router): %v", err)
	}
	if _, err := m.CreateLoadBalancer(ctx, LBWriter, 5000); err != nil {
		t.Fatalf("CreateLoadBalancer(writer): %v", err)
	}

	err := m.CreateDistributedInstance(ctx, CreateDistributedInstanceInput{
		UserHashStarts:                []int32{model.MinHashRangeStart, model.MinHashRangeStart},
		GroupToGroupMappingHashStarts: []int32{model.MinHashRangeStart},
		GroupHashStarts:               []int32{model.MinHashRangeStart},
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if kind, ok := cperrors.KindOf(err); !ok || kind != cperrors.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v (ok=%v)", kind, ok)
	}
}

func TestCreateDistributedInstanceMinimalSucceeds(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	if _, err := m.CreateLoadBalancer(ctx, LBRouter, 5000); err != nil {
		t.Fatalf("CreateLoadBalancer(router): %v", err)
	}
	if _, err := m.CreateLoadBalancer(ctx, LBWriter, 5000); err != nil {
		t.Fatalf("CreateLoadBalancer(writer): %v", err)
	}

	err := m.CreateDistributedInstance(ctx, CreateDistributedInstanceInput{
		UserHashStarts:                []int32{model.MinHashRangeStart},
		GroupToGroupMappingHashStarts: []int32{model.MinHashRangeStart},
		GroupHashStarts:               []int32{model.MinHashRangeStart},
	})
	if err != nil {
		t.Fatalf("CreateDistributedInstance: %v", err)
	}

	cfg := m.Config()
	if len(cfg.UserShardGroups) != 1 || len(cfg.GroupShardGroups) != 1 || len(cfg.GroupToGroupMappingShardGroups) != 1 {
		t.Fatalf("unexpected shard groups: %+v", cfg)
	}
	if cfg.UserShardGroups[0].ReaderNodeID != 0 || cfg.UserShardGroups[0].WriterNodeID != 1 {
		t.Fatalf("expected first group to claim node ids 0/1, got %+v", cfg.UserShardGroups[0])
	}
	if cfg.NextShardGroupID != 6 {
		t.Fatalf("expected next shard group id 6 after 3 groups, got %d", cfg.NextShardGroupID)
	}
	if cfg.CoordinatorExternalURL == nil {
		t.Fatal("expected coordinator external URL to be recorded")
	}
}

type fakeRouterAdmin struct{}

func (fakeRouterAdmin) SetRoutingOn(context.Context, bool) error { return nil }
func (fakeRouterAdmin) PauseOperations(context.Context) error    { return nil }
func (fakeRouterAdmin) ResumeOperations(context.Context) error   { return nil }

type fakeWriterAdmin struct{}

func (fakeWriterAdmin) InFlightEventCount(context.Context) (int, error) { return 0, nil }

type fakeEventCopier struct{}

func (fakeEventCopier) CopyBatch(context.Context, model.Credentials, model.Credentials, int, func(string) bool) (int, bool, error) {
	return 0, false, nil
}

func TestSplitShardGroupDelegatesToCoordinator(t *testing.T) {
	ctx := context.Background()
	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		t.Fatalf("AddToScheme: %v", err)
	}
	cl := fake.NewClientBuilder().WithScheme(scheme).Build()

	orch := &fakeOrch{}
	renderer := nodeconfig.New(5000, "Information")
	provider := storageprovisioner.New("am", &storageprovisioner.InMemoryBackend{})
	lifecycle := shardgroup.New(orch, renderer, provider, config.Default())
	reg := registry.New(cl, "ns")

	m := New("instance-1", orch, lifecycle, provider, reg, renderer, fakeEventCopier{}, config.Default())
	if _, err := m.CreateLoadBalancer(ctx, LBRouter, 5000); err != nil {
		t.Fatalf("CreateLoadBalancer(router): %v", err)
	}
	if _, err := m.CreateLoadBalancer(ctx, LBWriter, 5000); err != nil {
		t.Fatalf("CreateLoadBalancer(writer): %v", err)
	}
	if err := m.CreateDistributedInstance(ctx, CreateDistributedInstanceInput{
		UserHashStarts:                []int32{model.MinHashRangeStart},
		GroupToGroupMappingHashStarts: []int32{model.MinHashRangeStart},
		GroupHashStarts:               []int32{model.MinHashRangeStart},
	}); err != nil {
		t.Fatalf("CreateDistributedInstance: %v", err)
	}

	err := m.SplitShardGroup(ctx, func(string, string) split.AdminClients {
		return split.AdminClients{Router: fakeRouterAdmin{}, Writer: fakeWriterAdmin{}}
	}, split.Input{
		Element:    model.DataElementUser,
		HashStart:  model.MinHashRangeStart,
		SplitStart: 100,
		SplitEnd:   model.MaxHashRangeEnd,
	})
	if err != nil {
		t.Fatalf("SplitShardGroup: %v", err)
	}
	if len(m.Config().UserShardGroups) != 2 {
		t.Fatalf("expected the split to land on the Manager's own configuration, got %+v", m.Config().UserShardGroups)
	}
}

type flakyOrch struct {
	fakeOrch
	unavailable map[string]bool
}

func (f *flakyOrch) IsDeploymentAvailable(_ context.Context, name string) (bool, error) {
	return !f.unavailable[name], nil
}

func TestDescribeReportsLiveDeploymentAvailability(t *testing.T) {
	ctx := context.Background()
	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		t.Fatalf("AddToScheme: %v", err)
	}
	cl := fake.NewClientBuilder().WithScheme(scheme).Build()

	readerID := nodeID(model.DataElementUser, nodeconfig.KindReader, model.MinHashRangeStart)
	orch := &flakyOrch{unavailable: map[string]bool{readerID: true}}
	renderer := nodeconfig.New(5000, "Information")
	provider := storageprovisioner.New("am", &storageprovisioner.InMemoryBackend{})
	lifecycle := shardgroup.New(orch, renderer, provider, config.Default())
	reg := registry.New(cl, "ns")

	m := New("instance-1", orch, lifecycle, provider, reg, renderer, nil, config.Default())
	if _, err := m.CreateLoadBalancer(ctx, LBRouter, 5000); err != nil {
		t.Fatalf("CreateLoadBalancer(router): %v", err)
	}
	if _, err := m.CreateLoadBalancer(ctx, LBWriter, 5000); err != nil {
		t.Fatalf("CreateLoadBalancer(writer): %v", err)
	}
	if err := m.CreateDistributedInstance(ctx, CreateDistributedInstanceInput{
		UserHashStarts:                []int32{model.MinHashRangeStart},
		GroupToGroupMappingHashStarts: []int32{model.MinHashRangeStart},
		GroupHashStarts:               []int32{model.MinHashRangeStart},
	}); err != nil {
		t.Fatalf("CreateDistributedInstance: %v", err)
	}

	status, err := m.Describe(ctx)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if len(status.UserGroups) != 1 {
		t.Fatalf("expected one user group, got %d", len(status.UserGroups))
	}
	if status.UserGroups[0].ReaderAvailable {
		t.Fatal("expected the reader to report unavailable")
	}
	if !status.UserGroups[0].WriterAvailable || !status.UserGroups[0].EventCacheAvailable {
		t.Fatalf("expected writer and event-cache to report available: %+v", status.UserGroups[0])
	}
	if len(status.GroupGroups) != 1 || len(status.GroupToGroupMappingGroups) != 1 {
		t.Fatalf("expected one group and one groupToGroupMapping group, got %+v", status)
	}
}

func TestCreateLoadBalancerRejectsSecondCallForSameKind(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	if _, err := m.CreateLoadBalancer(ctx, LBRouter, 5000); err != nil {
		t.Fatalf("CreateLoadBalancer: %v", err)
	}
	_, err := m.CreateLoadBalancer(ctx, LBRouter, 5000)
	if err == nil {
		t.Fatal("expected an error on second call")
	}
	if kind, ok := cperrors.KindOf(err); !ok || kind != cperrors.InvalidState {
		t.Fatalf("expected InvalidState, got %v (ok=%v)", kind, ok)
	}
}
