// Package instance implements C6 InstanceManager: the top-level façade
// that creates a distributed instance, owns its InstanceConfiguration, and
// delegates resharding to C7. Assembles child resources and persists the
// resulting status the way a top-level reconciler would, generalized here
// from CR status fields to an explicitly owned, returned value.
package instance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/accessmesh/controlplane/internal/cperrors"
	"github.com/accessmesh/controlplane/internal/config"
	"github.com/accessmesh/controlplane/internal/metrics"
	"github.com/accessmesh/controlplane/internal/model"
	"github.com/accessmesh/controlplane/internal/nodeconfig"
	"github.com/accessmesh/controlplane/internal/registry"
	"github.com/accessmesh/controlplane/internal/shardgroup"
	"github.com/accessmesh/controlplane/internal/split"
	"github.com/accessmesh/controlplane/internal/storageprovisioner"
)

// LBKind distinguishes the two external load balancers an instance exposes.
type LBKind string

const (
	LBRouter LBKind = "router"
	LBWriter LBKind = "writer"
)

// Orchestrator is the slice of C1 InstanceManager needs directly, beyond
// what it reaches through shardgroup.Lifecycle. It is a superset of
// split.Orchestrator so the same client can back both the instance's own
// load-balancer/coordinator provisioning and the split.Coordinator it
// hands resharding off to.
type Orchestrator interface {
	CreateService(ctx context.Context, spec *corev1.Service) error
	WaitForLoadBalancerAddress(ctx context.Context, name string, interval, timeout time.Duration) (string, error)
	CreateDeployment(ctx context.Context, spec *appsv1.Deployment) error
	WaitForDeploymentAvailable(ctx context.Context, name string, interval, timeout time.Duration) error
	DeleteDeployment(ctx context.Context, name string) error
	PatchDeploymentReplicas(ctx context.Context, name string, n int32) error
	PatchServiceSelector(ctx context.Context, name string, selector map[string]string) error
	DeleteService(ctx context.Context, name string) error
	WaitForDeploymentScaledDown(ctx context.Context, name string, selector map[string]string, interval, timeout time.Duration) error
	IsDeploymentAvailable(ctx context.Context, name string) (bool, error)
}

// Manager is C6. It owns a single InstanceConfiguration for the lifetime
// of the process; callers that need to resume an existing instance should
// construct with Resume, which calls cfg.RecomputeNextShardGroupID.
type Manager struct {
	Name string

	orch      Orchestrator
	lifecycle *shardgroup.Lifecycle
	provider  *storageprovisioner.Provisioner
	registry  *registry.Registry
	renderer  *nodeconfig.Renderer
	tunables  config.Tunables
	splitter  *split.Coordinator

	cfg *model.InstanceConfiguration
}

// New builds a Manager for a fresh instance named name. copier backs the
// event-copy phase of any split the Manager is later asked to perform;
// it goes unused until SplitShardGroup is called.
func New(name string, orch Orchestrator, lifecycle *shardgroup.Lifecycle, provider *storageprovisioner.Provisioner, reg *registry.Registry, renderer *nodeconfig.Renderer, copier split.EventCopier, tunables config.Tunables) *Manager {
	cfg := &model.InstanceConfiguration{}
	return &Manager{
		Name:      name,
		orch:      orch,
		lifecycle: lifecycle,
		provider:  provider,
		registry:  reg,
		renderer:  renderer,
		tunables:  tunables,
		splitter:  split.New(name, orch, lifecycle, provider, reg, renderer, copier, tunables, cfg),
		cfg:       cfg,
	}
}

// Resume rebuilds a Manager around an existing configuration recovered
// from storage, recomputing nextShardGroupId so ids are never reused.
func Resume(name string, orch Orchestrator, lifecycle *shardgroup.Lifecycle, provider *storageprovisioner.Provisioner, reg *registry.Registry, renderer *nodeconfig.Renderer, copier split.EventCopier, tunables config.Tunables, cfg *model.InstanceConfiguration) *Manager {
	cfg.RecomputeNextShardGroupID()
	return &Manager{
		Name:      name,
		orch:      orch,
		lifecycle: lifecycle,
		provider:  provider,
		registry:  reg,
		renderer:  renderer,
		tunables:  tunables,
		splitter:  split.New(name, orch, lifecycle, provider, reg, renderer, copier, tunables, cfg),
		cfg:       cfg,
	}
}

// Config returns the instance configuration this Manager owns. Callers
// must not mutate the returned value outside of Manager's own operations.
func (m *Manager) Config() *model.InstanceConfiguration { return m.cfg }

// SplitShardGroup delegates a shard-group split to the split coordinator.
// It operates on the same InstanceConfiguration this Manager owns, so a
// successful split is immediately reflected in Config().
func (m *Manager) SplitShardGroup(ctx context.Context, adminFactory split.AdminClientFactory, in split.Input) (err error) {
	defer metrics.ObserveOperation("SplitShardGroup", time.Now(), &err)
	err = m.splitter.Split(ctx, adminFactory, in)
	return err
}

// ShardGroupStatus is one shard group's live availability, queried through
// C1 at Describe time rather than cached.
type ShardGroupStatus struct {
	model.ShardGroupConfig
	ReaderAvailable     bool
	WriterAvailable     bool
	EventCacheAvailable bool
}

// InstanceStatus is a read-only snapshot of an instance: its durable
// configuration plus the current liveness of every shard group's pods.
type InstanceStatus struct {
	Config                    model.InstanceConfiguration
	UserGroups                []ShardGroupStatus
	GroupToGroupMappingGroups []ShardGroupStatus
	GroupGroups               []ShardGroupStatus
}

// Describe reports InstanceStatus. It never mutates InstanceConfiguration;
// the per-group deployment checks are read-only orchestrator calls run in
// parallel, one join per data element.
func (m *Manager) Describe(ctx context.Context) (InstanceStatus, error) {
	var status InstanceStatus
	status.Config = *m.cfg

	for _, element := range []model.DataElement{model.DataElementUser, model.DataElementGroupToGroupMapping, model.DataElementGroup} {
		groups := m.cfg.ShardGroupsFor(element)
		statuses := make([]ShardGroupStatus, len(groups))
		var wg sync.WaitGroup
		errs := make([]error, len(groups))
		for i, g := range groups {
			wg.Add(1)
			go func(i int, g model.ShardGroupConfig) {
				defer wg.Done()
				st, err := m.describeGroup(ctx, g)
				statuses[i], errs[i] = st, err
			}(i, g)
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				return InstanceStatus{}, err
			}
		}
		switch element {
		case model.DataElementUser:
			status.UserGroups = statuses
		case model.DataElementGroupToGroupMapping:
			status.GroupToGroupMappingGroups = statuses
		case model.DataElementGroup:
			status.GroupGroups = statuses
		}
	}
	return status, nil
}

func (m *Manager) describeGroup(ctx context.Context, g model.ShardGroupConfig) (ShardGroupStatus, error) {
	readerID := nodeID(g.DataElement, nodeconfig.KindReader, g.HashRangeStart)
	writerID := nodeID(g.DataElement, nodeconfig.KindWriter, g.HashRangeStart)
	ecID := nodeID(g.DataElement, nodeconfig.KindEventCache, g.HashRangeStart)

	reader, err := m.orch.IsDeploymentAvailable(ctx, readerID)
	if err != nil {
		return ShardGroupStatus{}, err
	}
	writer, err := m.orch.IsDeploymentAvailable(ctx, writerID)
	if err != nil {
		return ShardGroupStatus{}, err
	}
	ec, err := m.orch.IsDeploymentAvailable(ctx, ecID)
	if err != nil {
		return ShardGroupStatus{}, err
	}
	return ShardGroupStatus{
		ShardGroupConfig:    g,
		ReaderAvailable:     reader,
		WriterAvailable:     writer,
		EventCacheAvailable: ec,
	}, nil
}

// nodeID mirrors shardgroup's unexported naming rule ("{element}-{kind}-
// {hashStr}" in lowercase) so Describe can address the same deployments C4
// created without C4 needing to export a lookup method just for this.
func nodeID(element model.DataElement, kind nodeconfig.Kind, hashStart int32) string {
	return strings.ToLower(fmt.Sprintf("%s-%s-%s", element, kind, hashStr(hashStart)))
}

func hashStr(hash int32) string {
	if hash < 0 {
		return fmt.Sprintf("n%d", -int64(hash))
	}
	return fmt.Sprintf("%d", hash)
}

func lbServiceName(instanceName string, kind LBKind) string {
	return fmt.Sprintf("%s-%s-lb", instanceName, kind)
}

// CreateLoadBalancer provisions one external load balancer, waits for an
// address, and records it on InstanceConfiguration. Fails with InvalidState
// if one already exists for kind.
func (m *Manager) CreateLoadBalancer(ctx context.Context, kind LBKind, port int32) (string, error) {
	if existing := m.existingLBURL(kind); existing != nil {
		return "", cperrors.New(cperrors.InvalidState, string(kind), "", "load balancer already exists", nil)
	}

	name := lbServiceName(m.Name, kind)
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeLoadBalancer,
			Selector: map[string]string{"accessmesh.io/node": string(kind) + "-" + m.Name},
			Ports:    []corev1.ServicePort{{Port: port, TargetPort: intstr.FromInt(int(port))}},
		},
	}
	if err := m.orch.CreateService(ctx, svc); err != nil {
		return "", err
	}
	addr, err := m.orch.WaitForLoadBalancerAddress(ctx, name, m.tunables.PollInterval, m.tunables.CreateShardGroupTimeout())
	if err != nil {
		return "", err
	}

	switch kind {
	case LBRouter:
		m.cfg.RouterExternalURL = &addr
	case LBWriter:
		m.cfg.WriterExternalURL = &addr
	}
	return addr, nil
}

func (m *Manager) existingLBURL(kind LBKind) *string {
	switch kind {
	case LBRouter:
		return m.cfg.RouterExternalURL
	case LBWriter:
		return m.cfg.WriterExternalURL
	}
	return nil
}

// CreateDistributedInstanceInput is the per-element set of shard-group
// hash starts to stand up.
type CreateDistributedInstanceInput struct {
	UserHashStarts                []int32
	GroupToGroupMappingHashStarts []int32
	GroupHashStarts                []int32
}

// CreateDistributedInstance provisions a brand-new instance's shard groups
// across all three data elements. Every precondition and
// parameter-validation failure is raised before any orchestrator or
// storage call.
func (m *Manager) CreateDistributedInstance(ctx context.Context, in CreateDistributedInstanceInput) (err error) {
	defer metrics.ObserveOperation("CreateDistributedInstance", time.Now(), &err)

	if err := m.validateCreateDistributedInstance(in); err != nil {
		return err
	}

	groups := make(map[model.DataElement][]shardgroup.Group)
	for _, element := range []model.DataElement{model.DataElementUser, model.DataElementGroupToGroupMapping, model.DataElementGroup} {
		for _, hashStart := range hashStartsFor(in, element) {
			g, err := m.lifecycle.CreateShardGroup(ctx, element, hashStart, nil)
			if err != nil {
				return err
			}
			groups[element] = append(groups[element], g)
		}
	}

	for _, element := range []model.DataElement{model.DataElementUser, model.DataElementGroupToGroupMapping, model.DataElementGroup} {
		configs := make([]model.ShardGroupConfig, 0, len(groups[element]))
		for _, g := range groups[element] {
			readerID := m.cfg.NextShardGroupID
			writerID := m.cfg.NextShardGroupID + 1
			m.cfg.NextShardGroupID += 2
			configs = append(configs, model.ShardGroupConfig{
				DataElement:        element,
				HashRangeStart:     g.HashStart,
				StorageCredentials: g.Creds,
				ReaderClientCfg:    model.ClientConfig{BaseURL: g.ReaderURL},
				WriterClientCfg:    model.ClientConfig{BaseURL: g.WriterURL},
				ReaderNodeID:       readerID,
				WriterNodeID:       writerID,
			})
		}
		m.cfg.SetShardGroupsFor(element, configs)
		metrics.ShardGroupsTotal.WithLabelValues(string(element)).Set(float64(len(configs)))
	}

	if m.cfg.ConfigStorageCredentials == nil {
		creds, err := m.provider.CreateConfigurationStorage(ctx, m.Name)
		if err != nil {
			return err
		}
		m.cfg.ConfigStorageCredentials = &creds
	}

	set := registry.BuildSet(m.cfg)
	if err := m.registry.Write(ctx, *m.cfg.ConfigStorageCredentials, set, true); err != nil {
		return err
	}

	return m.createCoordinator(ctx)
}

func (m *Manager) createCoordinator(ctx context.Context) error {
	coordinatorID := fmt.Sprintf("%s-coordinator", m.Name)
	env, err := m.renderer.Render(nodeconfig.KindCoordinator, coordinatorTemplate, nodeconfig.CoordinatorOverrides(coordinatorID, *m.cfg.ConfigStorageCredentials))
	if err != nil {
		return err
	}
	d := coordinatorDeployment(coordinatorID, m.tunables.NodeImage, m.tunables.PodPort, env)
	if err := m.orch.CreateDeployment(ctx, d); err != nil {
		return err
	}
	if err := m.orch.WaitForDeploymentAvailable(ctx, coordinatorID, m.tunables.PollInterval, m.tunables.CreateShardGroupTimeout()); err != nil {
		return err
	}

	svcName := coordinatorID + "-lb"
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: svcName},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeLoadBalancer,
			Selector: map[string]string{"accessmesh.io/node": coordinatorID},
			Ports:    []corev1.ServicePort{{Port: m.tunables.PodPort, TargetPort: intstr.FromInt(int(m.tunables.PodPort))}},
		},
	}
	if err := m.orch.CreateService(ctx, svc); err != nil {
		return err
	}
	addr, err := m.orch.WaitForLoadBalancerAddress(ctx, svcName, m.tunables.PollInterval, m.tunables.CreateShardGroupTimeout())
	if err != nil {
		return err
	}
	m.cfg.CoordinatorExternalURL = &addr
	return nil
}

const coordinatorTemplate = `{"MetricLogging":{"MetricCategorySuffix":""},"StorageCredentials":{}}`

func coordinatorDeployment(name, image string, podPort int32, env map[string]string) *appsv1.Deployment {
	one := int32(1)
	selector := map[string]string{"accessmesh.io/node": name}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	envVars := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: env[k]})
	}
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Labels: selector},
		Spec: appsv1.DeploymentSpec{
			Replicas: &one,
			Selector: &metav1.LabelSelector{MatchLabels: selector},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: selector},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:  "node",
						Image: image,
						Ports: []corev1.ContainerPort{{ContainerPort: podPort}},
						Env:   envVars,
					}},
				},
			},
		},
	}
}

func hashStartsFor(in CreateDistributedInstanceInput, element model.DataElement) []int32 {
	switch element {
	case model.DataElementUser:
		return in.UserHashStarts
	case model.DataElementGroupToGroupMapping:
		return in.GroupToGroupMappingHashStarts
	case model.DataElementGroup:
		return in.GroupHashStarts
	default:
		return nil
	}
}

func (m *Manager) validateCreateDistributedInstance(in CreateDistributedInstanceInput) error {
	if m.cfg.RouterExternalURL == nil || m.cfg.WriterExternalURL == nil {
		return cperrors.New(cperrors.InvalidState, m.Name, "", "router and writer load balancers must exist before creating a distributed instance", nil)
	}
	if len(m.cfg.AllShardGroups()) > 0 {
		return cperrors.New(cperrors.InvalidState, m.Name, "", "instance already has shard groups configured", nil)
	}

	if err := validateHashStartList("user", in.UserHashStarts, true); err != nil {
		return err
	}
	if len(in.GroupToGroupMappingHashStarts) != 1 || in.GroupToGroupMappingHashStarts[0] != model.MinHashRangeStart {
		return cperrors.New(cperrors.InvalidArgument, m.Name, "", "groupToGroupMapping must have exactly one shard group starting at int32.MIN", nil)
	}
	if err := validateHashStartList("group", in.GroupHashStarts, true); err != nil {
		return err
	}
	return nil
}

func validateHashStartList(label string, hashStarts []int32, required bool) error {
	if required && len(hashStarts) == 0 {
		return cperrors.New(cperrors.InvalidArgument, label, "", "at least one shard group is required", nil)
	}
	seen := make(map[int32]bool, len(hashStarts))
	sawMin := false
	for _, h := range hashStarts {
		if seen[h] {
			return cperrors.New(cperrors.InvalidArgument, label, "", fmt.Sprintf("duplicate hash range start %d", h), nil)
		}
		seen[h] = true
		if h == model.MinHashRangeStart {
			sawMin = true
		}
	}
	if required && !sawMin {
		return cperrors.New(cperrors.InvalidArgument, label, "", "shard group list must contain int32.MIN", nil)
	}
	return nil
}
