// Package split implements C7 SplitCoordinator: the seven-phase online
// range-split protocol. It operates on the same *model.InstanceConfiguration
// the instance manager (C6) owns, driving C1 (router deployment/teardown),
// C2 (target storage), C4 (target shard group), C5 (configuration write),
// and the C8 admin clients, against an external EventCopier it does not
// implement itself: the same "narrow collaborator interface, concrete
// caller supplies the implementation" shape as storageprovisioner.Backend.
package split

import (
	"context"
	"fmt"
	"sort"
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
	"github.com/accessmesh/controlplane/internal/storageprovisioner"
)

// Orchestrator is the slice of C1 the router deployment/service lifecycle
// needs; the three node kinds of the shard group itself are handled by
// shardgroup.Lifecycle.
type Orchestrator interface {
	CreateDeployment(ctx context.Context, spec *appsv1.Deployment) error
	DeleteDeployment(ctx context.Context, name string) error
	PatchDeploymentReplicas(ctx context.Context, name string, n int32) error
	CreateService(ctx context.Context, spec *corev1.Service) error
	PatchServiceSelector(ctx context.Context, name string, selector map[string]string) error
	DeleteService(ctx context.Context, name string) error
	WaitForDeploymentAvailable(ctx context.Context, name string, interval, timeout time.Duration) error
	WaitForDeploymentScaledDown(ctx context.Context, name string, selector map[string]string, interval, timeout time.Duration) error
}

// RouterAdmin is the slice of C8 a split drives against the splitter
// router; satisfied structurally by *adminclient.RouterAdminClient.
type RouterAdmin interface {
	SetRoutingOn(ctx context.Context, on bool) error
	PauseOperations(ctx context.Context) error
	ResumeOperations(ctx context.Context) error
}

// WriterAdmin is the slice of C8 used to confirm the source writer has
// drained before the copy is declared complete; satisfied structurally by
// *adminclient.WriterAdminClient.
type WriterAdmin interface {
	InFlightEventCount(ctx context.Context) (int, error)
}

// AdminClients binds the admin clients a split needs for one router/writer
// pair. Callers build these against the router's internal URL and the
// instance's writer-external URL once those are known.
type AdminClients struct {
	Router RouterAdmin
	Writer WriterAdmin
}

// AdminClientFactory builds the admin clients for a split given the
// router's internal URL and the writer-external URL, deferred until phase
// 2/3 have produced those addresses.
type AdminClientFactory func(routerURL, writerExternalURL string) AdminClients

// EventCopier is the external collaborator for moving events between
// shards: CopyBatch copies up to batchSize events from sourceCreds to
// targetCreds, applying keyFilter (nil means "copy everything"), and
// reports whether more events remain to copy.
type EventCopier interface {
	CopyBatch(ctx context.Context, sourceCreds, targetCreds model.Credentials, batchSize int, keyFilter func(key string) bool) (copied int, hasMore bool, err error)
}

// Coordinator is C7.
type Coordinator struct {
	orch      Orchestrator
	lifecycle *shardgroup.Lifecycle
	provider  *storageprovisioner.Provisioner
	registry  *registry.Registry
	renderer  *nodeconfig.Renderer
	copier    EventCopier
	tunables  config.Tunables
	cfg       *model.InstanceConfiguration

	sleep func(d time.Duration)

	instanceName string

	mu        sync.Mutex
	lastPhase map[string]int
}

// New builds a Coordinator that mutates cfg in place: the same
// InstanceConfiguration value the owning instance.Manager holds.
// instanceName must match the name the instance manager used to create the
// writer-external load balancer, since phase 3 repoints its selector.
func New(instanceName string, orch Orchestrator, lifecycle *shardgroup.Lifecycle, provider *storageprovisioner.Provisioner, reg *registry.Registry, renderer *nodeconfig.Renderer, copier EventCopier, tunables config.Tunables, cfg *model.InstanceConfiguration) *Coordinator {
	return &Coordinator{
		instanceName: instanceName,
		orch:         orch,
		lifecycle:    lifecycle,
		provider:     provider,
		registry:     reg,
		renderer:     renderer,
		copier:       copier,
		tunables:     tunables,
		cfg:          cfg,
		sleep:        time.Sleep,
		lastPhase:    map[string]int{},
	}
}

func (c *Coordinator) writerExternalServiceName() string {
	return fmt.Sprintf("%s-writer-lb", c.instanceName)
}

func splitKey(element model.DataElement, hashStart int32) string {
	return fmt.Sprintf("%s/%d", element, hashStart)
}

// LastCompletedPhase reports the last phase (1-7) that completed for a
// given split, so an operator can decide how to resume a failed one.
func (c *Coordinator) LastCompletedPhase(element model.DataElement, hashStart int32) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.lastPhase[splitKey(element, hashStart)]
	return p, ok
}

func (c *Coordinator) recordPhase(element model.DataElement, hashStart int32, phase int) {
	c.mu.Lock()
	c.lastPhase[splitKey(element, hashStart)] = phase
	c.mu.Unlock()
	metrics.SplitPhase.WithLabelValues(string(element), fmt.Sprintf("%d", hashStart)).Set(float64(phase))
}

func (c *Coordinator) phaseErr(element model.DataElement, hashStart int32, phase int, err error) error {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*cperrors.Error); ok {
		return cperrors.New(ce.Kind, ce.Entity, ce.Namespace, fmt.Sprintf("split phase %d: %s", phase, ce.Message), ce.Cause)
	}
	return fmt.Errorf("split phase %d: %w", phase, err)
}

// Input describes one split request.
type Input struct {
	Element    model.DataElement
	HashStart  int32
	SplitStart int32
	SplitEnd   int32

	BatchSize         int
	IdleRetryCount    int
	IdleRetryInterval time.Duration
}

func (c *Coordinator) resolveTunables(in *Input) {
	if in.BatchSize <= 0 {
		in.BatchSize = c.tunables.SplitBatchSize
	}
	if in.IdleRetryCount <= 0 {
		in.IdleRetryCount = c.tunables.SplitIdleRetryCount
	}
	if in.IdleRetryInterval <= 0 {
		in.IdleRetryInterval = c.tunables.SplitIdleRetryInterval
	}
}

// Split executes all seven phases of a shard group split.
func (c *Coordinator) Split(ctx context.Context, adminFactory AdminClientFactory, in Input) error {
	group, _, err := c.validate(in)
	if err != nil {
		return err
	}
	c.resolveTunables(&in)

	routerID := routerNodeID(in.Element, in.HashStart)

	// Phase 1: provision target storage.
	targetCreds, err := c.provider.CreateAccessManagerStorage(ctx, in.Element, in.SplitStart)
	if err != nil {
		return c.phaseErr(in.Element, in.HashStart, 1, err)
	}
	c.recordPhase(in.Element, in.HashStart, 1)

	// Phase 2: stand up the splitter router, routing initially off.
	routerCfg := nodeconfig.RouterConfig{
		DataElementType:           in.Element,
		SourceQueryShardBaseURL:   group.ReaderClientCfg.BaseURL,
		SourceEventShardBaseURL:   group.WriterClientCfg.BaseURL,
		SourceShardHashRangeStart: in.HashStart,
		SourceShardHashRangeEnd:   in.SplitStart - 1,
		TargetQueryShardBaseURL:   "",
		TargetEventShardBaseURL:   "",
		TargetShardHashRangeStart: in.SplitStart,
		TargetShardHashRangeEnd:   in.SplitEnd,
		RoutingInitiallyOn:        false,
		MetricCategorySuffix:      routerID,
	}
	routerURL, err := c.deployRouter(ctx, routerID, routerCfg)
	if err != nil {
		return c.phaseErr(in.Element, in.HashStart, 2, err)
	}
	c.recordPhase(in.Element, in.HashStart, 2)

	admins := adminFactory(routerURL, derefOrEmpty(c.cfg.WriterExternalURL))

	// Phase 3: redirect shard configuration to the router.
	sourceWriterID := writerNodeID(in.Element, in.HashStart)
	if err := c.orch.PatchServiceSelector(ctx, c.writerExternalServiceName(), podSelectorFor(sourceWriterID)); err != nil {
		return c.phaseErr(in.Element, in.HashStart, 3, err)
	}
	if err := admins.Router.PauseOperations(ctx); err != nil {
		return c.phaseErr(in.Element, in.HashStart, 3, err)
	}
	if err := c.redirectConfigToRouter(ctx, in, routerURL); err != nil {
		return c.phaseErr(in.Element, in.HashStart, 3, err)
	}
	c.sleepCtx(ctx, c.tunables.CoordinatorRefreshInterval+c.tunables.CoordinatorRefreshBuffer)
	c.recordPhase(in.Element, in.HashStart, 3)

	// Phase 4: copy events.
	var filter func(key string) bool
	if in.Element == model.DataElementGroup {
		filter = func(key string) bool {
			h := model.HashKey(key)
			return h >= in.SplitStart && h <= in.SplitEnd
		}
	}
	if err := c.copyEvents(ctx, group.StorageCredentials, targetCreds, in, admins.Writer, filter); err != nil {
		return c.phaseErr(in.Element, in.HashStart, 4, err)
	}
	c.recordPhase(in.Element, in.HashStart, 4)

	// Phase 5: stand up the target shard group.
	targetGroup, err := c.lifecycle.CreateShardGroup(ctx, in.Element, in.SplitStart, &targetCreds)
	if err != nil {
		return c.phaseErr(in.Element, in.HashStart, 5, err)
	}
	c.recordPhase(in.Element, in.HashStart, 5)

	// Phase 6: turn routing on, resume operations.
	if err := admins.Router.SetRoutingOn(ctx, true); err != nil {
		return c.phaseErr(in.Element, in.HashStart, 6, err)
	}
	if err := admins.Router.ResumeOperations(ctx); err != nil {
		return c.phaseErr(in.Element, in.HashStart, 6, err)
	}
	c.recordPhase(in.Element, in.HashStart, 6)

	// Phase 7: retarget configuration to the real shards, tear down router.
	if err := c.retargetToRealShards(ctx, in, group, targetGroup); err != nil {
		return c.phaseErr(in.Element, in.HashStart, 7, err)
	}
	c.sleepCtx(ctx, c.tunables.CoordinatorRefreshInterval+c.tunables.CoordinatorRefreshBuffer)
	if err := c.teardownRouter(ctx, routerID); err != nil {
		return c.phaseErr(in.Element, in.HashStart, 7, err)
	}
	c.recordPhase(in.Element, in.HashStart, 7)

	return nil
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// validate runs every pre-flight check before any side effect: it must fail
// without having touched anything. It returns the source group and, if one
// exists, the next sequential group (by HashRangeStart), against which it
// has already checked splitStart and splitEnd.
func (c *Coordinator) validate(in Input) (model.ShardGroupConfig, *model.ShardGroupConfig, error) {
	if in.Element != model.DataElementUser && in.Element != model.DataElementGroup {
		return model.ShardGroupConfig{}, nil, cperrors.New(cperrors.InvalidArgument, string(in.Element), "", "split is only supported for user and group elements", nil)
	}

	groups := c.cfg.ShardGroupsFor(in.Element)
	var group model.ShardGroupConfig
	var next *model.ShardGroupConfig
	found := false
	for i := range groups {
		if groups[i].HashRangeStart == in.HashStart {
			group = groups[i]
			found = true
			if i+1 < len(groups) {
				n := groups[i+1]
				next = &n
			}
			break
		}
	}
	if !found {
		return model.ShardGroupConfig{}, nil, cperrors.NewNotFound(cperrors.InvalidArgument, string(in.Element), "", fmt.Sprintf("no shard group at hash range start %d", in.HashStart), nil)
	}

	if in.SplitStart <= in.HashStart {
		return model.ShardGroupConfig{}, nil, cperrors.New(cperrors.InvalidArgument, string(in.Element), "", "splitStart must be greater than the source group's hash range start", nil)
	}
	if in.SplitEnd <= in.SplitStart {
		return model.ShardGroupConfig{}, nil, cperrors.New(cperrors.InvalidArgument, string(in.Element), "", "splitEnd must be greater than splitStart", nil)
	}

	if next != nil {
		if in.SplitStart >= next.HashRangeStart {
			return model.ShardGroupConfig{}, nil, cperrors.New(cperrors.InvalidArgument, string(in.Element), "", "splitStart must be less than the next shard group's hash range start", nil)
		}
		if in.SplitEnd != next.HashRangeStart-1 {
			return model.ShardGroupConfig{}, nil, cperrors.New(cperrors.InvalidArgument, string(in.Element), "", "splitEnd must equal the next shard group's hash range start minus one", nil)
		}
	} else if in.SplitEnd != model.MaxHashRangeEnd {
		return model.ShardGroupConfig{}, nil, cperrors.New(cperrors.InvalidArgument, string(in.Element), "", "splitEnd must equal int32.MAX when no next shard group exists", nil)
	}

	return group, next, nil
}

func routerNodeID(element model.DataElement, hashStart int32) string {
	return fmt.Sprintf("%s-%s-%s", element, nodeconfig.KindRouter, hashStrSplit(hashStart))
}

func writerNodeID(element model.DataElement, hashStart int32) string {
	return fmt.Sprintf("%s-%s-%s", element, nodeconfig.KindWriter, hashStrSplit(hashStart))
}

func hashStrSplit(h int32) string {
	if h < 0 {
		return fmt.Sprintf("n%d", -int64(h))
	}
	return fmt.Sprintf("%d", h)
}

const routerTemplate = `{"ShardRouting":{"DataElementType":"","SourceQueryShardBaseUrl":"","SourceEventShardBaseUrl":"","SourceShardHashRangeStart":0,"SourceShardHashRangeEnd":0,"TargetQueryShardBaseUrl":"","TargetEventShardBaseUrl":"","TargetShardHashRangeStart":0,"TargetShardHashRangeEnd":0,"RoutingInitiallyOn":false},"MetricLogging":{"MetricCategorySuffix":""}}`

func (c *Coordinator) deployRouter(ctx context.Context, routerID string, cfg nodeconfig.RouterConfig) (string, error) {
	env, err := c.renderer.Render(nodeconfig.KindRouter, routerTemplate, nodeconfig.RouterOverrides(cfg))
	if err != nil {
		return "", err
	}
	d := routerDeployment(routerID, c.tunables.NodeImage, c.tunables.PodPort, env)
	if err := c.orch.CreateDeployment(ctx, d); err != nil {
		return "", err
	}
	svc := routerService(routerID, c.tunables.PodPort)
	if err := c.orch.CreateService(ctx, svc); err != nil {
		return "", err
	}
	if err := c.orch.WaitForDeploymentAvailable(ctx, routerID, c.tunables.PollInterval, c.tunables.CreateShardGroupTimeout()); err != nil {
		return "", err
	}
	return shardgroup.InternalURL(routerID, c.tunables.PodPort), nil
}

func podSelectorFor(name string) map[string]string {
	return map[string]string{"accessmesh.io/node": name}
}

func routerDeployment(name, image string, podPort int32, env map[string]string) *appsv1.Deployment {
	one := int32(1)
	selector := podSelectorFor(name)
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
						Env:   envVarsSorted(env),
					}},
				},
			},
		},
	}
}

func routerService(name string, podPort int32) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name + "-service"},
		Spec: corev1.ServiceSpec{
			Selector: podSelectorFor(name),
			Ports:    []corev1.ServicePort{{Port: podPort, TargetPort: intstr.FromInt(int(podPort))}},
		},
	}
}

func envVarsSorted(env map[string]string) []corev1.EnvVar {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		out = append(out, corev1.EnvVar{Name: k, Value: env[k]})
	}
	return out
}

func (c *Coordinator) redirectConfigToRouter(ctx context.Context, in Input, routerURL string) error {
	set, err := c.registry.Read(ctx, *c.cfg.ConfigStorageCredentials)
	if err != nil {
		return err
	}
	routerCfg := model.ClientConfig{BaseURL: routerURL}
	set = retargetEntry(set, in.Element, in.HashStart, routerCfg)
	set = retargetEntry(set, in.Element, in.SplitStart, routerCfg)
	return c.registry.Write(ctx, *c.cfg.ConfigStorageCredentials, set, true)
}

func (c *Coordinator) retargetToRealShards(ctx context.Context, in Input, source model.ShardGroupConfig, target shardgroup.Group) error {
	groups := c.cfg.ShardGroupsFor(in.Element)
	updated := make([]model.ShardGroupConfig, 0, len(groups)+1)
	updated = append(updated, groups...)
	updated = append(updated, model.ShardGroupConfig{
		DataElement:        in.Element,
		HashRangeStart:     target.HashStart,
		StorageCredentials: target.Creds,
		ReaderClientCfg:    model.ClientConfig{BaseURL: target.ReaderURL},
		WriterClientCfg:    model.ClientConfig{BaseURL: target.WriterURL},
		ReaderNodeID:       c.cfg.NextShardGroupID,
		WriterNodeID:       c.cfg.NextShardGroupID + 1,
	})
	c.cfg.NextShardGroupID += 2
	c.cfg.SetShardGroupsFor(in.Element, updated)
	metrics.ShardGroupsTotal.WithLabelValues(string(in.Element)).Set(float64(len(updated)))

	set, err := c.registry.Read(ctx, *c.cfg.ConfigStorageCredentials)
	if err != nil {
		return err
	}
	set = retargetEntryOp(set, in.Element, in.HashStart, model.OperationQuery, source.ReaderClientCfg)
	set = retargetEntryOp(set, in.Element, in.HashStart, model.OperationEvent, source.WriterClientCfg)
	set = retargetEntryOp(set, in.Element, target.HashStart, model.OperationQuery, model.ClientConfig{BaseURL: target.ReaderURL})
	set = retargetEntryOp(set, in.Element, target.HashStart, model.OperationEvent, model.ClientConfig{BaseURL: target.WriterURL})
	return c.registry.Write(ctx, *c.cfg.ConfigStorageCredentials, set, true)
}

func retargetEntry(set model.ShardConfigurationSet, element model.DataElement, hashStart int32, cfg model.ClientConfig) model.ShardConfigurationSet {
	set = retargetEntryOp(set, element, hashStart, model.OperationQuery, cfg)
	set = retargetEntryOp(set, element, hashStart, model.OperationEvent, cfg)
	return set
}

func retargetEntryOp(set model.ShardConfigurationSet, element model.DataElement, hashStart int32, op model.Operation, cfg model.ClientConfig) model.ShardConfigurationSet {
	for i := range set.Entries {
		if set.Entries[i].DataElement == element && set.Entries[i].Operation == op && set.Entries[i].HashRangeStart == hashStart {
			set.Entries[i].ClientCfg = cfg
			return set
		}
	}
	nextID := registry.NextEntryID(set)
	set.Entries = append(set.Entries,
		model.ShardConfigurationEntry{ID: nextID, DataElement: element, Operation: op, HashRangeStart: hashStart, ClientCfg: cfg},
	)
	return set
}

func (c *Coordinator) teardownRouter(ctx context.Context, routerID string) error {
	if err := c.orch.PatchDeploymentReplicas(ctx, routerID, 0); err != nil {
		return err
	}
	if err := c.orch.WaitForDeploymentScaledDown(ctx, routerID, podSelectorFor(routerID), c.tunables.PollInterval, c.tunables.ScaleDownTimeout()); err != nil {
		return err
	}
	if err := c.orch.DeleteService(ctx, routerID+"-service"); err != nil && !cperrors.IsNotFound(err) {
		return err
	}
	if err := c.orch.DeleteDeployment(ctx, routerID); err != nil && !cperrors.IsNotFound(err) {
		return err
	}
	return nil
}

func (c *Coordinator) copyEvents(ctx context.Context, sourceCreds, targetCreds model.Credentials, in Input, writerAdmin WriterAdmin, filter func(string) bool) error {
	for {
		_, hasMore, err := c.copier.CopyBatch(ctx, sourceCreds, targetCreds, in.BatchSize, filter)
		if err != nil {
			return cperrors.New(cperrors.StorageError, string(in.Element), "", "event copy batch failed", err)
		}
		if hasMore {
			continue
		}

		idle, err := c.isWriterIdle(ctx, writerAdmin, in.IdleRetryCount, in.IdleRetryInterval)
		if err != nil {
			return err
		}
		if !idle {
			return cperrors.New(cperrors.InvalidState, string(in.Element), "", "source writer still had in-flight operations after exhausting idle retries", nil)
		}
		return nil
	}
}

// isWriterIdle polls writerAdmin up to retryCount+1 times, sleeping interval
// between attempts, until it observes a zero in-flight count.
func (c *Coordinator) isWriterIdle(ctx context.Context, writerAdmin WriterAdmin, retryCount int, interval time.Duration) (bool, error) {
	for attempt := 0; attempt <= retryCount; attempt++ {
		count, err := writerAdmin.InFlightEventCount(ctx)
		if err != nil {
			return false, err
		}
		if count == 0 {
			return true, nil
		}
		if attempt < retryCount {
			c.sleepCtx(ctx, interval)
		}
	}
	return false, nil
}

// sleepCtx waits d via the injectable sleep hook (time.Sleep in production,
// a no-op or short stand-in in tests), returning early if ctx is already
// done.
func (c *Coordinator) sleepCtx(ctx context.Context, d time.Duration) {
	if ctx.Err() != nil {
		return
	}
	c.sleep(d)
}
