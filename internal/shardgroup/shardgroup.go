// Package shardgroup implements C4 ShardGroupLifecycle: creating,
// restarting, and scaling a shard group's three coordinated node
// deployments (reader/writer/event-cache) plus their internal services.
// Deployment/Service construction follows the pattern of a Kubernetes
// object built from a sorted env-var map, generalized from a module
// runtime to a shard node kind.
package shardgroup

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/accessmesh/controlplane/internal/config"
	"github.com/accessmesh/controlplane/internal/metrics"
	"github.com/accessmesh/controlplane/internal/model"
	"github.com/accessmesh/controlplane/internal/nodeconfig"
	"github.com/accessmesh/controlplane/internal/storageprovisioner"
)

// Orchestrator is the slice of C1 this package needs: object CRUD plus the
// wait primitives used to confirm a deployment is up or scaled down.
type Orchestrator interface {
	CreateDeployment(ctx context.Context, spec *appsv1.Deployment) error
	DeleteDeployment(ctx context.Context, name string) error
	PatchDeploymentReplicas(ctx context.Context, name string, n int32) error
	CreateService(ctx context.Context, spec *corev1.Service) error
	DeleteService(ctx context.Context, name string) error
	WaitForDeploymentAvailable(ctx context.Context, name string, interval, timeout time.Duration) error
	WaitForDeploymentScaledDown(ctx context.Context, name string, selector map[string]string, interval, timeout time.Duration) error
}

// Minimal per-kind JSON templates; callers with richer operator-authored
// templates can use nodeconfig.Renderer directly instead of going through
// Lifecycle's defaults.
const (
	eventCacheTemplate = `{"MetricLogging":{"MetricCategorySuffix":""}}`
	readerTemplate     = `{"EventCacheConnection":{"Host":""},"MetricLogging":{"MetricCategorySuffix":""},"StorageCredentials":{}}`
	writerTemplate     = `{"EventPersistence":{"EventPersisterBackupFilePath":""},"EventCacheConnection":{"Host":""},"MetricLogging":{"MetricCategorySuffix":""},"StorageCredentials":{}}`
)

// Lifecycle is C4.
type Lifecycle struct {
	orch     Orchestrator
	renderer *nodeconfig.Renderer
	provider *storageprovisioner.Provisioner
	tunables config.Tunables
}

// New builds a Lifecycle bound to orch (C1), renderer (C3), and
// provisioner (C2).
func New(orch Orchestrator, renderer *nodeconfig.Renderer, provider *storageprovisioner.Provisioner, tunables config.Tunables) *Lifecycle {
	return &Lifecycle{orch: orch, renderer: renderer, provider: provider, tunables: tunables}
}

// nodeID builds a deployment/service name from its coordinates:
// "{element}-{kind}-{hashStr(hashStart)}" in lowercase.
func nodeID(element model.DataElement, kind nodeconfig.Kind, hashStart int32) string {
	return strings.ToLower(fmt.Sprintf("%s-%s-%s", element, kind, hashStr(hashStart)))
}

// hashStr prefixes "n" for negative values so the result is DNS-safe.
func hashStr(hash int32) string {
	if hash < 0 {
		return fmt.Sprintf("n%d", -int64(hash))
	}
	return strconv.FormatInt(int64(hash), 10)
}

func internalServiceName(id string) string { return id + "-service" }

// ExternalServiceName is the name of a node's external (load-balanced)
// service: "{id}-externalservice".
func ExternalServiceName(id string) string { return id + "-externalservice" }

// InternalURL is the URL a shard's internal service is routed to.
func InternalURL(id string, podPort int32) string {
	return fmt.Sprintf("http://%s:%d/", internalServiceName(id), podPort)
}

// Group is the three node IDs and their resolved URLs that make up one
// shard group, returned so the caller (C6/C7) can fold storage credentials
// into InstanceConfiguration.
type Group struct {
	Element   model.DataElement
	HashStart int32
	Creds     model.Credentials

	ReaderID      string
	WriterID      string
	EventCacheID  string
	ReaderURL     string
	WriterURL     string
	EventCacheURL string
}

// CreateShardGroup deploys a shard group's three node kinds in dependency
// order: event-cache first (reader and writer both depend on its URL), then
// reader and writer in parallel.
func (l *Lifecycle) CreateShardGroup(ctx context.Context, element model.DataElement, hashStart int32, creds *model.Credentials) (Group, error) {
	resolved, err := l.resolveCredentials(ctx, element, hashStart, creds)
	if err != nil {
		return Group{}, err
	}

	ecID := nodeID(element, nodeconfig.KindEventCache, hashStart)
	readerID := nodeID(element, nodeconfig.KindReader, hashStart)
	writerID := nodeID(element, nodeconfig.KindWriter, hashStart)

	ecEnv, err := l.renderer.Render(nodeconfig.KindEventCache, eventCacheTemplate, nodeconfig.EventCacheOverrides(ecID))
	if err != nil {
		return Group{}, err
	}
	if err := l.deployAndWait(ctx, ecID, ecEnv); err != nil {
		return Group{}, err
	}

	ecURL := InternalURL(ecID, l.tunables.PodPort)

	// The first of reader/writer to fail cancels the other; its error is
	// the one reported.
	pairCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var firstErr error
	var once sync.Once
	fail := func(err error) { once.Do(func() { firstErr = err; cancel() }) }
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		env, err := l.renderer.Render(nodeconfig.KindReader, readerTemplate, nodeconfig.ReaderOverrides(ecURL, readerID, resolved))
		if err == nil {
			err = l.deployAndWait(pairCtx, readerID, env)
		}
		if err != nil {
			fail(err)
		}
	}()
	go func() {
		defer wg.Done()
		backupPath := fmt.Sprintf("/data/%s-eventbackup.json", writerID)
		env, err := l.renderer.Render(nodeconfig.KindWriter, writerTemplate, nodeconfig.WriterOverrides(backupPath, ecURL, writerID, resolved))
		if err == nil {
			err = l.deployAndWait(pairCtx, writerID, env)
		}
		if err != nil {
			fail(err)
		}
	}()
	wg.Wait()
	if firstErr != nil {
		return Group{}, firstErr
	}

	return Group{
		Element:       element,
		HashStart:     hashStart,
		Creds:         resolved,
		ReaderID:      readerID,
		WriterID:      writerID,
		EventCacheID:  ecID,
		ReaderURL:     InternalURL(readerID, l.tunables.PodPort),
		WriterURL:     InternalURL(writerID, l.tunables.PodPort),
		EventCacheURL: ecURL,
	}, nil
}

func (l *Lifecycle) resolveCredentials(ctx context.Context, element model.DataElement, hashStart int32, creds *model.Credentials) (model.Credentials, error) {
	if creds != nil {
		return *creds, nil
	}
	return l.provider.CreateAccessManagerStorage(ctx, element, hashStart)
}

// ScaleDownShardGroup scales reader and writer to zero in parallel, then
// (strictly after both complete) scales event-cache to zero.
func (l *Lifecycle) ScaleDownShardGroup(ctx context.Context, element model.DataElement, hashStart int32) (err error) {
	defer metrics.ObserveOperation("ScaleDownShardGroup", time.Now(), &err)

	readerID := nodeID(element, nodeconfig.KindReader, hashStart)
	writerID := nodeID(element, nodeconfig.KindWriter, hashStart)
	ecID := nodeID(element, nodeconfig.KindEventCache, hashStart)

	if err := l.scalePairToZero(ctx, readerID, writerID); err != nil {
		return err
	}
	return l.scaleToZero(ctx, ecID)
}

// ScaleUpShardGroup scales event-cache back up first, then reader and
// writer in parallel once it is available.
func (l *Lifecycle) ScaleUpShardGroup(ctx context.Context, element model.DataElement, hashStart int32) (err error) {
	defer metrics.ObserveOperation("ScaleUpShardGroup", time.Now(), &err)

	ecID := nodeID(element, nodeconfig.KindEventCache, hashStart)
	readerID := nodeID(element, nodeconfig.KindReader, hashStart)
	writerID := nodeID(element, nodeconfig.KindWriter, hashStart)

	if err := l.scaleUpAndWait(ctx, ecID); err != nil {
		return err
	}
	return l.scalePairUp(ctx, readerID, writerID)
}

// RestartShardGroup is ScaleDown then ScaleUp: reader/writer shut down
// first so the event-cache can absorb their last events before it too
// shuts down.
func (l *Lifecycle) RestartShardGroup(ctx context.Context, element model.DataElement, hashStart int32) error {
	if err := l.ScaleDownShardGroup(ctx, element, hashStart); err != nil {
		return err
	}
	return l.ScaleUpShardGroup(ctx, element, hashStart)
}

func (l *Lifecycle) scalePairToZero(ctx context.Context, a, b string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var firstErr error
	var once sync.Once
	run := func(name string) {
		if err := l.scaleToZero(ctx, name); err != nil {
			once.Do(func() { firstErr = err; cancel() })
		}
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); run(a) }()
	go func() { defer wg.Done(); run(b) }()
	wg.Wait()
	return firstErr
}

func (l *Lifecycle) scalePairUp(ctx context.Context, a, b string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var firstErr error
	var once sync.Once
	run := func(name string) {
		if err := l.scaleUpAndWait(ctx, name); err != nil {
			once.Do(func() { firstErr = err; cancel() })
		}
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); run(a) }()
	go func() { defer wg.Done(); run(b) }()
	wg.Wait()
	return firstErr
}

func (l *Lifecycle) scaleToZero(ctx context.Context, name string) error {
	if err := l.orch.PatchDeploymentReplicas(ctx, name, 0); err != nil {
		return err
	}
	return l.orch.WaitForDeploymentScaledDown(ctx, name, podSelector(name), l.tunables.PollInterval, l.tunables.ScaleDownTimeout())
}

func (l *Lifecycle) scaleUpAndWait(ctx context.Context, name string) error {
	if err := l.orch.PatchDeploymentReplicas(ctx, name, 1); err != nil {
		return err
	}
	return l.orch.WaitForDeploymentAvailable(ctx, name, l.tunables.PollInterval, l.tunables.CreateShardGroupTimeout())
}

func (l *Lifecycle) deployAndWait(ctx context.Context, name string, env map[string]string) error {
	d := buildDeployment(name, l.tunables.NodeImage, l.tunables.PodPort, env)
	if err := l.orch.CreateDeployment(ctx, d); err != nil {
		return err
	}
	svc := buildService(internalServiceName(name), podSelector(name), l.tunables.PodPort)
	if err := l.orch.CreateService(ctx, svc); err != nil {
		return err
	}
	return l.orch.WaitForDeploymentAvailable(ctx, name, l.tunables.PollInterval, l.tunables.CreateShardGroupTimeout())
}

func podSelector(name string) map[string]string {
	return map[string]string{"accessmesh.io/node": name}
}

func buildDeployment(name, image string, podPort int32, env map[string]string) *appsv1.Deployment {
	one := int32(1)
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: podSelector(name),
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &one,
			Selector: &metav1.LabelSelector{MatchLabels: podSelector(name)},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: podSelector(name)},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:  "node",
						Image: image,
						Ports: []corev1.ContainerPort{{ContainerPort: podPort}},
						Env:   envVarsFromMap(env),
					}},
				},
			},
		},
	}
}

func buildService(name string, selector map[string]string, podPort int32) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Spec: corev1.ServiceSpec{
			Selector: selector,
			Ports:    []corev1.ServicePort{{Port: podPort, TargetPort: intstr.FromInt(int(podPort))}},
		},
	}
}

func envVarsFromMap(env map[string]string) []corev1.EnvVar {
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
