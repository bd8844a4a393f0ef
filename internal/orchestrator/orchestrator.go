// Package orchestrator implements C1 OrchestratorClient: a narrow,
// namespace-scoped capability set over Deployments/Services/Pods (spec
// §4.1), wrapping the same sigs.k8s.io/controller-runtime client.Client
// every teacher reconciler embeds, without the reconcile-loop machinery
// around it.
package orchestrator

import (
	"context"
	"fmt"
	"net"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/accessmesh/controlplane/internal/cperrors"
)

// Client is C1: CRUD + wait primitives scoped to a single namespace.
type Client struct {
	k8s       client.Client
	namespace string
}

// New wraps an existing controller-runtime client for namespace.
func New(k8s client.Client, namespace string) *Client {
	return &Client{k8s: k8s, namespace: namespace}
}

func (c *Client) key(name string) types.NamespacedName {
	return types.NamespacedName{Namespace: c.namespace, Name: name}
}

func wrapErr(err error, entity, namespace, verb string) error {
	if err == nil {
		return nil
	}
	if apierrors.IsNotFound(err) {
		return cperrors.NewNotFound(cperrors.OrchestratorError, entity, namespace, verb+": not found", err)
	}
	return cperrors.New(cperrors.OrchestratorError, entity, namespace, verb+" failed", err)
}

// CreateDeployment creates spec; spec.Namespace is forced to c.namespace.
func (c *Client) CreateDeployment(ctx context.Context, spec *appsv1.Deployment) error {
	spec.Namespace = c.namespace
	if err := c.k8s.Create(ctx, spec); err != nil {
		return wrapErr(err, spec.Name, c.namespace, "create deployment")
	}
	return nil
}

// DeleteDeployment deletes name. Deleting an absent deployment returns an
// error marked NotFound, which callers doing idempotent tear-down can
// detect with cperrors.IsNotFound and ignore.
func (c *Client) DeleteDeployment(ctx context.Context, name string) error {
	d := &appsv1.Deployment{}
	d.Name, d.Namespace = name, c.namespace
	if err := c.k8s.Delete(ctx, d); err != nil {
		return wrapErr(err, name, c.namespace, "delete deployment")
	}
	return nil
}

// PatchDeploymentReplicas sets spec.replicas on an existing deployment.
func (c *Client) PatchDeploymentReplicas(ctx context.Context, name string, n int32) error {
	d := &appsv1.Deployment{}
	if err := c.k8s.Get(ctx, c.key(name), d); err != nil {
		return wrapErr(err, name, c.namespace, "get deployment")
	}
	before := d.DeepCopy()
	d.Spec.Replicas = &n
	if err := c.k8s.Patch(ctx, d, client.MergeFrom(before)); err != nil {
		return wrapErr(err, name, c.namespace, "patch deployment replicas")
	}
	return nil
}

// CreateService creates spec; spec.Namespace is forced to c.namespace.
func (c *Client) CreateService(ctx context.Context, spec *corev1.Service) error {
	spec.Namespace = c.namespace
	if err := c.k8s.Create(ctx, spec); err != nil {
		return wrapErr(err, spec.Name, c.namespace, "create service")
	}
	return nil
}

// PatchServiceSelector repoints an existing service's pod selector.
func (c *Client) PatchServiceSelector(ctx context.Context, name string, selector map[string]string) error {
	s := &corev1.Service{}
	if err := c.k8s.Get(ctx, c.key(name), s); err != nil {
		return wrapErr(err, name, c.namespace, "get service")
	}
	before := s.DeepCopy()
	s.Spec.Selector = selector
	if err := c.k8s.Patch(ctx, s, client.MergeFrom(before)); err != nil {
		return wrapErr(err, name, c.namespace, "patch service selector")
	}
	return nil
}

// DeleteService deletes name; like DeleteDeployment, an absent service is
// reported as an error marked NotFound.
func (c *Client) DeleteService(ctx context.Context, name string) error {
	s := &corev1.Service{}
	s.Name, s.Namespace = name, c.namespace
	if err := c.k8s.Delete(ctx, s); err != nil {
		return wrapErr(err, name, c.namespace, "delete service")
	}
	return nil
}

// ListDeployments returns every Deployment in the namespace.
func (c *Client) ListDeployments(ctx context.Context) ([]appsv1.Deployment, error) {
	var list appsv1.DeploymentList
	if err := c.k8s.List(ctx, &list, client.InNamespace(c.namespace)); err != nil {
		return nil, wrapErr(err, "", c.namespace, "list deployments")
	}
	return list.Items, nil
}

// ListServices returns every Service in the namespace.
func (c *Client) ListServices(ctx context.Context) ([]corev1.Service, error) {
	var list corev1.ServiceList
	if err := c.k8s.List(ctx, &list, client.InNamespace(c.namespace)); err != nil {
		return nil, wrapErr(err, "", c.namespace, "list services")
	}
	return list.Items, nil
}

// ListPods returns every Pod in the namespace.
func (c *Client) ListPods(ctx context.Context) ([]corev1.Pod, error) {
	var list corev1.PodList
	if err := c.k8s.List(ctx, &list, client.InNamespace(c.namespace)); err != nil {
		return nil, wrapErr(err, "", c.namespace, "list pods")
	}
	return list.Items, nil
}

// podsForSelector returns the pods matching a deployment's selector,
// used by WaitForDeploymentScaledDown.
func (c *Client) podsForSelector(ctx context.Context, selector map[string]string) ([]corev1.Pod, error) {
	var list corev1.PodList
	if err := c.k8s.List(ctx, &list, client.InNamespace(c.namespace), client.MatchingLabels(selector)); err != nil {
		return nil, wrapErr(err, "", c.namespace, "list pods")
	}
	return list.Items, nil
}

// IsDeploymentAvailable reports whether name currently has at least one
// available replica, without waiting. A deployment that does not exist
// yet is reported as unavailable rather than an error, so a status query
// issued mid-provisioning degrades gracefully instead of failing.
func (c *Client) IsDeploymentAvailable(ctx context.Context, name string) (bool, error) {
	d := &appsv1.Deployment{}
	if err := c.k8s.Get(ctx, c.key(name), d); err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, wrapErr(err, name, c.namespace, "get deployment")
	}
	return d.Status.AvailableReplicas > 0, nil
}

// WaitForDeploymentAvailable returns once name reports at least one
// available replica, polling every interval, aborting with Timeout after
// timeout.
func (c *Client) WaitForDeploymentAvailable(ctx context.Context, name string, interval, timeout time.Duration) error {
	logger := log.FromContext(ctx).WithValues("deployment", name, "namespace", c.namespace)
	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, func(ctx context.Context) (bool, error) {
		d := &appsv1.Deployment{}
		if getErr := c.k8s.Get(ctx, c.key(name), d); getErr != nil {
			if apierrors.IsNotFound(getErr) {
				return false, nil
			}
			return false, getErr
		}
		return d.Status.AvailableReplicas > 0, nil
	})
	return c.waitResult(err, name, "deployment availability", logger)
}

// WaitForDeploymentScaledDown returns once no pod of name's deployment
// remains.
func (c *Client) WaitForDeploymentScaledDown(ctx context.Context, name string, selector map[string]string, interval, timeout time.Duration) error {
	logger := log.FromContext(ctx).WithValues("deployment", name, "namespace", c.namespace)
	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, func(ctx context.Context) (bool, error) {
		pods, listErr := c.podsForSelector(ctx, selector)
		if listErr != nil {
			return false, listErr
		}
		return len(pods) == 0, nil
	})
	return c.waitResult(err, name, "deployment scale-down", logger)
}

// WaitForLoadBalancerAddress returns the external address of the first
// ingress point of a LoadBalancer service.
func (c *Client) WaitForLoadBalancerAddress(ctx context.Context, name string, interval, timeout time.Duration) (string, error) {
	logger := log.FromContext(ctx).WithValues("service", name, "namespace", c.namespace)
	var addr string
	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, func(ctx context.Context) (bool, error) {
		s := &corev1.Service{}
		if getErr := c.k8s.Get(ctx, c.key(name), s); getErr != nil {
			if apierrors.IsNotFound(getErr) {
				return false, nil
			}
			return false, getErr
		}
		for _, ing := range s.Status.LoadBalancer.Ingress {
			candidate := ing.IP
			if candidate == "" {
				candidate = ing.Hostname
			}
			if candidate == "" {
				continue
			}
			if net.ParseIP(candidate) == nil && ing.Hostname == "" {
				continue
			}
			addr = candidate
			return true, nil
		}
		return false, nil
	})
	if werr := c.waitResult(err, name, "load balancer address", logger); werr != nil {
		return "", werr
	}
	if addr == "" {
		return "", cperrors.NewNotFound(cperrors.OrchestratorError, name, c.namespace, "load balancer address not found", nil)
	}
	return addr, nil
}

func (c *Client) waitResult(err error, entity, what string, logger interface{ Info(string, ...any) }) error {
	if err == nil {
		return nil
	}
	if err == context.DeadlineExceeded || waitTimedOut(err) {
		return cperrors.New(cperrors.Timeout, entity, c.namespace, fmt.Sprintf("timed out waiting for %s", what), err)
	}
	return cperrors.New(cperrors.OrchestratorError, entity, c.namespace, fmt.Sprintf("error waiting for %s", what), err)
}

func waitTimedOut(err error) bool {
	return wait.Interrupted(err)
}
