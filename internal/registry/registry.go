// Package registry implements C5 ShardConfigRegistry: the authoritative
// ShardConfigurationSet and its durable write-through. Persistence is a
// single ConfigMap per instance, following the ConfigMap-as-durable-store
// pattern and conflict-retry idiom from the eni-tagger cache persister
// (k8s.io/client-go/util/retry), generalized from a sharded cache snapshot
// to one small routing table.
package registry

import (
	"context"
	"encoding/json"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/accessmesh/controlplane/internal/cperrors"
	"github.com/accessmesh/controlplane/internal/model"
)

const configMapDataKey = "shardConfigurationSet.json"

// Registry is C5. It is namespace-scoped only: the ConfigMap name is the
// instance's configuration storage credentials name, handed in per call,
// since that name may not exist yet the first time an instance is created.
type Registry struct {
	k8s       client.Client
	namespace string
}

// New builds a Registry scoped to namespace.
func New(k8s client.Client, namespace string) *Registry {
	return &Registry{k8s: k8s, namespace: namespace}
}

// Read returns the currently persisted ShardConfigurationSet for creds, or
// an empty set if the backing ConfigMap does not exist yet.
func (r *Registry) Read(ctx context.Context, creds model.Credentials) (model.ShardConfigurationSet, error) {
	cm := &corev1.ConfigMap{}
	key := client.ObjectKey{Namespace: r.namespace, Name: creds.Name}
	if err := r.k8s.Get(ctx, key, cm); err != nil {
		if apierrors.IsNotFound(err) {
			return model.ShardConfigurationSet{}, nil
		}
		return model.ShardConfigurationSet{}, cperrors.New(cperrors.StorageError, creds.Name, r.namespace, "failed to read shard configuration", err)
	}
	raw, ok := cm.Data[configMapDataKey]
	if !ok {
		return model.ShardConfigurationSet{}, nil
	}
	var set model.ShardConfigurationSet
	if err := json.Unmarshal([]byte(raw), &set); err != nil {
		return model.ShardConfigurationSet{}, cperrors.New(cperrors.StorageError, creds.Name, r.namespace, "failed to decode shard configuration", err)
	}
	return set, nil
}

// Write persists set under creds. When overwrite is false and a set is
// already persisted, Write fails with InvalidState rather than clobbering
// it.
func (r *Registry) Write(ctx context.Context, creds model.Credentials, set model.ShardConfigurationSet, overwrite bool) error {
	if !overwrite {
		existing, err := r.Read(ctx, creds)
		if err != nil {
			return err
		}
		if len(existing.Entries) > 0 {
			return cperrors.New(cperrors.InvalidState, creds.Name, r.namespace, "shard configuration already exists and overwrite=false", nil)
		}
	}

	encoded, err := json.Marshal(set)
	if err != nil {
		return cperrors.New(cperrors.StorageError, creds.Name, r.namespace, "failed to encode shard configuration", err)
	}

	retryErr := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		cm := &corev1.ConfigMap{}
		key := client.ObjectKey{Namespace: r.namespace, Name: creds.Name}
		err := r.k8s.Get(ctx, key, cm)
		if err != nil {
			if !apierrors.IsNotFound(err) {
				return err
			}
			cm = &corev1.ConfigMap{
				ObjectMeta: metav1.ObjectMeta{Name: creds.Name, Namespace: r.namespace},
				Data:       map[string]string{configMapDataKey: string(encoded)},
			}
			return r.k8s.Create(ctx, cm)
		}
		if cm.Data == nil {
			cm.Data = map[string]string{}
		}
		cm.Data[configMapDataKey] = string(encoded)
		return r.k8s.Update(ctx, cm)
	})
	if retryErr != nil {
		return cperrors.New(cperrors.StorageError, creds.Name, r.namespace, "failed to persist shard configuration", retryErr)
	}
	return nil
}

// NextEntryID returns the ID the caller should assign to the next entry
// written into set; ids are never reused.
func NextEntryID(set model.ShardConfigurationSet) int64 {
	return set.MaxID() + 1
}

// BuildSet derives the full ShardConfigurationSet from the three element
// lists of ShardGroupConfig: two entries per group, one per Operation,
// with ids assigned sequentially from zero.
func BuildSet(cfg *model.InstanceConfiguration) model.ShardConfigurationSet {
	var set model.ShardConfigurationSet
	nextID := int64(0)
	for _, element := range []model.DataElement{model.DataElementUser, model.DataElementGroupToGroupMapping, model.DataElementGroup} {
		for _, g := range cfg.ShardGroupsFor(element) {
			set.Entries = append(set.Entries,
				model.ShardConfigurationEntry{ID: nextID, DataElement: element, Operation: model.OperationQuery, HashRangeStart: g.HashRangeStart, ClientCfg: g.ReaderClientCfg},
				model.ShardConfigurationEntry{ID: nextID + 1, DataElement: element, Operation: model.OperationEvent, HashRangeStart: g.HashRangeStart, ClientCfg: g.WriterClientCfg},
			)
			nextID += 2
		}
	}
	return set
}
