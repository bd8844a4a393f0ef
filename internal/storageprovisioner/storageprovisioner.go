// Package storageprovisioner implements C2 PersistentStorageProvisioner:
// naming and issuing opaque storage credentials for a shard's access-manager
// store and, separately, for the configuration store. The actual storage
// backend is external to the control plane; this package only computes the
// stable name and hands back a Credentials value the caller threads through
// unchanged.
package storageprovisioner

import (
	"context"
	"fmt"

	"github.com/accessmesh/controlplane/internal/cperrors"
	"github.com/accessmesh/controlplane/internal/model"
)

// Backend is the narrow seam to whatever actually reserves storage: a
// database, a bucket, a volume claim. The control plane only needs a
// name in, credentials out; concrete storage provisioning lives outside
// this module.
type Backend interface {
	Provision(ctx context.Context, name string) (map[string]string, error)
}

// Provisioner is C2.
type Provisioner struct {
	prefix  string
	backend Backend
}

// New builds a Provisioner that prefixes every storage name with prefix
// (may be empty) and delegates actual reservation to backend.
func New(prefix string, backend Backend) *Provisioner {
	return &Provisioner{prefix: prefix, backend: backend}
}

// storageName builds "{prefix}_{element}_{hash}", with negative hashes
// spelled "n" + abs value, and the leading prefix elided when prefix is
// empty.
func storageName(prefix string, element model.DataElement, hash int32) string {
	var h string
	if hash < 0 {
		h = fmt.Sprintf("n%d", -int64(hash))
	} else {
		h = fmt.Sprintf("%d", hash)
	}
	if prefix == "" {
		return fmt.Sprintf("%s_%s", element, h)
	}
	return fmt.Sprintf("%s_%s_%s", prefix, element, h)
}

// CreateAccessManagerStorage provisions the backing store for a shard
// holding element at hashStart.
func (p *Provisioner) CreateAccessManagerStorage(ctx context.Context, element model.DataElement, hashStart int32) (model.Credentials, error) {
	name := storageName(p.prefix, element, hashStart)
	return p.provision(ctx, name)
}

// CreateConfigurationStorage provisions the store backing the instance's
// ShardConfigurationSet. It is not keyed by (element, hash); instanceName
// alone identifies it.
func (p *Provisioner) CreateConfigurationStorage(ctx context.Context, instanceName string) (model.Credentials, error) {
	name := instanceName
	if p.prefix != "" {
		name = p.prefix + "_" + instanceName
	}
	return p.provision(ctx, name)
}

func (p *Provisioner) provision(ctx context.Context, name string) (model.Credentials, error) {
	blob, err := p.backend.Provision(ctx, name)
	if err != nil {
		return model.Credentials{}, cperrors.New(cperrors.StorageError, name, "", "failed to provision storage", err)
	}
	return model.Credentials{Name: name, Blob: blob}, nil
}

// InMemoryBackend is a Backend that hands out deterministic, opaque
// credentials without reserving any real storage: usable both as a test
// double and as the degenerate backend for deployments where the storage
// layer is addressed purely by name (e.g. a shared database resolved at
// connection time by the node itself).
type InMemoryBackend struct {
	// URLTemplate is formatted with the storage name to build the
	// connection URL embedded in the returned credentials, e.g.
	// "postgres://accessmesh/%s".
	URLTemplate string
}

func (b *InMemoryBackend) Provision(_ context.Context, name string) (map[string]string, error) {
	tmpl := b.URLTemplate
	if tmpl == "" {
		tmpl = "storage://%s"
	}
	return map[string]string{
		"name": name,
		"url":  fmt.Sprintf(tmpl, name),
	}, nil
}
