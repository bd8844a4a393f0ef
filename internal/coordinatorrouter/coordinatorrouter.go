// Package coordinatorrouter implements C9: the stateless per-replica
// routing layer in front of a sharded instance. It holds no durable state
// of its own; it periodically refreshes a cached ShardConfigurationSet
// from C5 and, for each incoming operation, hashes the key, looks up the
// owning entry, and forwards. Fan-out queries visit every entry for an
// (element, operation) pair concurrently and union the results, following
// the same fan-out/merge shape as the GoSearch coordinator: a thin
// ShardClient abstraction the router fans requests out to, with
// collection kept separate from transport.
package coordinatorrouter

import (
	"context"
	"sync"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/accessmesh/controlplane/internal/cperrors"
	"github.com/accessmesh/controlplane/internal/model"
	"github.com/accessmesh/controlplane/internal/registry"
)

// Request is an opaque operation to forward to whichever shard owns Key.
// Body is passed through verbatim to ShardClient; the router never
// inspects it.
type Request struct {
	Element   model.DataElement
	Operation model.Operation
	Key       string
	Body      []byte
}

// Response is an opaque result returned by a shard.
type Response struct {
	Body []byte
}

// ShardClient forwards a Request to the shard addressed by target.
type ShardClient interface {
	Forward(ctx context.Context, target model.ClientConfig, req Request) (Response, error)
}

// Router is C9. One Router exists per coordinator replica; replicas share
// no state with each other beyond the ShardConfigurationSet they each poll
// independently from C5.
type Router struct {
	reg    *registry.Registry
	creds  model.Credentials
	client ShardClient

	refreshInterval time.Duration

	mu      sync.RWMutex
	current model.ShardConfigurationSet
}

// New builds a Router reading creds' ShardConfigurationSet from reg every
// refreshInterval.
func New(reg *registry.Registry, creds model.Credentials, client ShardClient, refreshInterval time.Duration) *Router {
	return &Router{reg: reg, creds: creds, client: client, refreshInterval: refreshInterval}
}

// Refresh reads the current ShardConfigurationSet from C5 once, replacing
// the cached copy. Safe to call concurrently with Route/FanOut.
func (r *Router) Refresh(ctx context.Context) error {
	set, err := r.reg.Read(ctx, r.creds)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.current = set
	r.mu.Unlock()
	return nil
}

// Run blocks, refreshing on refreshInterval until ctx is done. Callers
// typically run it in its own goroutine per coordinator replica. The
// first refresh happens synchronously before Run returns any error, so a
// caller can tell whether the initial read succeeded.
func (r *Router) Run(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		return err
	}
	logger := log.FromContext(ctx)
	ticker := time.NewTicker(r.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				logger.Error(err, "coordinator router refresh failed, serving stale configuration")
			}
		}
	}
}

func (r *Router) snapshot() model.ShardConfigurationSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Route resolves req's owning entry by hashing req.Key and forwards to it.
// An unresolvable key (no entry covers its hash range) is InvalidArgument:
// the routing table is well-formed by construction, so a miss means the
// caller supplied a key for an element/operation the instance never
// provisioned.
func (r *Router) Route(ctx context.Context, req Request) (Response, error) {
	keyHash := model.HashKey(req.Key)
	entry, ok := r.snapshot().Lookup(req.Element, req.Operation, keyHash)
	if !ok {
		return Response{}, cperrors.New(cperrors.InvalidArgument, string(req.Element), "", "no shard covers the routed key's hash range", nil)
	}
	return r.client.Forward(ctx, entry.ClientCfg, req)
}

// FanOut sends req to every entry for (element, operation), unions the
// responses, and returns them in HashRangeStart order. As with the
// shard-group lifecycle's parallel joins, the first arm to fail
// cancels the rest and its error is reported; a ServiceUnavailable from
// any shard is never retried, so a paused shard (e.g. mid-split) fails
// the whole fan-out immediately rather than holding every other arm open.
func (r *Router) FanOut(ctx context.Context, element model.DataElement, operation model.Operation, req Request) ([]Response, error) {
	entries := r.snapshot().EntriesFor(element, operation)
	if len(entries) == 0 {
		return nil, cperrors.New(cperrors.InvalidArgument, string(element), "", "no shards provisioned for this element/operation", nil)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		index int
		resp  Response
		err   error
	}
	results := make(chan result, len(entries))
	var wg sync.WaitGroup
	for i, entry := range entries {
		wg.Add(1)
		go func(i int, entry model.ShardConfigurationEntry) {
			defer wg.Done()
			resp, err := r.client.Forward(ctx, entry.ClientCfg, req)
			results <- result{index: i, resp: resp, err: err}
		}(i, entry)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	out := make([]Response, len(entries))
	var firstErr error
	for res := range results {
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
				cancel()
			}
			continue
		}
		out[res.index] = res.resp
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}
