package split

import (
	"context"
	"sort"
	"sync"

	"github.com/accessmesh/controlplane/internal/model"
)

// InMemoryEventCopier is an EventCopier that copies between two named,
// process-local event logs rather than a real backing store, the same
// degenerate-backend treatment storageprovisioner.InMemoryBackend gives C2,
// usable both as a test double and as the default wiring for deployments
// where events live in a shared store addressed purely by credentials name.
type InMemoryEventCopier struct {
	mu    sync.Mutex
	store map[string]map[string][]byte
}

// NewInMemoryEventCopier builds an InMemoryEventCopier with no events. Seed
// writes to it through Put before a split runs.
func NewInMemoryEventCopier() *InMemoryEventCopier {
	return &InMemoryEventCopier{store: make(map[string]map[string][]byte)}
}

// Put records one event under creds' log, keyed by key.
func (c *InMemoryEventCopier) Put(creds model.Credentials, key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	log, ok := c.store[creds.Name]
	if !ok {
		log = make(map[string][]byte)
		c.store[creds.Name] = log
	}
	log[key] = value
}

// CopyBatch implements split.EventCopier: it copies up to batchSize keys
// (sorted for determinism across calls) from sourceCreds' log to
// targetCreds' log that pass keyFilter, deleting each copied key from the
// source so a second call naturally resumes from where the first left off.
func (c *InMemoryEventCopier) CopyBatch(_ context.Context, sourceCreds, targetCreds model.Credentials, batchSize int, keyFilter func(key string) bool) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	source := c.store[sourceCreds.Name]
	if len(source) == 0 {
		return 0, false, nil
	}
	keys := make([]string, 0, len(source))
	for k := range source {
		if keyFilter == nil || keyFilter(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	target, ok := c.store[targetCreds.Name]
	if !ok {
		target = make(map[string][]byte)
		c.store[targetCreds.Name] = target
	}

	copied := 0
	for _, k := range keys {
		if copied >= batchSize {
			break
		}
		target[k] = source[k]
		delete(source, k)
		copied++
	}

	remaining := 0
	for k := range source {
		if keyFilter == nil || keyFilter(k) {
			remaining++
		}
	}
	return copied, remaining > 0, nil
}
