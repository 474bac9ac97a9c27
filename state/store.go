package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// DefaultTTL is how long snapshots and checkpoints survive after their last
// write. Must stay at or above one hour so parents waiting on long-running
// children can still resume.
const DefaultTTL = 2 * time.Hour

// ErrNotFound is returned when a key is absent or has expired.
var ErrNotFound = errors.New("state: not found")

// BlobStore is a keyed blob store with TTL. Both checkpointing flavors
// (ephemeral sub-workflow waits, durable conversation memory) reduce to this
// one abstraction; callers supply the key scheme.
type BlobStore interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// KV key segments may not contain ':'; the dot plays the separator role the
// external "exec:{id}:{node}" scheme describes.
func runKey(executionID string) string {
	return "run." + executionID
}

func checkpointKey(executionID, nodeID string) string {
	return "exec." + executionID + "." + nodeID
}

func threadKey(threadID string) string {
	return "thread." + threadID
}

// Checkpoint is the compact resumption record written when a node interrupts
// for a sub-workflow. It carries everything the component needs to continue:
// the full state snapshot, the pending child, and any partial output the
// component produced before interrupting.
type Checkpoint struct {
	NodeID         string          `json:"node_id"`
	State          *ExecutionState `json:"state"`
	PendingChildID string          `json:"pending_child_id"`
	PartialOutput  map[string]any  `json:"partial_output,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Store wraps a BlobStore with the execution-engine key schemes.
type Store struct {
	blobs BlobStore
}

// NewStore creates a Store over any blob backend.
func NewStore(blobs BlobStore) *Store {
	return &Store{blobs: blobs}
}

// SaveSnapshot serializes the live state under the execution's run key.
func (s *Store) SaveSnapshot(ctx context.Context, st *ExecutionState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state snapshot: %w", err)
	}
	if err := s.blobs.Put(ctx, runKey(st.ExecutionID), data); err != nil {
		return fmt.Errorf("save state snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot restores the state of an execution, rebuilding the message
// dedupe index.
func (s *Store) LoadSnapshot(ctx context.Context, executionID string) (*ExecutionState, error) {
	data, err := s.blobs.Get(ctx, runKey(executionID))
	if err != nil {
		return nil, err
	}
	st := new(ExecutionState)
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("unmarshal state snapshot: %w", err)
	}
	st.rebuildSeen()
	return st, nil
}

// DeleteSnapshot drops an execution's snapshot; TTL would reclaim it anyway.
func (s *Store) DeleteSnapshot(ctx context.Context, executionID string) error {
	return s.blobs.Delete(ctx, runKey(executionID))
}

// SaveCheckpoint writes the resumption checkpoint for an interrupted node.
func (s *Store) SaveCheckpoint(ctx context.Context, executionID string, cp *Checkpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := s.blobs.Put(ctx, checkpointKey(executionID, cp.NodeID), data); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint retrieves a node's resumption checkpoint. A missing entry
// surfaces as ErrNotFound; the caller maps it to CHECKPOINT_LOST.
func (s *Store) LoadCheckpoint(ctx context.Context, executionID, nodeID string) (*Checkpoint, error) {
	data, err := s.blobs.Get(ctx, checkpointKey(executionID, nodeID))
	if err != nil {
		return nil, err
	}
	cp := new(Checkpoint)
	if err := json.Unmarshal(data, cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	if cp.State != nil {
		cp.State.rebuildSeen()
	}
	return cp, nil
}

// DeleteCheckpoint removes a consumed checkpoint.
func (s *Store) DeleteCheckpoint(ctx context.Context, executionID, nodeID string) error {
	return s.blobs.Delete(ctx, checkpointKey(executionID, nodeID))
}

// SaveThreadHistory persists the conversation tail for a thread so later
// executions with the same thread_id continue the conversation.
func (s *Store) SaveThreadHistory(ctx context.Context, threadID string, msgs []Message) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("marshal thread history: %w", err)
	}
	if err := s.blobs.Put(ctx, threadKey(threadID), data); err != nil {
		return fmt.Errorf("save thread history: %w", err)
	}
	return nil
}

// LoadThreadHistory returns the stored conversation for a thread, or nil when
// none exists.
func (s *Store) LoadThreadHistory(ctx context.Context, threadID string) ([]Message, error) {
	data, err := s.blobs.Get(ctx, threadKey(threadID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("unmarshal thread history: %w", err)
	}
	return msgs, nil
}

// ---------------------------------------------------------------------------
// JetStream KV backend
// ---------------------------------------------------------------------------

// KVStore is the JetStream KV implementation of BlobStore. The bucket TTL
// garbage-collects snapshots shortly after executions reach terminal status.
type KVStore struct {
	bucket jetstream.KeyValue
}

// NewKVStore creates or updates the backing bucket with the given TTL.
// CreateOrUpdateKeyValue is idempotent and handles race conditions.
func NewKVStore(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration) (*KVStore, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Pipelit execution state snapshots and checkpoints",
		TTL:         ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}
	return &KVStore{bucket: kv}, nil
}

// Put stores a value.
func (s *KVStore) Put(ctx context.Context, key string, value []byte) error {
	if _, err := s.bucket.Put(ctx, key, value); err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

// Get retrieves a value, mapping key-not-found to ErrNotFound.
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := s.bucket.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return entry.Value(), nil
}

// Delete removes a key; deleting an absent key is not an error.
func (s *KVStore) Delete(ctx context.Context, key string) error {
	if err := s.bucket.Delete(ctx, key); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return nil
		}
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// In-memory backend
// ---------------------------------------------------------------------------

// MemStore is a map-backed BlobStore for tests and the embedded single
// process mode. TTL is not enforced; nothing in the engine depends on
// eviction for correctness, only for reclamation.
type MemStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemStore creates an empty in-memory blob store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

// Put stores a copy of the value.
func (s *MemStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[key] = cp
	return nil
}

// Get retrieves a value.
func (s *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

// Delete removes a key.
func (s *MemStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

var _ BlobStore = (*KVStore)(nil)
var _ BlobStore = (*MemStore)(nil)
