package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pixyz/scheduler/pkg/types"
)

var (
	metaBucket  = []byte("task_meta")
	chordBucket = []byte("chords")
)

// Bolt is the embedded backend for single-node deployments and tests. It
// keeps the same semantics as the redis backend; state-change notifications
// are in-process only.
type Bolt struct {
	db *bolt.DB

	mu   sync.Mutex
	subs map[string][]chan types.Status
}

type boltChordState struct {
	Total  int  `json:"total"`
	Done   int  `json:"done"`
	Failed bool `json:"failed"`
}

// NewBolt opens (or creates) the database file at path
func NewBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{metaBucket, chordBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &Bolt{db: db, subs: make(map[string][]chan types.Status)}, nil
}

func (b *Bolt) Put(_ context.Context, meta *types.TaskMeta) error {
	var stored bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(metaBucket)
		old, err := decodeMeta(bucket.Get([]byte(meta.TaskID)))
		if err != nil {
			return err
		}
		if !allowPut(old, meta) {
			return nil
		}
		stored = true
		return putMeta(bucket, meta)
	})
	if err == nil && stored {
		b.notify(meta.TaskID, meta.Status)
	}
	return err
}

func (b *Bolt) Get(_ context.Context, taskID string) (*types.TaskMeta, error) {
	var meta *types.TaskMeta
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		meta, err = decodeMeta(tx.Bucket(metaBucket).Get([]byte(taskID)))
		return err
	})
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, types.ErrTaskNotFound
	}
	return meta, nil
}

func (b *Bolt) SetState(_ context.Context, taskID string, patch Patch) error {
	var next *types.TaskMeta
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(metaBucket)
		old, err := decodeMeta(bucket.Get([]byte(taskID)))
		if err != nil {
			return err
		}
		next = mergeMeta(old, taskID, patch)
		if next == nil {
			return nil
		}
		return putMeta(bucket, next)
	})
	if err == nil && next != nil {
		b.notify(taskID, next.Status)
	}
	return err
}

func (b *Bolt) ListTaskIDs(_ context.Context) ([]string, error) {
	var ids []string
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

func (b *Bolt) Delete(_ context.Context, taskID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Delete([]byte(taskID))
	})
}

func (b *Bolt) Subscribe(ctx context.Context, taskID string) (<-chan types.Status, func(), error) {
	ch := make(chan types.Status, subscribeBuffered)
	b.mu.Lock()
	b.subs[taskID] = append(b.subs[taskID], ch)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[taskID]
			for i, c := range subs {
				if c == ch {
					b.subs[taskID] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			close(ch)
		})
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel, nil
}

func (b *Bolt) notify(taskID string, status types.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[taskID] {
		select {
		case ch <- status:
		default:
		}
	}
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) InitChord(_ context.Context, groupID string, total int) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(boltChordState{Total: total})
		if err != nil {
			return err
		}
		return tx.Bucket(chordBucket).Put([]byte(groupID), data)
	})
}

func (b *Bolt) ChildDone(_ context.Context, groupID string, failed bool) (int, bool, error) {
	var remaining int
	var anyFailed bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(chordBucket)
		data := bucket.Get([]byte(groupID))
		if data == nil {
			return fmt.Errorf("%w: chord %s", types.ErrTaskNotFound, groupID)
		}
		var state boltChordState
		if err := json.Unmarshal(data, &state); err != nil {
			return fmt.Errorf("failed to decode chord state: %w", err)
		}
		state.Done++
		state.Failed = state.Failed || failed
		remaining = state.Total - state.Done
		if remaining < 0 {
			remaining = 0
		}
		anyFailed = state.Failed
		next, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(groupID), next)
	})
	return remaining, anyFailed, err
}

func (b *Bolt) ForgetChord(_ context.Context, groupID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(chordBucket).Delete([]byte(groupID))
	})
}

func putMeta(bucket *bolt.Bucket, meta *types.TaskMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode task meta: %w", err)
	}
	return bucket.Put([]byte(meta.TaskID), data)
}

func decodeMeta(data []byte) (*types.TaskMeta, error) {
	if data == nil {
		return nil, nil
	}
	var meta types.TaskMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode task meta: %w", err)
	}
	return &meta, nil
}
