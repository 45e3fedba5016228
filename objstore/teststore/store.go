// Copyright (C) 2025 vblock authors.
// See LICENSE for copying information.

// Package teststore implements an in-memory object store.
package teststore

import (
	"context"
	"sort"
	"sync"

	"github.com/vblock/vblock/objstore"
)

// Client implements an in-memory objstore.Store with any number of pools.
type Client struct {
	mu    sync.Mutex
	pools map[string]*Pool
	// Fail, when set, is consulted before every operation and its non-nil
	// result is returned instead of performing the operation. op is one of
	// "open-pool", "stat", "create", "get", "put", "cas", "delete",
	// "snap-create", "snap-remove".
	Fail func(op, pool, object string) error

	nextPoolID int64
}

// New creates a new in-memory object store.
func New() *Client {
	return &Client{pools: map[string]*Pool{}}
}

// AddPool creates a pool with the next free pool id.
func (client *Client) AddPool(name string) *Pool {
	client.mu.Lock()
	defer client.mu.Unlock()

	pool := &Pool{
		client:           client,
		name:             name,
		id:               client.nextPoolID,
		SnapshotsEnabled: true,
		snaps:            map[uint64]bool{},
	}
	client.nextPoolID++
	client.pools[name] = pool
	return pool
}

// OpenPool opens a previously added pool.
func (client *Client) OpenPool(ctx context.Context, name string) (objstore.Pool, error) {
	if err := client.fail("open-pool", name, ""); err != nil {
		return nil, err
	}

	client.mu.Lock()
	defer client.mu.Unlock()

	pool, ok := client.pools[name]
	if !ok {
		return nil, objstore.ErrPoolNotFound.New("%q", name)
	}
	return pool, nil
}

// Snapshot returns a deep copy of the contents of every pool, keyed by pool
// name and object name.
func (client *Client) Snapshot() map[string]map[string][]byte {
	client.mu.Lock()
	defer client.mu.Unlock()

	dump := map[string]map[string][]byte{}
	for name, pool := range client.pools {
		objects := map[string][]byte{}
		for _, item := range pool.items {
			objects[item.object] = append([]byte(nil), item.data...)
		}
		dump[name] = objects
	}
	return dump
}

func (client *Client) fail(op, pool, object string) error {
	if client.Fail != nil {
		return client.Fail(op, pool, object)
	}
	return nil
}

type item struct {
	object string
	data   []byte
}

// Pool implements an in-memory objstore.Pool.
type Pool struct {
	client *Client
	name   string
	id     int64

	// SnapshotsEnabled controls whether self-managed snapshot allocation is
	// permitted on this pool.
	SnapshotsEnabled bool

	items    []item
	version  int
	snaps    map[uint64]bool
	nextSnap uint64

	CallCount struct {
		Stat       int
		Create     int
		Get        int
		Put        int
		CAS        int
		Delete     int
		SnapCreate int
		SnapRemove int
	}
}

// Name returns the pool name.
func (pool *Pool) Name() string { return pool.name }

// ID returns the numeric pool id.
func (pool *Pool) ID() int64 { return pool.id }

// Version increments on every mutation; cheap change detection for tests.
func (pool *Pool) Version() int {
	pool.client.mu.Lock()
	defer pool.client.mu.Unlock()
	return pool.version
}

// indexOf finds the index of object or where it could be inserted.
func (pool *Pool) indexOf(object string) (int, bool) {
	i := sort.Search(len(pool.items), func(k int) bool {
		return pool.items[k].object >= object
	})

	if i >= len(pool.items) {
		return i, false
	}
	return i, pool.items[i].object == object
}

// Stat probes for object existence.
func (pool *Pool) Stat(ctx context.Context, object string) error {
	if err := pool.client.fail("stat", pool.name, object); err != nil {
		return err
	}

	pool.client.mu.Lock()
	defer pool.client.mu.Unlock()
	pool.CallCount.Stat++

	if _, found := pool.indexOf(object); !found {
		return objstore.ErrObjectNotFound.New("%q", object)
	}
	return nil
}

// Create creates an empty object.
func (pool *Pool) Create(ctx context.Context, object string, exclusive bool) error {
	if err := pool.client.fail("create", pool.name, object); err != nil {
		return err
	}

	pool.client.mu.Lock()
	defer pool.client.mu.Unlock()
	pool.CallCount.Create++

	if object == "" {
		return objstore.ErrEmptyName.New("create")
	}

	keyIndex, found := pool.indexOf(object)
	if found {
		if exclusive {
			return objstore.ErrObjectExists.New("%q", object)
		}
		return nil
	}

	pool.insert(keyIndex, object, nil)
	return nil
}

// Get reads the full contents of an object.
func (pool *Pool) Get(ctx context.Context, object string) ([]byte, error) {
	if err := pool.client.fail("get", pool.name, object); err != nil {
		return nil, err
	}

	pool.client.mu.Lock()
	defer pool.client.mu.Unlock()
	pool.CallCount.Get++

	keyIndex, found := pool.indexOf(object)
	if !found {
		return nil, objstore.ErrObjectNotFound.New("%q", object)
	}
	return append([]byte(nil), pool.items[keyIndex].data...), nil
}

// Put replaces the full contents of an object, creating it if needed.
func (pool *Pool) Put(ctx context.Context, object string, data []byte) error {
	if err := pool.client.fail("put", pool.name, object); err != nil {
		return err
	}

	pool.client.mu.Lock()
	defer pool.client.mu.Unlock()
	pool.CallCount.Put++

	if object == "" {
		return objstore.ErrEmptyName.New("put")
	}

	keyIndex, found := pool.indexOf(object)
	if found {
		pool.version++
		pool.items[keyIndex].data = append([]byte(nil), data...)
		return nil
	}

	pool.insert(keyIndex, object, data)
	return nil
}

// CompareAndSwap atomically replaces oldValue with newValue.
func (pool *Pool) CompareAndSwap(ctx context.Context, object string, oldValue, newValue []byte) error {
	if err := pool.client.fail("cas", pool.name, object); err != nil {
		return err
	}

	pool.client.mu.Lock()
	defer pool.client.mu.Unlock()
	pool.CallCount.CAS++

	if object == "" {
		return objstore.ErrEmptyName.New("compare and swap")
	}

	keyIndex, found := pool.indexOf(object)
	if oldValue == nil {
		if found {
			return objstore.ErrObjectExists.New("%q", object)
		}
		pool.insert(keyIndex, object, newValue)
		return nil
	}

	if !found {
		return objstore.ErrObjectNotFound.New("%q", object)
	}
	if string(pool.items[keyIndex].data) != string(oldValue) {
		return objstore.ErrValueChanged.New("%q", object)
	}

	pool.version++
	pool.items[keyIndex].data = append([]byte(nil), newValue...)
	return nil
}

// Delete removes an object.
func (pool *Pool) Delete(ctx context.Context, object string) error {
	if err := pool.client.fail("delete", pool.name, object); err != nil {
		return err
	}

	pool.client.mu.Lock()
	defer pool.client.mu.Unlock()
	pool.CallCount.Delete++

	keyIndex, found := pool.indexOf(object)
	if !found {
		return objstore.ErrObjectNotFound.New("%q", object)
	}

	pool.version++
	copy(pool.items[keyIndex:], pool.items[keyIndex+1:])
	pool.items = pool.items[:len(pool.items)-1]
	return nil
}

// SelfManagedSnapCreate allocates a client-managed snapshot id.
func (pool *Pool) SelfManagedSnapCreate(ctx context.Context) (uint64, error) {
	if err := pool.client.fail("snap-create", pool.name, ""); err != nil {
		return 0, err
	}

	pool.client.mu.Lock()
	defer pool.client.mu.Unlock()
	pool.CallCount.SnapCreate++

	if !pool.SnapshotsEnabled {
		return 0, objstore.ErrSnapshotMode.New("pool %q", pool.name)
	}

	pool.nextSnap++
	pool.snaps[pool.nextSnap] = true
	return pool.nextSnap, nil
}

// SelfManagedSnapRemove releases a previously allocated snapshot id.
func (pool *Pool) SelfManagedSnapRemove(ctx context.Context, id uint64) error {
	if err := pool.client.fail("snap-remove", pool.name, ""); err != nil {
		return err
	}

	pool.client.mu.Lock()
	defer pool.client.mu.Unlock()
	pool.CallCount.SnapRemove++

	if !pool.snaps[id] {
		return objstore.ErrObjectNotFound.New("snapshot %d", id)
	}
	delete(pool.snaps, id)
	return nil
}

func (pool *Pool) insert(keyIndex int, object string, data []byte) {
	pool.version++
	pool.items = append(pool.items, item{})
	copy(pool.items[keyIndex+1:], pool.items[keyIndex:])
	pool.items[keyIndex] = item{
		object: object,
		data:   append([]byte(nil), data...),
	}
}
