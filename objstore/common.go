// Copyright (C) 2025 vblock authors.
// See LICENSE for copying information.

// Package objstore defines the client interface to the distributed object
// store: named objects grouped into pools, atomic per-object updates and
// self-managed snapshot allocation.
package objstore

import (
	"context"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var mon = monkit.Package()

var (
	// Error is the default error class for object store failures.
	Error = errs.Class("objstore")

	// ErrPoolNotFound is returned when opening a pool that does not exist.
	ErrPoolNotFound = errs.Class("pool not found")

	// ErrObjectNotFound is returned when an object does not exist.
	ErrObjectNotFound = errs.Class("object not found")

	// ErrObjectExists is returned by an exclusive create when the object
	// already exists.
	ErrObjectExists = errs.Class("object already exists")

	// ErrValueChanged is returned when the current value of the object does
	// not match the old value in CompareAndSwap.
	ErrValueChanged = errs.Class("value changed")

	// ErrEmptyName is returned when an empty object name is used.
	ErrEmptyName = errs.Class("empty object name")

	// ErrSnapshotMode is returned when a pool is not configured for
	// self-managed snapshot allocation.
	ErrSnapshotMode = errs.Class("self-managed snapshots disabled")
)

// Store is a handle to the object store cluster.
type Store interface {
	// OpenPool opens the named pool. It fails with ErrPoolNotFound when the
	// pool does not exist.
	OpenPool(ctx context.Context, name string) (Pool, error)
}

// Pool addresses named objects inside a single pool. Every call delivers
// exactly one completion; mutations on a single object are atomic inside the
// store.
type Pool interface {
	// Name returns the pool name.
	Name() string
	// ID returns the numeric pool id.
	ID() int64

	// Stat probes for object existence.
	Stat(ctx context.Context, object string) error
	// Create creates an empty object. With exclusive set it fails with
	// ErrObjectExists when the object is already present.
	Create(ctx context.Context, object string, exclusive bool) error
	// Get reads the full contents of an object.
	Get(ctx context.Context, object string) ([]byte, error)
	// Put replaces the full contents of an object, creating it if needed.
	Put(ctx context.Context, object string, data []byte) error
	// CompareAndSwap atomically replaces oldValue with newValue. A nil
	// oldValue asserts the object does not exist, in which case a conflict
	// reports ErrObjectExists rather than ErrValueChanged.
	CompareAndSwap(ctx context.Context, object string, oldValue, newValue []byte) error
	// Delete removes an object.
	Delete(ctx context.Context, object string) error

	// SelfManagedSnapCreate allocates a client-managed snapshot id,
	// switching the pool into self-managed snapshot mode.
	SelfManagedSnapCreate(ctx context.Context) (uint64, error)
	// SelfManagedSnapRemove releases a previously allocated snapshot id.
	SelfManagedSnapRemove(ctx context.Context, id uint64) error
}

// Update applies fn to the current contents of the object and swaps the
// result in atomically, retrying while other writers race. fn receives nil
// when the object does not exist; returning the input unchanged is allowed
// and still performs a swap.
func Update(ctx context.Context, pool Pool, object string, fn func(old []byte) ([]byte, error)) (err error) {
	defer mon.Task()(&ctx)(&err)

	for {
		old, err := pool.Get(ctx, object)
		switch {
		case err == nil:
			if old == nil {
				// an existing but empty object must not look like a
				// non-existence assertion to CompareAndSwap
				old = []byte{}
			}
		case ErrObjectNotFound.Has(err):
			old = nil
		default:
			return err
		}

		updated, err := fn(old)
		if err != nil {
			return err
		}

		err = pool.CompareAndSwap(ctx, object, old, updated)
		if ErrValueChanged.Has(err) || (old == nil && ErrObjectExists.Has(err)) {
			continue
		}
		return err
	}
}
