// Copyright (C) 2025 vblock authors.
// See LICENSE for copying information.

package journal

import (
	"context"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/vblock/vblock/objstore"
)

// CreateRequest creates the journal metadata object for an image, allocates
// the initial tag and registers the image client. On failure the metadata
// object is removed again and the first error returned.
type CreateRequest struct {
	log   *zap.Logger
	store objstore.Store
	pool  objstore.Pool

	imageID    string
	order      int
	splayWidth int
	poolName   string
	tagClass   uint64
	tagData    TagData
	clientID   string
}

// NewCreateRequest constructs a journal creation sub-request. pool is the
// pool holding the image metadata; poolName optionally names a distinct pool
// for journal data objects.
func NewCreateRequest(log *zap.Logger, store objstore.Store, pool objstore.Pool,
	imageID string, order, splayWidth int, poolName string,
	tagClass uint64, tagData TagData, clientID string) *CreateRequest {
	return &CreateRequest{
		log:   log,
		store: store,
		pool:  pool,

		imageID:    imageID,
		order:      order,
		splayWidth: splayWidth,
		poolName:   poolName,
		tagClass:   tagClass,
		tagData:    tagData,
		clientID:   clientID,
	}
}

// Run executes the sub-request.
func (req *CreateRequest) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if req.splayWidth == 0 {
		return Error.New("splay width must be positive")
	}

	poolID := int64(-1)
	if req.poolName != "" && req.poolName != req.pool.Name() {
		dataPool, err := req.store.OpenPool(ctx, req.poolName)
		if err != nil {
			return err
		}
		poolID = dataPool.ID()
	}

	if err := req.createMetadata(ctx, poolID); err != nil {
		return err
	}
	if err := req.allocateTag(ctx); err != nil {
		req.removeMetadata(ctx)
		return err
	}
	if err := req.registerClient(ctx); err != nil {
		req.removeMetadata(ctx)
		return err
	}
	return nil
}

func (req *CreateRequest) createMetadata(ctx context.Context, poolID int64) error {
	req.log.Debug("creating journal metadata",
		zap.String("image id", req.imageID),
		zap.Int("order", req.order),
		zap.Int("splay width", req.splayWidth),
		zap.Int64("pool id", poolID))

	data, err := cbor.Marshal(Metadata{
		Order:      req.order,
		SplayWidth: req.splayWidth,
		PoolID:     poolID,
	})
	if err != nil {
		return Error.Wrap(err)
	}
	return req.pool.CompareAndSwap(ctx, ObjectName(req.imageID), nil, data)
}

func (req *CreateRequest) allocateTag(ctx context.Context) error {
	return req.update(ctx, func(meta *Metadata) error {
		tagClass := req.tagClass
		if tagClass == TagClassNew {
			tagClass = meta.NextTagClass
			meta.NextTagClass++
		}
		meta.Tags = append(meta.Tags, Tag{
			Tid:      meta.NextTagTid,
			TagClass: tagClass,
			Data:     req.tagData,
		})
		meta.NextTagTid++
		return nil
	})
}

func (req *CreateRequest) registerClient(ctx context.Context) error {
	return req.update(ctx, func(meta *Metadata) error {
		for _, client := range meta.Clients {
			if client.ID == req.clientID {
				return objstore.ErrObjectExists.New("journal client %q", req.clientID)
			}
		}
		meta.Clients = append(meta.Clients, Client{ID: req.clientID})
		return nil
	})
}

func (req *CreateRequest) update(ctx context.Context, fn func(meta *Metadata) error) error {
	return objstore.Update(ctx, req.pool, ObjectName(req.imageID), func(old []byte) ([]byte, error) {
		if old == nil {
			return nil, objstore.ErrObjectNotFound.New("journal for %q", req.imageID)
		}
		var meta Metadata
		if err := cbor.Unmarshal(old, &meta); err != nil {
			return nil, Error.Wrap(err)
		}
		if err := fn(&meta); err != nil {
			return nil, err
		}
		data, err := cbor.Marshal(meta)
		return data, Error.Wrap(err)
	})
}

func (req *CreateRequest) removeMetadata(ctx context.Context) {
	if err := req.pool.Delete(ctx, ObjectName(req.imageID)); err != nil &&
		!objstore.ErrObjectNotFound.Has(err) {
		req.log.Warn("failed to clean up journal metadata",
			zap.String("image id", req.imageID), zap.Error(err))
	}
}
