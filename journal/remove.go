// Copyright (C) 2025 vblock authors.
// See LICENSE for copying information.

package journal

import (
	"context"

	"go.uber.org/zap"

	"github.com/vblock/vblock/objstore"
)

// RemoveRequest removes the journal metadata object for an image. A journal
// that was never created is tolerated.
type RemoveRequest struct {
	log  *zap.Logger
	pool objstore.Pool

	imageID  string
	clientID string
}

// NewRemoveRequest constructs a journal removal sub-request.
func NewRemoveRequest(log *zap.Logger, pool objstore.Pool, imageID, clientID string) *RemoveRequest {
	return &RemoveRequest{
		log:  log,
		pool: pool,

		imageID:  imageID,
		clientID: clientID,
	}
}

// Run executes the sub-request.
func (req *RemoveRequest) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	req.log.Debug("removing journal metadata", zap.String("image id", req.imageID))

	err = req.pool.Delete(ctx, ObjectName(req.imageID))
	if objstore.ErrObjectNotFound.Has(err) {
		return nil
	}
	return err
}
