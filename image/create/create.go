// Copyright (C) 2025 vblock authors.
// See LICENSE for copying information.

// Package create implements the image creation state machine: a forward
// sequence of store operations with a matching cleanup sequence that runs in
// reverse from the first failure, so a failed creation leaves the pool as it
// was found.
package create

import (
	"context"
	"sync"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"storj.io/common/uuid"

	"github.com/vblock/vblock/image"
	"github.com/vblock/vblock/imagemeta"
	"github.com/vblock/vblock/journal"
	"github.com/vblock/vblock/mirror"
	"github.com/vblock/vblock/objstore"
)

var mon = monkit.Package()

// Error is the default error class for image creation failures.
var Error = errs.Class("image create")

// Params carries the caller-supplied arguments of one creation.
type Params struct {
	// Name is the image name, unique within the pool directory.
	Name string
	// ID is the caller-allocated, globally unique image id.
	ID string
	// Size is the logical image size in bytes.
	Size uint64
	// Options are the sparse creation options resolved against the
	// configured defaults.
	Options image.Options

	// NonPrimaryGlobalImageID, when set, marks this creation as the local
	// replica of a remote primary image and is recorded as the global mirror
	// id. Requires journaling.
	NonPrimaryGlobalImageID string
	// PrimaryMirrorUUID is the journal tag owner when
	// NonPrimaryGlobalImageID is set.
	PrimaryMirrorUUID string

	// Watcher optionally receives the best-effort image-updated
	// notification after mirroring is enabled.
	Watcher mirror.Watcher
}

// Request is a single image creation. A Request must not be reused.
type Request struct {
	log   *zap.Logger
	store objstore.Store
	pool  objstore.Pool
	meta  *imagemeta.Store

	config image.Config
	params Params
	spec   image.Spec

	mirrorMode  mirror.Mode
	mirrorImage mirror.Image

	savedErr error
	doneOnce sync.Once
}

// New constructs a creation request, resolving the options against config.
func New(log *zap.Logger, store objstore.Store, pool objstore.Pool, config image.Config, params Params) *Request {
	spec := image.Resolve(config, params.Options, params.Name, params.ID, params.Size,
		pool.Name(), params.NonPrimaryGlobalImageID, params.PrimaryMirrorUUID)

	log.Debug("create image",
		zap.String("name", spec.Name),
		zap.String("id", spec.ID),
		zap.Uint64("size", spec.Size),
		zap.String("features", image.FeatureNames(spec.Features)),
		zap.Int("order", spec.Order),
		zap.Uint64("stripe unit", spec.StripeUnit),
		zap.Uint64("stripe count", spec.StripeCount),
		zap.Int("journal order", spec.JournalOrder),
		zap.Int("journal splay width", spec.JournalSplayWidth),
		zap.String("journal pool", spec.JournalPool),
		zap.String("data pool", spec.DataPool))

	return &Request{
		log:   log,
		store: store,
		pool:  pool,
		meta:  imagemeta.New(log, pool),

		config: config,
		params: params,
		spec:   spec,
	}
}

// Create runs a creation request synchronously. A nil error means every
// artifact of the image exists; otherwise the first failure is returned and
// the pool has been restored on a best effort basis.
func Create(ctx context.Context, log *zap.Logger, store objstore.Store, pool objstore.Pool, config image.Config, params Params) error {
	return New(log, store, pool, config, params).Run(ctx)
}

// Spec returns the resolved creation parameters.
func (req *Request) Spec() image.Spec { return req.spec }

// Run executes the request and returns its terminal result.
func (req *Request) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := req.validate(ctx); err != nil {
		req.log.Error("create validation failed", zap.Error(err))
		return err
	}

	for st := stateValidatePool; st != stateDone; {
		st = req.step(ctx, st)
	}
	return req.savedErr
}

// Send executes the request on its own goroutine; done is invoked exactly
// once with the terminal result.
func (req *Request) Send(ctx context.Context, done func(error)) {
	go func() {
		err := req.Run(ctx)
		req.doneOnce.Do(func() { done(err) })
	}()
}

// validate runs every predicate over the resolved spec before any side
// effect. Failures surface directly; no cleanup is needed.
func (req *Request) validate(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if req.spec.Name == "" || req.spec.ID == "" {
		return image.ErrInvalid.New("image name and id must be non-empty")
	}
	if err := image.ValidateFeatures(req.spec.Features, req.spec.ForceNonPrimary); err != nil {
		return err
	}
	if err := image.ValidateOrder(req.spec.Order); err != nil {
		return err
	}
	if err := image.ValidateStriping(req.spec.Order, req.spec.StripeUnit, req.spec.StripeCount); err != nil {
		return err
	}
	if err := req.resolveDataPool(ctx); err != nil {
		return err
	}
	return image.ValidateLayout(req.spec.Size, req.spec.Layout)
}

func (req *Request) resolveDataPool(ctx context.Context) error {
	if req.spec.Features&image.FeatureDataPool == 0 {
		return nil
	}
	dataPool, err := req.store.OpenPool(ctx, req.spec.DataPool)
	if err != nil {
		req.log.Error("data pool does not exist",
			zap.String("data pool", req.spec.DataPool), zap.Error(err))
		return err
	}
	req.spec.DataPoolID = dataPool.ID()
	return nil
}

// fail records the first failure and enters the cleanup chain at next.
func (req *Request) fail(err error, next state) state {
	if req.savedErr == nil {
		req.savedErr = err
	}
	return next
}

func (req *Request) step(ctx context.Context, current state) state {
	switch current {
	case stateValidatePool:
		return req.validatePool(ctx)
	case stateCreateIDObject:
		return req.createIDObject(ctx)
	case stateAddToDirectory:
		return req.addToDirectory(ctx)
	case stateCreateHeader:
		return req.createHeader(ctx)
	case stateSetStripeUnitCount:
		return req.setStripeUnitCount(ctx)
	case stateObjectMapResize:
		return req.objectMapResize(ctx)
	case stateFetchMirrorMode:
		return req.fetchMirrorMode(ctx)
	case stateJournalCreate:
		return req.journalCreate(ctx)
	case stateFetchMirrorImage:
		return req.fetchMirrorImage(ctx)
	case stateMirrorImageEnable:
		return req.mirrorImageEnable(ctx)
	case stateNotifyWatcher:
		return req.notifyWatcher(ctx)

	case stateRemoveJournal:
		return req.removeJournal(ctx)
	case stateRemoveObjectMap:
		return req.removeObjectMap(ctx)
	case stateRemoveHeader:
		return req.removeHeader(ctx)
	case stateRemoveFromDirectory:
		return req.removeFromDirectory(ctx)
	case stateRemoveIDObject:
		return req.removeIDObject(ctx)
	}
	return req.fail(image.ErrInternal.New("unhandled creation state %v", current), stateDone)
}

// validatePool stats the pool directory; a fresh pool is switched into
// self-managed snapshot mode by allocating and immediately releasing one
// snapshot id. Nothing persistent exists yet, so failures complete directly.
func (req *Request) validatePool(ctx context.Context) state {
	if !req.config.ValidatePool {
		return stateCreateIDObject
	}

	err := req.meta.StatDirectory(ctx)
	if err == nil {
		return stateCreateIDObject
	}
	if !objstore.ErrObjectNotFound.Has(err) {
		req.log.Error("failed to stat image directory", zap.Error(err))
		return req.fail(err, stateDone)
	}

	snapID, err := req.pool.SelfManagedSnapCreate(ctx)
	if err != nil {
		if objstore.ErrSnapshotMode.Has(err) {
			req.log.Error("pool not configured for self-managed snapshot support", zap.Error(err))
		} else {
			req.log.Error("failed to allocate self-managed snapshot", zap.Error(err))
		}
		return req.fail(err, stateDone)
	}
	if err := req.pool.SelfManagedSnapRemove(ctx, snapID); err != nil {
		// the pool already switched modes, so this is not fatal
		req.log.Warn("failed to release self-managed snapshot",
			zap.Uint64("snap id", snapID), zap.Error(err))
	}
	return stateCreateIDObject
}

func (req *Request) createIDObject(ctx context.Context) state {
	req.log.Debug("creating id object", zap.String("object", imagemeta.IDObjectName(req.spec.Name)))

	if err := req.meta.CreateIDObject(ctx, req.spec.Name, req.spec.ID); err != nil {
		req.log.Error("error creating image id object", zap.Error(err))
		return req.fail(err, stateDone)
	}
	return stateAddToDirectory
}

func (req *Request) addToDirectory(ctx context.Context) state {
	req.log.Debug("adding image to directory", zap.String("name", req.spec.Name))

	if err := req.meta.AddImage(ctx, req.spec.Name, req.spec.ID); err != nil {
		req.log.Error("error adding image to directory", zap.Error(err))
		return req.fail(err, stateRemoveIDObject)
	}
	return stateCreateHeader
}

func (req *Request) createHeader(ctx context.Context) state {
	header := imagemeta.Header{
		Size:         req.spec.Size,
		Order:        req.spec.Order,
		Features:     req.spec.Features,
		ObjectPrefix: imagemeta.DataPrefix(req.pool.ID(), req.spec.DataPoolID, req.spec.ID),
		DataPoolID:   req.spec.DataPoolID,
	}
	req.log.Debug("writing header", zap.String("object prefix", header.ObjectPrefix))

	if err := req.meta.CreateHeader(ctx, req.spec.ID, header); err != nil {
		req.log.Error("error writing header", zap.Error(err))
		return req.fail(err, stateRemoveFromDirectory)
	}
	return stateSetStripeUnitCount
}

func (req *Request) setStripeUnitCount(ctx context.Context) state {
	if req.spec.DefaultStriping() {
		return stateObjectMapResize
	}
	req.log.Debug("setting stripe unit and count",
		zap.Uint64("stripe unit", req.spec.StripeUnit),
		zap.Uint64("stripe count", req.spec.StripeCount))

	if err := req.meta.SetStripeUnitCount(ctx, req.spec.ID, req.spec.StripeUnit, req.spec.StripeCount); err != nil {
		req.log.Error("error setting stripe unit/count", zap.Error(err))
		return req.fail(err, stateRemoveHeader)
	}
	return stateObjectMapResize
}

func (req *Request) objectMapResize(ctx context.Context) state {
	if req.spec.Features&image.FeatureObjectMap == 0 {
		return stateFetchMirrorMode
	}

	numObjects := req.spec.Layout.NumObjects(req.spec.Size)
	req.log.Debug("creating initial object map", zap.Uint64("num objects", numObjects))

	if err := req.meta.ObjectMapResize(ctx, req.spec.ID, numObjects, imagemeta.ObjectNonexistent); err != nil {
		req.log.Error("error creating initial object map", zap.Error(err))
		return req.fail(err, stateRemoveHeader)
	}
	return stateFetchMirrorMode
}

func (req *Request) fetchMirrorMode(ctx context.Context) state {
	if req.spec.Features&image.FeatureJournaling == 0 {
		return stateDone
	}

	mode, err := req.meta.MirrorModeGet(ctx)
	if err != nil {
		if !objstore.ErrObjectNotFound.Has(err) {
			req.log.Error("failed to retrieve mirror mode", zap.Error(err))
			return req.fail(err, stateRemoveObjectMap)
		}
		mode = mirror.ModeDisabled
	}
	if !mode.Valid() {
		req.log.Error("unknown mirror mode", zap.Uint32("mode", uint32(mode)))
		return req.fail(image.ErrInvalid.New("unknown mirror mode %d", mode), stateRemoveObjectMap)
	}

	req.mirrorMode = mode
	return stateJournalCreate
}

func (req *Request) journalCreate(ctx context.Context) state {
	tagData := journal.TagData{MirrorUUID: journal.LocalMirrorUUID}
	if req.spec.ForceNonPrimary {
		tagData.MirrorUUID = req.spec.PrimaryMirrorUUID
	}
	req.log.Debug("creating journal", zap.String("tag owner", tagData.MirrorUUID))

	sub := journal.NewCreateRequest(req.log, req.store, req.pool,
		req.spec.ID, req.spec.JournalOrder, req.spec.JournalSplayWidth, req.spec.JournalPool,
		journal.TagClassNew, tagData, journal.ImageClientID)
	if err := sub.Run(ctx); err != nil {
		req.log.Error("error creating journal", zap.Error(err))
		return req.fail(err, stateRemoveObjectMap)
	}
	return stateFetchMirrorImage
}

func (req *Request) fetchMirrorImage(ctx context.Context) state {
	if req.mirrorMode != mirror.ModePool && !req.spec.ForceNonPrimary {
		return stateDone
	}

	record, err := req.meta.MirrorImageGet(ctx, req.spec.ID)
	switch {
	case err == nil:
		req.mirrorImage = record
		if record.State == mirror.StateEnabled {
			// mirroring is already enabled; nothing left to do
			return stateDone
		}
	case objstore.ErrObjectNotFound.Has(err):
		// no record yet; enable below
	default:
		req.log.Error("cannot enable mirroring", zap.Error(err))
		return req.fail(err, stateRemoveJournal)
	}

	return stateMirrorImageEnable
}

func (req *Request) mirrorImageEnable(ctx context.Context) state {
	req.mirrorImage.State = mirror.StateEnabled
	if req.spec.NonPrimaryGlobalImageID != "" {
		req.mirrorImage.GlobalImageID = req.spec.NonPrimaryGlobalImageID
	} else {
		globalID, err := uuid.New()
		if err != nil {
			req.log.Error("cannot enable mirroring", zap.Error(err))
			return req.fail(Error.Wrap(err), stateRemoveJournal)
		}
		req.mirrorImage.GlobalImageID = globalID.String()
	}
	req.log.Debug("enabling mirroring", zap.String("global image id", req.mirrorImage.GlobalImageID))

	if err := req.meta.MirrorImageSet(ctx, req.spec.ID, req.mirrorImage); err != nil {
		req.log.Error("cannot enable mirroring", zap.Error(err))
		return req.fail(err, stateRemoveJournal)
	}
	return stateNotifyWatcher
}

func (req *Request) notifyWatcher(ctx context.Context) state {
	if req.params.Watcher == nil {
		return stateDone
	}

	err := req.params.Watcher.NotifyImageUpdated(ctx,
		mirror.StateEnabled, req.spec.ID, req.mirrorImage.GlobalImageID)
	if err != nil {
		// watchers cope with missed updates, so just log and move on
		req.log.Warn("failed to send update notification", zap.Error(err))
	} else {
		req.log.Debug("image mirroring is enabled",
			zap.String("global image id", req.mirrorImage.GlobalImageID))
	}
	return stateDone
}

// Cleanup runs in reverse of the forward order. Secondary failures are
// logged and ignored so that as much as possible is removed; the first
// failure recorded by fail is what the request reports.

func (req *Request) removeJournal(ctx context.Context) state {
	if req.spec.Features&image.FeatureJournaling == 0 {
		return stateRemoveObjectMap
	}

	sub := journal.NewRemoveRequest(req.log, req.pool, req.spec.ID, journal.ImageClientID)
	if err := sub.Run(ctx); err != nil {
		req.log.Warn("error cleaning up journal after creation failed", zap.Error(err))
	}
	return stateRemoveObjectMap
}

func (req *Request) removeObjectMap(ctx context.Context) state {
	if req.spec.Features&image.FeatureObjectMap == 0 {
		return stateRemoveHeader
	}

	if err := req.meta.RemoveObjectMap(ctx, req.spec.ID); err != nil {
		req.log.Warn("error cleaning up object map after creation failed", zap.Error(err))
	}
	return stateRemoveHeader
}

func (req *Request) removeHeader(ctx context.Context) state {
	if err := req.meta.RemoveHeader(ctx, req.spec.ID); err != nil {
		req.log.Warn("error cleaning up image header after creation failed", zap.Error(err))
	}
	return stateRemoveFromDirectory
}

func (req *Request) removeFromDirectory(ctx context.Context) state {
	if err := req.meta.RemoveImage(ctx, req.spec.Name, req.spec.ID); err != nil {
		req.log.Warn("error cleaning up image from directory after creation failed", zap.Error(err))
	}
	return stateRemoveIDObject
}

func (req *Request) removeIDObject(ctx context.Context) state {
	if err := req.meta.RemoveIDObject(ctx, req.spec.Name); err != nil {
		req.log.Warn("error cleaning up id object after creation failed", zap.Error(err))
	}
	return stateDone
}
