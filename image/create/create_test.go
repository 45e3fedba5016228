// Copyright (C) 2025 vblock authors.
// See LICENSE for copying information.

package create_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"storj.io/common/memory"
	"storj.io/common/testcontext"
	"storj.io/common/uuid"

	"github.com/vblock/vblock/image"
	"github.com/vblock/vblock/image/create"
	"github.com/vblock/vblock/imagemeta"
	"github.com/vblock/vblock/journal"
	"github.com/vblock/vblock/mirror"
	"github.com/vblock/vblock/objstore"
	"github.com/vblock/vblock/objstore/teststore"
)

const journaledFeatures = image.FeatureLayering | image.FeatureExclusiveLock |
	image.FeatureObjectMap | image.FeatureFastDiff | image.FeatureJournaling

type env struct {
	t      *testing.T
	client *teststore.Client
	pool   *teststore.Pool
	meta   *imagemeta.Store
	config image.Config
}

func newEnv(t *testing.T) *env {
	client := teststore.New()
	pool := client.AddPool("rbd")
	return &env{
		t:      t,
		client: client,
		pool:   pool,
		meta:   imagemeta.New(zaptest.NewLogger(t), pool),
		config: image.Config{
			DefaultFeatures:   image.FeaturesDefault,
			DefaultOrder:      22,
			JournalOrder:      24,
			JournalSplayWidth: 4,
			ValidatePool:      true,
		},
	}
}

func (env *env) create(ctx *testcontext.Context, params create.Params) error {
	return create.Create(ctx, zaptest.NewLogger(env.t), env.client, env.pool, env.config, params)
}

func features(mask uint64) *uint64 { return &mask }

func TestCreateMinimal(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := newEnv(t)
	err := env.create(ctx, create.Params{
		Name:    "img1",
		ID:      "00000001",
		Size:    uint64(4 * memory.MiB.Int64()),
		Options: image.Options{Features: features(image.FeatureLayering)},
	})
	require.NoError(t, err)

	id, err := env.meta.GetImageID(ctx, "img1")
	require.NoError(t, err)
	require.Equal(t, "00000001", id)

	images, err := env.meta.ListImages(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"img1": "00000001"}, images)

	header, err := env.meta.GetHeader(ctx, "00000001")
	require.NoError(t, err)
	require.Equal(t, imagemeta.Header{
		Size:         uint64(4 * memory.MiB.Int64()),
		Order:        22,
		Features:     image.FeatureLayering,
		ObjectPrefix: "rbd_data.00000001",
		DataPoolID:   -1,
	}, header)

	_, err = env.meta.GetObjectMap(ctx, "00000001")
	require.True(t, objstore.ErrObjectNotFound.Has(err))
	err = env.pool.Stat(ctx, journal.ObjectName("00000001"))
	require.True(t, objstore.ErrObjectNotFound.Has(err))
}

func TestCreateFullFeatured(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := newEnv(t)
	err := env.create(ctx, create.Params{
		Name:    "img1",
		ID:      "00000001",
		Size:    uint64(memory.GiB.Int64()),
		Options: image.Options{Features: features(journaledFeatures)},
	})
	require.NoError(t, err)

	header, err := env.meta.GetHeader(ctx, "00000001")
	require.NoError(t, err)
	require.Equal(t, journaledFeatures, header.Features)

	objmap, err := env.meta.GetObjectMap(ctx, "00000001")
	require.NoError(t, err)
	require.Equal(t, uint64(256), objmap.NumObjects)
	for i := uint64(0); i < objmap.NumObjects; i++ {
		require.Equal(t, imagemeta.ObjectNonexistent, objmap.Get(i))
	}

	meta, err := env.pool.Get(ctx, journal.ObjectName("00000001"))
	require.NoError(t, err)
	parsed, err := journal.ParseMetadata(meta)
	require.NoError(t, err)
	require.Len(t, parsed.Tags, 1)
	require.Equal(t, journal.LocalMirrorUUID, parsed.Tags[0].Data.MirrorUUID)

	// pool mirroring is not configured, so no mirror record is written
	_, err = env.meta.MirrorImageGet(ctx, "00000001")
	require.True(t, objstore.ErrObjectNotFound.Has(err))
}

func TestCreateMirrorModePool(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := newEnv(t)
	require.NoError(t, env.meta.MirrorModeSet(ctx, mirror.ModePool))

	watcher := mirror.NewChanWatcher(4)
	err := env.create(ctx, create.Params{
		Name:    "img1",
		ID:      "00000001",
		Size:    uint64(memory.GiB.Int64()),
		Options: image.Options{Features: features(journaledFeatures)},
		Watcher: watcher,
	})
	require.NoError(t, err)

	record, err := env.meta.MirrorImageGet(ctx, "00000001")
	require.NoError(t, err)
	require.Equal(t, mirror.StateEnabled, record.State)
	_, err = uuid.FromString(record.GlobalImageID)
	require.NoError(t, err)

	select {
	case notification := <-watcher.C:
		require.Equal(t, mirror.ImageUpdated{
			State:         mirror.StateEnabled,
			ImageID:       "00000001",
			GlobalImageID: record.GlobalImageID,
		}, notification)
	default:
		t.Fatal("expected an image updated notification")
	}
}

func TestCreateMirrorModeImage(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := newEnv(t)
	require.NoError(t, env.meta.MirrorModeSet(ctx, mirror.ModeImage))

	err := env.create(ctx, create.Params{
		Name:    "img1",
		ID:      "00000001",
		Size:    uint64(memory.GiB.Int64()),
		Options: image.Options{Features: features(journaledFeatures)},
	})
	require.NoError(t, err)

	// per-image mirroring only enables on explicit request
	_, err = env.meta.MirrorImageGet(ctx, "00000001")
	require.True(t, objstore.ErrObjectNotFound.Has(err))
}

func TestCreateNonPrimary(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := newEnv(t)
	err := env.create(ctx, create.Params{
		Name:    "img1",
		ID:      "00000001",
		Size:    uint64(memory.GiB.Int64()),
		Options: image.Options{Features: features(journaledFeatures)},

		NonPrimaryGlobalImageID: "0d2eb95d-07b9-4bcf-a77b-b17a74331fe6",
		PrimaryMirrorUUID:       "primary-site-uuid",
	})
	require.NoError(t, err)

	// the record carries the remote global id and is enabled even though
	// the pool mirror mode is not configured
	record, err := env.meta.MirrorImageGet(ctx, "00000001")
	require.NoError(t, err)
	require.Equal(t, mirror.Image{
		GlobalImageID: "0d2eb95d-07b9-4bcf-a77b-b17a74331fe6",
		State:         mirror.StateEnabled,
	}, record)

	meta, err := env.pool.Get(ctx, journal.ObjectName("00000001"))
	require.NoError(t, err)
	parsed, err := journal.ParseMetadata(meta)
	require.NoError(t, err)
	require.Len(t, parsed.Tags, 1)
	require.Equal(t, "primary-site-uuid", parsed.Tags[0].Data.MirrorUUID)
}

func TestCreateMirrorAlreadyEnabled(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := newEnv(t)
	require.NoError(t, env.meta.MirrorModeSet(ctx, mirror.ModePool))
	require.NoError(t, env.meta.MirrorImageSet(ctx, "00000001", mirror.Image{
		GlobalImageID: "existing-global-id",
		State:         mirror.StateEnabled,
	}))

	watcher := mirror.NewChanWatcher(4)
	err := env.create(ctx, create.Params{
		Name:    "img1",
		ID:      "00000001",
		Size:    uint64(memory.GiB.Int64()),
		Options: image.Options{Features: features(journaledFeatures)},
		Watcher: watcher,
	})
	require.NoError(t, err)

	// the record is left alone and no notification is sent
	record, err := env.meta.MirrorImageGet(ctx, "00000001")
	require.NoError(t, err)
	require.Equal(t, "existing-global-id", record.GlobalImageID)

	select {
	case <-watcher.C:
		t.Fatal("unexpected notification for an already enabled record")
	default:
	}
}

func TestCreateStripedDataPool(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := newEnv(t)
	ssd := env.client.AddPool("ssd")

	err := env.create(ctx, create.Params{
		Name: "img1",
		ID:   "00000001",
		Size: uint64(memory.GiB.Int64()),
		Options: image.Options{
			Features:    features(image.FeatureLayering),
			StripeUnit:  uint64(64 * memory.KiB.Int64()),
			StripeCount: 4,
			DataPool:    "ssd",
		},
	})
	require.NoError(t, err)

	header, err := env.meta.GetHeader(ctx, "00000001")
	require.NoError(t, err)
	require.NotZero(t, header.Features&image.FeatureStripingV2)
	require.NotZero(t, header.Features&image.FeatureDataPool)
	require.Equal(t, ssd.ID(), header.DataPoolID)
	require.Equal(t, "rbd_data.0.00000001", header.ObjectPrefix)
	require.Equal(t, uint64(64*memory.KiB.Int64()), header.StripeUnit)
	require.Equal(t, uint64(4), header.StripeCount)
}

func TestCreateValidation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := newEnv(t)
	before := env.client.Snapshot()

	base := create.Params{
		Name:    "img1",
		ID:      "00000001",
		Size:    uint64(4 * memory.MiB.Int64()),
		Options: image.Options{Features: features(image.FeatureLayering)},
	}

	for name, tt := range map[string]struct {
		change func(*create.Params)
		check  func(error) bool
	}{
		"order too small": {
			change: func(p *create.Params) { p.Options.Order = 11 },
			check:  image.ErrOutOfRange.Has,
		},
		"order too large": {
			change: func(p *create.Params) { p.Options.Order = 26 },
			check:  image.ErrOutOfRange.Has,
		},
		"stripe count without unit": {
			change: func(p *create.Params) { p.Options.StripeCount = 3 },
			check:  image.ErrInvalid.Has,
		},
		"stripe unit above object size": {
			change: func(p *create.Params) {
				p.Options.StripeUnit = 1<<22 + 1
				p.Options.StripeCount = 1
			},
			check: image.ErrInvalid.Has,
		},
		"unknown data pool": {
			change: func(p *create.Params) { p.Options.DataPool = "missing" },
			check:  objstore.ErrPoolNotFound.Has,
		},
		"unsupported feature": {
			change: func(p *create.Params) { p.Options.Features = features(1 << 40) },
			check:  image.ErrUnsupported.Has,
		},
		"fast diff without object map": {
			change: func(p *create.Params) {
				p.Options.Features = features(image.FeatureFastDiff | image.FeatureExclusiveLock)
			},
			check: image.ErrInvalid.Has,
		},
		"non-primary without journaling": {
			change: func(p *create.Params) { p.NonPrimaryGlobalImageID = "remote-global-id" },
			check:  image.ErrInternal.Has,
		},
	} {
		params := base
		tt.change(&params)
		err := env.create(ctx, params)
		require.Error(t, err, name)
		require.True(t, tt.check(err), "%s: %v", name, err)
	}

	// validation failures leave no trace in the store
	require.Equal(t, before, env.client.Snapshot())
}

func TestCreateFreshPool(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := newEnv(t)
	err := env.create(ctx, create.Params{
		Name:    "img1",
		ID:      "00000001",
		Size:    uint64(4 * memory.MiB.Int64()),
		Options: image.Options{Features: features(image.FeatureLayering)},
	})
	require.NoError(t, err)

	// the empty pool was switched into self-managed snapshot mode
	require.Equal(t, 1, env.pool.CallCount.SnapCreate)
	require.Equal(t, 1, env.pool.CallCount.SnapRemove)

	// a second create finds the directory and skips the snapshot dance
	err = env.create(ctx, create.Params{
		Name:    "img2",
		ID:      "00000002",
		Size:    uint64(4 * memory.MiB.Int64()),
		Options: image.Options{Features: features(image.FeatureLayering)},
	})
	require.NoError(t, err)
	require.Equal(t, 1, env.pool.CallCount.SnapCreate)
}

func TestCreatePoolWithoutSelfManagedSnapshots(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := newEnv(t)
	env.pool.SnapshotsEnabled = false
	before := env.client.Snapshot()

	err := env.create(ctx, create.Params{
		Name:    "img1",
		ID:      "00000001",
		Size:    uint64(4 * memory.MiB.Int64()),
		Options: image.Options{Features: features(image.FeatureLayering)},
	})
	require.True(t, objstore.ErrSnapshotMode.Has(err))
	require.Equal(t, before, env.client.Snapshot())
}

func TestCreateSkipsPoolValidation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := newEnv(t)
	env.config.ValidatePool = false
	env.pool.SnapshotsEnabled = false

	err := env.create(ctx, create.Params{
		Name:    "img1",
		ID:      "00000001",
		Size:    uint64(4 * memory.MiB.Int64()),
		Options: image.Options{Features: features(image.FeatureLayering)},
	})
	require.NoError(t, err)
	require.Equal(t, 0, env.pool.CallCount.SnapCreate)
}

func TestCreateNameConflict(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := newEnv(t)
	params := create.Params{
		Name:    "img1",
		ID:      "00000001",
		Size:    uint64(4 * memory.MiB.Int64()),
		Options: image.Options{Features: features(image.FeatureLayering)},
	}
	require.NoError(t, env.create(ctx, params))
	before := env.client.Snapshot()

	params.ID = "00000002"
	err := env.create(ctx, params)
	require.True(t, objstore.ErrObjectExists.Has(err))
	require.Equal(t, before, env.client.Snapshot())
}

// failOn arranges for the nth matching operation to fail with err.
func failOn(client *teststore.Client, op, object string, nth int, err error) {
	count := 0
	client.Fail = func(gotOp, _, gotObject string) error {
		if gotOp == op && gotObject == object {
			count++
			if count == nth {
				return err
			}
		}
		return nil
	}
}

func TestCreateStepFailureCleanup(t *testing.T) {
	boom := objstore.Error.New("injected failure")

	for name, inject := range map[string]struct {
		op     string
		object string
		nth    int
	}{
		"create id object":      {op: "cas", object: imagemeta.IDObjectName("img1"), nth: 1},
		"add to directory":      {op: "cas", object: imagemeta.DirectoryObject, nth: 1},
		"create header":         {op: "cas", object: imagemeta.HeaderObjectName("00000001"), nth: 1},
		"set stripe unit count": {op: "get", object: imagemeta.HeaderObjectName("00000001"), nth: 1},
		"object map resize":     {op: "cas", object: imagemeta.ObjectMapName("00000001"), nth: 1},
		"fetch mirror mode":     {op: "get", object: imagemeta.MirroringObject, nth: 1},
		"journal create":        {op: "cas", object: journal.ObjectName("00000001"), nth: 1},
		"fetch mirror image":    {op: "get", object: imagemeta.MirroringObject, nth: 2},
		"mirror image enable":   {op: "cas", object: imagemeta.MirroringObject, nth: 1},
	} {
		t.Run(name, func(t *testing.T) {
			ctx := testcontext.New(t)
			defer ctx.Cleanup()

			env := newEnv(t)
			require.NoError(t, env.meta.MirrorModeSet(ctx, mirror.ModePool))
			before := env.client.Snapshot()

			failOn(env.client, inject.op, inject.object, inject.nth, boom)
			err := env.create(ctx, create.Params{
				Name: "img1",
				ID:   "00000001",
				Size: uint64(memory.GiB.Int64()),
				Options: image.Options{
					Features:    features(journaledFeatures),
					StripeUnit:  uint64(64 * memory.KiB.Int64()),
					StripeCount: 4,
				},
			})
			require.Error(t, err)
			require.ErrorIs(t, err, boom)

			// cleanup restores the pool to its pre-call contents
			env.client.Fail = nil
			require.Equal(t, before, env.client.Snapshot())
		})
	}
}

func TestCreateUnknownMirrorMode(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := newEnv(t)
	require.NoError(t, env.meta.MirrorModeSet(ctx, mirror.Mode(9)))
	before := env.client.Snapshot()

	err := env.create(ctx, create.Params{
		Name:    "img1",
		ID:      "00000001",
		Size:    uint64(memory.GiB.Int64()),
		Options: image.Options{Features: features(journaledFeatures)},
	})
	require.True(t, image.ErrInvalid.Has(err))
	require.Equal(t, before, env.client.Snapshot())
}

func TestSendCompletionOnce(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := newEnv(t)
	req := create.New(zaptest.NewLogger(t), env.client, env.pool, env.config, create.Params{
		Name:    "img1",
		ID:      "00000001",
		Size:    uint64(4 * memory.MiB.Int64()),
		Options: image.Options{Features: features(image.FeatureLayering)},
	})

	var calls int32
	var wg sync.WaitGroup
	wg.Add(1)
	req.Send(ctx, func(err error) {
		defer wg.Done()
		atomic.AddInt32(&calls, 1)
		require.NoError(t, err)
	})
	wg.Wait()
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	id, err := env.meta.GetImageID(ctx, "img1")
	require.NoError(t, err)
	require.Equal(t, "00000001", id)
}
