// Copyright (C) 2025 vblock authors.
// See LICENSE for copying information.

package journal_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"storj.io/common/testcontext"

	"github.com/vblock/vblock/journal"
	"github.com/vblock/vblock/objstore"
	"github.com/vblock/vblock/objstore/teststore"
)

func TestCreate(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := zaptest.NewLogger(t)
	client := teststore.New()
	pool := client.AddPool("rbd")

	req := journal.NewCreateRequest(log, client, pool, "00000001", 24, 4, "",
		journal.TagClassNew, journal.TagData{MirrorUUID: journal.LocalMirrorUUID},
		journal.ImageClientID)
	require.NoError(t, req.Run(ctx))

	require.NoError(t, pool.Stat(ctx, journal.ObjectName("00000001")))

	// creating the same journal again conflicts
	err := journal.NewCreateRequest(log, client, pool, "00000001", 24, 4, "",
		journal.TagClassNew, journal.TagData{}, journal.ImageClientID).Run(ctx)
	require.True(t, objstore.ErrObjectExists.Has(err))
}

func TestCreateAllocatesTagAndClient(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := zaptest.NewLogger(t)
	client := teststore.New()
	pool := client.AddPool("rbd")

	tagData := journal.TagData{MirrorUUID: "remote-uuid"}
	req := journal.NewCreateRequest(log, client, pool, "00000001", 24, 4, "",
		journal.TagClassNew, tagData, journal.ImageClientID)
	require.NoError(t, req.Run(ctx))

	meta := readMetadata(ctx, t, pool, "00000001")
	require.Equal(t, 24, meta.Order)
	require.Equal(t, 4, meta.SplayWidth)
	require.Equal(t, int64(-1), meta.PoolID)

	require.Len(t, meta.Tags, 1)
	require.Equal(t, uint64(0), meta.Tags[0].Tid)
	require.Equal(t, uint64(0), meta.Tags[0].TagClass)
	require.Equal(t, tagData, meta.Tags[0].Data)
	require.Equal(t, uint64(1), meta.NextTagTid)
	require.Equal(t, uint64(1), meta.NextTagClass)

	require.Len(t, meta.Clients, 1)
	require.Equal(t, journal.ImageClientID, meta.Clients[0].ID)
}

func TestCreateWithJournalPool(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := zaptest.NewLogger(t)
	client := teststore.New()
	pool := client.AddPool("rbd")
	fast := client.AddPool("journal-fast")

	req := journal.NewCreateRequest(log, client, pool, "00000001", 24, 4, "journal-fast",
		journal.TagClassNew, journal.TagData{}, journal.ImageClientID)
	require.NoError(t, req.Run(ctx))

	meta := readMetadata(ctx, t, pool, "00000001")
	require.Equal(t, fast.ID(), meta.PoolID)

	err := journal.NewCreateRequest(log, client, pool, "00000002", 24, 4, "missing",
		journal.TagClassNew, journal.TagData{}, journal.ImageClientID).Run(ctx)
	require.True(t, objstore.ErrPoolNotFound.Has(err))
}

func TestCreateCleansUpOnFailure(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := zaptest.NewLogger(t)
	client := teststore.New()
	pool := client.AddPool("rbd")

	// fail the second mutation of the metadata object, which is the tag
	// allocation swap
	boom := objstore.Error.New("boom")
	casCalls := 0
	client.Fail = func(op, poolName, object string) error {
		if op == "cas" && object == journal.ObjectName("00000001") {
			casCalls++
			if casCalls == 2 {
				return boom
			}
		}
		return nil
	}

	err := journal.NewCreateRequest(log, client, pool, "00000001", 24, 4, "",
		journal.TagClassNew, journal.TagData{}, journal.ImageClientID).Run(ctx)
	require.True(t, objstore.Error.Has(err))

	// the partially created metadata object is removed again
	err = pool.Stat(ctx, journal.ObjectName("00000001"))
	require.True(t, objstore.ErrObjectNotFound.Has(err))
}

func TestRemove(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := zaptest.NewLogger(t)
	client := teststore.New()
	pool := client.AddPool("rbd")

	require.NoError(t, journal.NewCreateRequest(log, client, pool, "00000001", 24, 4, "",
		journal.TagClassNew, journal.TagData{}, journal.ImageClientID).Run(ctx))

	require.NoError(t, journal.NewRemoveRequest(log, pool, "00000001", journal.ImageClientID).Run(ctx))
	err := pool.Stat(ctx, journal.ObjectName("00000001"))
	require.True(t, objstore.ErrObjectNotFound.Has(err))

	// removing a journal that does not exist is tolerated
	require.NoError(t, journal.NewRemoveRequest(log, pool, "00000001", journal.ImageClientID).Run(ctx))
}

func readMetadata(ctx *testcontext.Context, t *testing.T, pool objstore.Pool, imageID string) journal.Metadata {
	data, err := pool.Get(ctx, journal.ObjectName(imageID))
	require.NoError(t, err)
	meta, err := journal.ParseMetadata(data)
	require.NoError(t, err)
	return meta
}
