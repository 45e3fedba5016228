// Copyright (C) 2025 vblock authors.
// See LICENSE for copying information.

package imagemeta

import (
	"context"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/vblock/vblock/mirror"
	"github.com/vblock/vblock/objstore"
)

// Store provides the typed metadata operations of a single pool.
type Store struct {
	log  *zap.Logger
	pool objstore.Pool
}

// New creates a metadata store over pool.
func New(log *zap.Logger, pool objstore.Pool) *Store {
	return &Store{log: log, pool: pool}
}

// Pool returns the underlying pool.
func (store *Store) Pool() objstore.Pool { return store.pool }

// StatDirectory probes for the pool directory object.
func (store *Store) StatDirectory(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return store.pool.Stat(ctx, DirectoryObject)
}

// CreateIDObject creates the id object for imageName exclusively, storing
// imageID. An existing object reports objstore.ErrObjectExists.
func (store *Store) CreateIDObject(ctx context.Context, imageName, imageID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := cbor.Marshal(imageID)
	if err != nil {
		return Error.Wrap(err)
	}
	return store.pool.CompareAndSwap(ctx, IDObjectName(imageName), nil, data)
}

// GetImageID reads the image id stored in the id object for imageName.
func (store *Store) GetImageID(ctx context.Context, imageName string) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := store.pool.Get(ctx, IDObjectName(imageName))
	if err != nil {
		return "", err
	}
	var id string
	if err := cbor.Unmarshal(data, &id); err != nil {
		return "", Error.Wrap(err)
	}
	return id, nil
}

// RemoveIDObject removes the id object for imageName.
func (store *Store) RemoveIDObject(ctx context.Context, imageName string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return store.pool.Delete(ctx, IDObjectName(imageName))
}

// AddImage adds the name to id mapping to the pool directory. A name or id
// already present reports objstore.ErrObjectExists.
func (store *Store) AddImage(ctx context.Context, imageName, imageID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return objstore.Update(ctx, store.pool, DirectoryObject, func(old []byte) ([]byte, error) {
		dir, err := decodeDirectory(old)
		if err != nil {
			return nil, err
		}
		if _, ok := dir.NameToID[imageName]; ok {
			return nil, objstore.ErrObjectExists.New("image name %q", imageName)
		}
		if _, ok := dir.IDToName[imageID]; ok {
			return nil, objstore.ErrObjectExists.New("image id %q", imageID)
		}
		dir.NameToID[imageName] = imageID
		dir.IDToName[imageID] = imageName
		data, err := cbor.Marshal(dir)
		return data, Error.Wrap(err)
	})
}

// RemoveImage removes the name to id mapping from the pool directory. A
// missing name reports objstore.ErrObjectNotFound; a pair that does not match
// the directory contents reports Error.
func (store *Store) RemoveImage(ctx context.Context, imageName, imageID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return objstore.Update(ctx, store.pool, DirectoryObject, func(old []byte) ([]byte, error) {
		dir, err := decodeDirectory(old)
		if err != nil {
			return nil, err
		}
		id, ok := dir.NameToID[imageName]
		if !ok {
			return nil, objstore.ErrObjectNotFound.New("image name %q", imageName)
		}
		if id != imageID {
			return nil, Error.New("directory entry for %q is stale: has id %q, not %q", imageName, id, imageID)
		}
		delete(dir.NameToID, imageName)
		delete(dir.IDToName, imageID)
		data, err := cbor.Marshal(dir)
		return data, Error.Wrap(err)
	})
}

// ListImages returns the directory's name to id mapping.
func (store *Store) ListImages(ctx context.Context) (_ map[string]string, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := store.pool.Get(ctx, DirectoryObject)
	if err != nil {
		if objstore.ErrObjectNotFound.Has(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	dir, err := decodeDirectory(data)
	if err != nil {
		return nil, err
	}
	images := make(map[string]string, len(dir.NameToID))
	for name, id := range dir.NameToID {
		images[name] = id
	}
	return images, nil
}

// CreateHeader creates the header object for imageID exclusively. An existing
// header reports objstore.ErrObjectExists.
func (store *Store) CreateHeader(ctx context.Context, imageID string, header Header) (err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := cbor.Marshal(header)
	if err != nil {
		return Error.Wrap(err)
	}
	return store.pool.CompareAndSwap(ctx, HeaderObjectName(imageID), nil, data)
}

// GetHeader reads the header object for imageID.
func (store *Store) GetHeader(ctx context.Context, imageID string) (_ Header, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := store.pool.Get(ctx, HeaderObjectName(imageID))
	if err != nil {
		return Header{}, err
	}
	var header Header
	if err := cbor.Unmarshal(data, &header); err != nil {
		return Header{}, Error.Wrap(err)
	}
	return header, nil
}

// SetStripeUnitCount persists explicit stripe parameters to the header.
func (store *Store) SetStripeUnitCount(ctx context.Context, imageID string, stripeUnit, stripeCount uint64) (err error) {
	defer mon.Task()(&ctx)(&err)

	return objstore.Update(ctx, store.pool, HeaderObjectName(imageID), func(old []byte) ([]byte, error) {
		if old == nil {
			return nil, objstore.ErrObjectNotFound.New("header for %q", imageID)
		}
		var header Header
		if err := cbor.Unmarshal(old, &header); err != nil {
			return nil, Error.Wrap(err)
		}
		header.StripeUnit = stripeUnit
		header.StripeCount = stripeCount
		data, err := cbor.Marshal(header)
		return data, Error.Wrap(err)
	})
}

// RemoveHeader removes the header object for imageID.
func (store *Store) RemoveHeader(ctx context.Context, imageID string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return store.pool.Delete(ctx, HeaderObjectName(imageID))
}

// ObjectMapResize creates or resizes the object map for imageID to numObjects
// entries, all set to state.
func (store *Store) ObjectMapResize(ctx context.Context, imageID string, numObjects uint64, state ObjectState) (err error) {
	defer mon.Task()(&ctx)(&err)

	return objstore.Update(ctx, store.pool, ObjectMapName(imageID), func(old []byte) ([]byte, error) {
		data, err := cbor.Marshal(NewObjectMap(numObjects, state))
		return data, Error.Wrap(err)
	})
}

// GetObjectMap reads the object map for imageID.
func (store *Store) GetObjectMap(ctx context.Context, imageID string) (_ ObjectMap, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := store.pool.Get(ctx, ObjectMapName(imageID))
	if err != nil {
		return ObjectMap{}, err
	}
	var objmap ObjectMap
	if err := cbor.Unmarshal(data, &objmap); err != nil {
		return ObjectMap{}, Error.Wrap(err)
	}
	return objmap, nil
}

// RemoveObjectMap removes the object map for imageID.
func (store *Store) RemoveObjectMap(ctx context.Context, imageID string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return store.pool.Delete(ctx, ObjectMapName(imageID))
}

// MirrorModeGet reads the pool mirroring mode. A missing mirroring object
// reports objstore.ErrObjectNotFound; the mode is returned as stored, valid
// or not.
func (store *Store) MirrorModeGet(ctx context.Context) (_ mirror.Mode, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := store.pool.Get(ctx, MirroringObject)
	if err != nil {
		return mirror.ModeDisabled, err
	}
	mirroring, err := decodeMirroring(data)
	if err != nil {
		return mirror.ModeDisabled, err
	}
	return mirroring.Mode, nil
}

// MirrorModeSet updates the pool mirroring mode, keeping existing image
// records.
func (store *Store) MirrorModeSet(ctx context.Context, mode mirror.Mode) (err error) {
	defer mon.Task()(&ctx)(&err)

	return objstore.Update(ctx, store.pool, MirroringObject, func(old []byte) ([]byte, error) {
		mirroring, err := decodeMirroring(old)
		if err != nil {
			return nil, err
		}
		mirroring.Mode = mode
		data, err := cbor.Marshal(mirroring)
		return data, Error.Wrap(err)
	})
}

// MirrorImageGet reads the mirror record for imageID. Both a missing
// mirroring object and a missing record report objstore.ErrObjectNotFound.
func (store *Store) MirrorImageGet(ctx context.Context, imageID string) (_ mirror.Image, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := store.pool.Get(ctx, MirroringObject)
	if err != nil {
		return mirror.Image{}, err
	}
	mirroring, err := decodeMirroring(data)
	if err != nil {
		return mirror.Image{}, err
	}
	record, ok := mirroring.Images[imageID]
	if !ok {
		return mirror.Image{}, objstore.ErrObjectNotFound.New("mirror image %q", imageID)
	}
	return record, nil
}

// MirrorImageSet writes the mirror record for imageID.
func (store *Store) MirrorImageSet(ctx context.Context, imageID string, record mirror.Image) (err error) {
	defer mon.Task()(&ctx)(&err)

	return objstore.Update(ctx, store.pool, MirroringObject, func(old []byte) ([]byte, error) {
		mirroring, err := decodeMirroring(old)
		if err != nil {
			return nil, err
		}
		mirroring.Images[imageID] = record
		data, err := cbor.Marshal(mirroring)
		return data, Error.Wrap(err)
	})
}

// MirrorImageRemove removes the mirror record for imageID. Removing an absent
// record leaves the other records unchanged; a missing mirroring object is
// created empty.
func (store *Store) MirrorImageRemove(ctx context.Context, imageID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return objstore.Update(ctx, store.pool, MirroringObject, func(old []byte) ([]byte, error) {
		mirroring, err := decodeMirroring(old)
		if err != nil {
			return nil, err
		}
		delete(mirroring.Images, imageID)
		data, err := cbor.Marshal(mirroring)
		return data, Error.Wrap(err)
	})
}
