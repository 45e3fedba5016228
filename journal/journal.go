// Copyright (C) 2025 vblock authors.
// See LICENSE for copying information.

// Package journal manages the per-image journal metadata record: registered
// clients and the tag sequence that orders journaled writes. Only the
// creation and removal paths are exposed here; replay and appending belong to
// the journaling subsystem proper.
package journal

import (
	"math"

	"github.com/fxamacker/cbor/v2"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var mon = monkit.Package()

// Error is the default error class for journal failures.
var Error = errs.Class("journal")

const (
	// LocalMirrorUUID is the tag owner recorded for images journaled by the
	// local, primary site.
	LocalMirrorUUID = ""

	// ImageClientID is the well-known client id the image itself registers
	// under.
	ImageClientID = ""

	// TagClassNew requests allocation of a fresh tag class.
	TagClassNew = uint64(math.MaxUint64)
)

// ObjectName returns the name of the journal metadata object for an image id.
func ObjectName(imageID string) string {
	return "journal." + imageID
}

// TagData identifies the owner of a journal tag.
type TagData struct {
	MirrorUUID string `cbor:"mirror_uuid"`
}

// Tag is an allocated journal tag.
type Tag struct {
	Tid      uint64  `cbor:"tid"`
	TagClass uint64  `cbor:"tag_class"`
	Data     TagData `cbor:"data"`
}

// Client is a registered journal client.
type Client struct {
	ID   string `cbor:"id"`
	Data []byte `cbor:"data,omitempty"`
}

// Metadata is the durable journal metadata record.
type Metadata struct {
	Order      int   `cbor:"order"`
	SplayWidth int   `cbor:"splay_width"`
	PoolID     int64 `cbor:"pool_id"`

	MinimumSet uint64 `cbor:"minimum_set"`
	ActiveSet  uint64 `cbor:"active_set"`

	NextTagTid   uint64 `cbor:"next_tag_tid"`
	NextTagClass uint64 `cbor:"next_tag_class"`

	Clients []Client `cbor:"clients,omitempty"`
	Tags    []Tag    `cbor:"tags,omitempty"`
}

// ParseMetadata decodes a journal metadata record.
func ParseMetadata(data []byte) (Metadata, error) {
	var meta Metadata
	if err := cbor.Unmarshal(data, &meta); err != nil {
		return Metadata{}, Error.Wrap(err)
	}
	return meta, nil
}
