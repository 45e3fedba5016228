// Copyright (C) 2025 vblock authors.
// See LICENSE for copying information.

// Package imagemeta implements typed access to the image metadata objects a
// pool carries: the per-pool directory and mirroring index, per-image id and
// header objects, and the object map. Mutations of shared objects go through
// atomic compare-and-swap on the store.
package imagemeta

import (
	"strconv"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var mon = monkit.Package()

// Error is the default error class for image metadata failures.
var Error = errs.Class("imagemeta")

// Well-known object names and name prefixes in a pool. These are part of the
// on-store format.
const (
	DirectoryObject = "rbd_directory"
	MirroringObject = "rbd_mirroring"

	idObjectPrefix     = "rbd_id."
	headerObjectPrefix = "rbd_header."
	objectMapPrefix    = "rbd_object_map."
	dataObjectPrefix   = "rbd_data."
)

// IDObjectName returns the name of the id object for an image name.
func IDObjectName(imageName string) string {
	return idObjectPrefix + imageName
}

// HeaderObjectName returns the name of the header object for an image id.
func HeaderObjectName(imageID string) string {
	return headerObjectPrefix + imageID
}

// ObjectMapName returns the name of the object map object for an image id.
func ObjectMapName(imageID string) string {
	return objectMapPrefix + imageID
}

// DataPrefix returns the name prefix of the image's data objects. When the
// data lives in a separate pool the prefix carries the id of the pool holding
// the image metadata, so data objects remain attributable from either side.
func DataPrefix(primaryPoolID, dataPoolID int64, imageID string) string {
	prefix := dataObjectPrefix
	if dataPoolID != -1 {
		prefix += strconv.FormatInt(primaryPoolID, 10) + "."
	}
	return prefix + imageID
}
