// Copyright (C) 2025 vblock authors.
// See LICENSE for copying information.

package imagemeta

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/vblock/vblock/mirror"
)

// Header is the durable image header record.
type Header struct {
	Size         uint64 `cbor:"size"`
	Order        int    `cbor:"order"`
	Features     uint64 `cbor:"features"`
	ObjectPrefix string `cbor:"object_prefix"`
	DataPoolID   int64  `cbor:"data_pool_id"`
	StripeUnit   uint64 `cbor:"stripe_unit,omitempty"`
	StripeCount  uint64 `cbor:"stripe_count,omitempty"`
}

// Directory is the per-pool image directory record. It maps both directions
// so that stale pairs are detectable on removal.
type Directory struct {
	NameToID map[string]string `cbor:"name_to_id"`
	IDToName map[string]string `cbor:"id_to_name"`
}

// Mirroring is the per-pool mirroring index record.
type Mirroring struct {
	Mode   mirror.Mode             `cbor:"mode"`
	Images map[string]mirror.Image `cbor:"images,omitempty"`
}

func decodeDirectory(data []byte) (Directory, error) {
	dir := Directory{
		NameToID: map[string]string{},
		IDToName: map[string]string{},
	}
	if len(data) == 0 {
		return dir, nil
	}
	if err := cbor.Unmarshal(data, &dir); err != nil {
		return Directory{}, Error.Wrap(err)
	}
	if dir.NameToID == nil {
		dir.NameToID = map[string]string{}
	}
	if dir.IDToName == nil {
		dir.IDToName = map[string]string{}
	}
	return dir, nil
}

func decodeMirroring(data []byte) (Mirroring, error) {
	mirroring := Mirroring{Images: map[string]mirror.Image{}}
	if len(data) == 0 {
		return mirroring, nil
	}
	if err := cbor.Unmarshal(data, &mirroring); err != nil {
		return Mirroring{}, Error.Wrap(err)
	}
	if mirroring.Images == nil {
		mirroring.Images = map[string]mirror.Image{}
	}
	return mirroring, nil
}
