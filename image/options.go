// Copyright (C) 2025 vblock authors.
// See LICENSE for copying information.

package image

import (
	"storj.io/common/memory"
)

// Config holds the process-wide defaults applied to creation requests that
// leave the corresponding option unset.
type Config struct {
	DefaultFeatures    uint64      `help:"feature bits enabled on new images" default:"61"`
	DefaultOrder       int         `help:"object size of new images as a power of two exponent" default:"22"`
	DefaultStripeUnit  memory.Size `help:"stripe unit in bytes, 0 uses the object size" default:"0"`
	DefaultStripeCount uint64      `help:"number of objects to stripe over, 0 disables striping" default:"0"`
	DefaultDataPool    string      `help:"pool for data objects, empty keeps data in the image pool" default:""`
	JournalOrder       int         `help:"journal object size as a power of two exponent" default:"24"`
	JournalSplayWidth  int         `help:"number of journal objects to spread entries over" default:"4"`
	JournalPool        string      `help:"pool for journal data objects, empty uses the image pool" default:""`
	ValidatePool       bool        `help:"verify self-managed snapshot support before creating" default:"true"`
}

// Options carries the caller-supplied creation options. The zero value of a
// field means "use the configured default"; Features distinguishes unset from
// an explicit empty mask.
type Options struct {
	Features      *uint64
	FeaturesSet   uint64
	FeaturesClear uint64

	Order       int
	StripeUnit  uint64
	StripeCount uint64

	JournalOrder      int
	JournalSplayWidth int
	JournalPool       string

	DataPool string
}

// Spec is a fully resolved creation request. All defaulting and feature
// derivation has been applied; validation has not.
type Spec struct {
	Name string
	ID   string
	Size uint64

	Order    int
	Features uint64

	StripeUnit  uint64
	StripeCount uint64
	Layout      Layout

	JournalOrder      int
	JournalSplayWidth int
	JournalPool       string

	DataPool   string
	DataPoolID int64

	NonPrimaryGlobalImageID string
	PrimaryMirrorUUID       string
	ForceNonPrimary         bool
}

// Resolve merges options with config defaults into a Spec for an image of the
// given name, id and size created in pool poolName. Resolution is pure: it
// performs no store operations and no validation beyond feature derivation.
func Resolve(config Config, opts Options, name, id string, size uint64, poolName, nonPrimaryGlobalImageID, primaryMirrorUUID string) Spec {
	spec := Spec{
		Name: name,
		ID:   id,
		Size: size,

		NonPrimaryGlobalImageID: nonPrimaryGlobalImageID,
		PrimaryMirrorUUID:       primaryMirrorUUID,
		ForceNonPrimary:         nonPrimaryGlobalImageID != "",

		DataPoolID: -1,
	}

	if opts.Features != nil {
		spec.Features = *opts.Features
	} else {
		spec.Features = config.DefaultFeatures
	}

	// A bit requested both set and cleared is dropped from both masks.
	conflict := opts.FeaturesClear & opts.FeaturesSet
	featuresClear := opts.FeaturesClear &^ conflict
	featuresSet := opts.FeaturesSet &^ conflict
	spec.Features |= featuresSet
	spec.Features &^= featuresClear

	spec.StripeUnit = opts.StripeUnit
	if spec.StripeUnit == 0 {
		spec.StripeUnit = uint64(config.DefaultStripeUnit.Int64())
	}
	spec.StripeCount = opts.StripeCount
	if spec.StripeCount == 0 {
		spec.StripeCount = config.DefaultStripeCount
	}
	spec.Order = opts.Order
	if spec.Order == 0 {
		spec.Order = config.DefaultOrder
	}
	spec.JournalOrder = opts.JournalOrder
	if spec.JournalOrder == 0 {
		spec.JournalOrder = config.JournalOrder
	}
	spec.JournalSplayWidth = opts.JournalSplayWidth
	if spec.JournalSplayWidth == 0 {
		spec.JournalSplayWidth = config.JournalSplayWidth
	}
	spec.JournalPool = opts.JournalPool
	if spec.JournalPool == "" {
		spec.JournalPool = config.JournalPool
	}
	spec.DataPool = opts.DataPool
	if spec.DataPool == "" {
		spec.DataPool = config.DefaultDataPool
	}

	if spec.Order >= 0 && spec.Order < 64 {
		spec.Layout.ObjectSize = 1 << uint(spec.Order)
	}
	if spec.StripeUnit == 0 || spec.StripeCount == 0 {
		spec.Layout.StripeUnit = spec.Layout.ObjectSize
		spec.Layout.StripeCount = 1
	} else {
		spec.Layout.StripeUnit = spec.StripeUnit
		spec.Layout.StripeCount = spec.StripeCount
	}

	if spec.DataPool != "" && spec.DataPool != poolName {
		spec.Features |= FeatureDataPool
	} else {
		spec.DataPool = ""
		spec.Features &^= FeatureDataPool
	}

	if (spec.StripeUnit != 0 && spec.StripeUnit != spec.Layout.ObjectSize) ||
		(spec.StripeCount != 0 && spec.StripeCount != 1) {
		spec.Features |= FeatureStripingV2
	} else {
		spec.Features &^= FeatureStripingV2
	}

	return spec
}

// DefaultStriping reports whether the stripe parameters match the plain
// one-object-at-a-time layout, in which case the header keeps its implicit
// striping.
func (spec Spec) DefaultStriping() bool {
	return (spec.StripeUnit == 0 && spec.StripeCount == 0) ||
		(spec.StripeCount == 1 && spec.StripeUnit == spec.Layout.ObjectSize)
}
