// Copyright (C) 2025 vblock authors.
// See LICENSE for copying information.

package image

import "strings"

// Feature bits recorded in the image header. The numeric values are part of
// the on-store format and must not change.
const (
	FeatureLayering      uint64 = 1 << 0
	FeatureStripingV2    uint64 = 1 << 1
	FeatureExclusiveLock uint64 = 1 << 2
	FeatureObjectMap     uint64 = 1 << 3
	FeatureFastDiff      uint64 = 1 << 4
	FeatureDeepFlatten   uint64 = 1 << 5
	FeatureJournaling    uint64 = 1 << 6
	FeatureDataPool      uint64 = 1 << 7

	// FeaturesAll is the set of features this implementation understands.
	FeaturesAll = FeatureLayering | FeatureStripingV2 | FeatureExclusiveLock |
		FeatureObjectMap | FeatureFastDiff | FeatureDeepFlatten |
		FeatureJournaling | FeatureDataPool

	// FeaturesDefault is the feature set enabled on new images unless
	// overridden by configuration.
	FeaturesDefault = FeatureLayering | FeatureExclusiveLock |
		FeatureObjectMap | FeatureFastDiff | FeatureDeepFlatten
)

var featureNames = []struct {
	bit  uint64
	name string
}{
	{FeatureLayering, "layering"},
	{FeatureStripingV2, "striping"},
	{FeatureExclusiveLock, "exclusive-lock"},
	{FeatureObjectMap, "object-map"},
	{FeatureFastDiff, "fast-diff"},
	{FeatureDeepFlatten, "deep-flatten"},
	{FeatureJournaling, "journaling"},
	{FeatureDataPool, "data-pool"},
}

// FeatureNames renders a feature bitmask as a comma separated list.
func FeatureNames(features uint64) string {
	var names []string
	for _, entry := range featureNames {
		if features&entry.bit != 0 {
			names = append(names, entry.name)
		}
	}
	if unknown := features &^ FeaturesAll; unknown != 0 {
		names = append(names, "unknown")
	}
	return strings.Join(names, ",")
}

// ValidateFeatures checks the feature mask against the supported universe and
// the inter-feature dependency rules. forceNonPrimary creations require
// journaling; resolution does not add it, and a violation is reported on the
// fatal ErrInternal channel rather than as an invalid configuration.
func ValidateFeatures(features uint64, forceNonPrimary bool) error {
	if features&^FeaturesAll != 0 {
		return ErrUnsupported.New("feature mask %#x contains unsupported bits", features)
	}
	if features&FeatureFastDiff != 0 && features&FeatureObjectMap == 0 {
		return ErrInvalid.New("cannot use fast diff without object map")
	}
	if features&FeatureObjectMap != 0 && features&FeatureExclusiveLock == 0 {
		return ErrInvalid.New("cannot use object map without exclusive lock")
	}
	if features&FeatureJournaling != 0 {
		if features&FeatureExclusiveLock == 0 {
			return ErrInvalid.New("cannot use journaling without exclusive lock")
		}
	} else if forceNonPrimary {
		return ErrInternal.New("non-primary creation without journaling")
	}
	return nil
}
