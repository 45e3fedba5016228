// Copyright (C) 2025 vblock authors.
// See LICENSE for copying information.

// Package mirror defines the pool mirroring modes, per-image mirror records
// and the watcher notification channel used to announce record changes.
package mirror

import (
	"fmt"

	"github.com/zeebo/errs"
)

// Error is the default error class for mirroring failures.
var Error = errs.Class("mirror")

// Mode is the pool-wide mirroring mode. The numeric values are part of the
// on-store format.
type Mode uint32

const (
	// ModeDisabled turns mirroring off for the pool.
	ModeDisabled Mode = 0
	// ModeImage mirrors only images with an explicitly enabled record.
	ModeImage Mode = 1
	// ModePool mirrors every journaled image in the pool.
	ModePool Mode = 2
)

// Valid reports whether the mode is one of the known modes.
func (mode Mode) Valid() bool {
	switch mode {
	case ModeDisabled, ModeImage, ModePool:
		return true
	}
	return false
}

func (mode Mode) String() string {
	switch mode {
	case ModeDisabled:
		return "disabled"
	case ModeImage:
		return "image"
	case ModePool:
		return "pool"
	}
	return fmt.Sprintf("unknown(%d)", uint32(mode))
}

// State is the per-image mirroring state.
type State uint32

const (
	// StateDisabling marks a record whose teardown is in progress.
	StateDisabling State = 0
	// StateEnabled marks an actively mirrored image.
	StateEnabled State = 1
	// StateDisabled marks a record kept for bookkeeping only.
	StateDisabled State = 2
)

func (state State) String() string {
	switch state {
	case StateDisabling:
		return "disabling"
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	}
	return fmt.Sprintf("unknown(%d)", uint32(state))
}

// Image is the per-image mirror record stored in the pool mirroring index.
type Image struct {
	GlobalImageID string `cbor:"global_image_id"`
	State         State  `cbor:"state"`
}
