// Copyright (C) 2025 vblock authors.
// See LICENSE for copying information.

// Package image defines the creation parameters of a block image: feature
// flags, striped layout math, caller options and their resolution against
// process-wide defaults, and the validation predicates that run before any
// store side effect.
package image

import (
	"github.com/zeebo/errs"
)

var (
	// Error is the default error class for image parameter failures.
	Error = errs.Class("image")

	// ErrInvalid is returned for an inconsistent configuration.
	ErrInvalid = errs.Class("invalid argument")

	// ErrUnsupported is returned for feature bits outside the supported set.
	ErrUnsupported = errs.Class("unsupported")

	// ErrOutOfRange is returned for numeric parameters outside their domain.
	ErrOutOfRange = errs.Class("out of range")

	// ErrInternal flags impossible states; it is never expected to surface
	// on a valid call path.
	ErrInternal = errs.Class("internal error")
)
