// Copyright (C) 2025 vblock authors.
// See LICENSE for copying information.

package mirror

import (
	"context"

	"go.uber.org/zap"
)

// ImageUpdated is the payload of an image-updated notification.
type ImageUpdated struct {
	State         State
	ImageID       string
	GlobalImageID string
}

// Watcher receives best-effort notifications about mirror record changes.
// Failures are reported to the caller, which is expected to log and move on.
type Watcher interface {
	NotifyImageUpdated(ctx context.Context, state State, imageID, globalImageID string) error
}

// LogWatcher logs notifications instead of delivering them anywhere.
type LogWatcher struct {
	log *zap.Logger
}

// NewLogWatcher creates a LogWatcher.
func NewLogWatcher(log *zap.Logger) *LogWatcher {
	return &LogWatcher{log: log}
}

// NotifyImageUpdated logs the notification.
func (watcher *LogWatcher) NotifyImageUpdated(ctx context.Context, state State, imageID, globalImageID string) error {
	watcher.log.Debug("image updated",
		zap.Stringer("state", state),
		zap.String("image id", imageID),
		zap.String("global image id", globalImageID))
	return nil
}

// ChanWatcher delivers notifications to a buffered channel. Delivery never
// blocks; when the channel is full the notification is dropped and an error
// returned, which exercises the caller's best-effort path.
type ChanWatcher struct {
	C chan ImageUpdated
}

// NewChanWatcher creates a ChanWatcher with the given buffer size.
func NewChanWatcher(buffer int) *ChanWatcher {
	return &ChanWatcher{C: make(chan ImageUpdated, buffer)}
}

// NotifyImageUpdated delivers the notification to the channel.
func (watcher *ChanWatcher) NotifyImageUpdated(ctx context.Context, state State, imageID, globalImageID string) error {
	select {
	case watcher.C <- ImageUpdated{State: state, ImageID: imageID, GlobalImageID: globalImageID}:
		return nil
	default:
		return Error.New("notification channel full")
	}
}
