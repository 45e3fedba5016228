// Copyright (C) 2025 vblock authors.
// See LICENSE for copying information.

// Package storelogger implements a zap logging wrapper for objstore.Pool.
package storelogger

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"github.com/vblock/vblock/objstore"
)

var mon = monkit.Package()

var id int64

// Logger implements objstore.Pool by logging each call with zap and passing
// it on to the wrapped pool.
type Logger struct {
	log  *zap.Logger
	pool objstore.Pool
}

// New creates a new Logger with log and pool.
func New(log *zap.Logger, pool objstore.Pool) *Logger {
	loggerid := atomic.AddInt64(&id, 1)
	name := strconv.Itoa(int(loggerid))
	return &Logger{log.Named(name), pool}
}

// Name returns the pool name.
func (logger *Logger) Name() string { return logger.pool.Name() }

// ID returns the numeric pool id.
func (logger *Logger) ID() int64 { return logger.pool.ID() }

// Stat probes for object existence.
func (logger *Logger) Stat(ctx context.Context, object string) (err error) {
	defer mon.Task()(&ctx)(&err)
	logger.log.Debug("Stat", zap.String("object", object))
	return logger.pool.Stat(ctx, object)
}

// Create creates an empty object.
func (logger *Logger) Create(ctx context.Context, object string, exclusive bool) (err error) {
	defer mon.Task()(&ctx)(&err)
	logger.log.Debug("Create", zap.String("object", object), zap.Bool("exclusive", exclusive))
	return logger.pool.Create(ctx, object, exclusive)
}

// Get reads the full contents of an object.
func (logger *Logger) Get(ctx context.Context, object string) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)
	logger.log.Debug("Get", zap.String("object", object))
	return logger.pool.Get(ctx, object)
}

// Put replaces the full contents of an object.
func (logger *Logger) Put(ctx context.Context, object string, data []byte) (err error) {
	defer mon.Task()(&ctx)(&err)
	logger.log.Debug("Put", zap.String("object", object), zap.Int("value length", len(data)))
	return logger.pool.Put(ctx, object, data)
}

// CompareAndSwap atomically replaces oldValue with newValue.
func (logger *Logger) CompareAndSwap(ctx context.Context, object string, oldValue, newValue []byte) (err error) {
	defer mon.Task()(&ctx)(&err)
	logger.log.Debug("CompareAndSwap", zap.String("object", object),
		zap.Int("old length", len(oldValue)), zap.Int("new length", len(newValue)))
	return logger.pool.CompareAndSwap(ctx, object, oldValue, newValue)
}

// Delete removes an object.
func (logger *Logger) Delete(ctx context.Context, object string) (err error) {
	defer mon.Task()(&ctx)(&err)
	logger.log.Debug("Delete", zap.String("object", object))
	return logger.pool.Delete(ctx, object)
}

// SelfManagedSnapCreate allocates a client-managed snapshot id.
func (logger *Logger) SelfManagedSnapCreate(ctx context.Context) (_ uint64, err error) {
	defer mon.Task()(&ctx)(&err)
	logger.log.Debug("SelfManagedSnapCreate")
	return logger.pool.SelfManagedSnapCreate(ctx)
}

// SelfManagedSnapRemove releases a previously allocated snapshot id.
func (logger *Logger) SelfManagedSnapRemove(ctx context.Context, id uint64) (err error) {
	defer mon.Task()(&ctx)(&err)
	logger.log.Debug("SelfManagedSnapRemove", zap.Uint64("id", id))
	return logger.pool.SelfManagedSnapRemove(ctx, id)
}
