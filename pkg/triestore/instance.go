// Package ignite provides a high-performance, embedded key/value data
// store built on an adaptive radix trie over a segmented, mmap'd data
// file. It combines a lock-free address-indirection table with a
// copy-on-write mutation kernel to give readers a wait-free, always
// consistent view of any committed root while writers mutate
// concurrently. It is designed for applications requiring fast,
// durable point lookups and range-free key/value storage, such as
// caching, session management, and embedded indexing.
package ignite

import (
	"context"

	"github.com/iamNilotpal/triestore/internal/engine"
	"github.com/iamNilotpal/triestore/internal/kernel"
	apperrors "github.com/iamNilotpal/triestore/pkg/errors"
	"github.com/iamNilotpal/triestore/pkg/logger"
	"github.com/iamNilotpal/triestore/pkg/options"
)

// defaultRootIndex is the top root Set/Get/Delete operate against.
// Instance exposes spec.md §6's single-root convenience surface;
// callers needing more than one independently-committable root should
// go directly through Engine's own ReadSession/WriteSession API.
const defaultRootIndex = 0

// Instance is the primary entry point for interacting with the
// TrieStore: it encapsulates the core engine responsible for data
// handling and the configuration options applied to this instance.
type Instance struct {
	engine  *engine.Engine   // The underlying database engine handling read/write operations.
	options *options.Options // Configuration options applied to this DB instance.
}

// NewInstance creates and initializes a new TrieStore instance.
func NewInstance(context context.Context, service string, opts ...options.OptionFunc) (*Instance, error) {
	// Initialize a logger for the given service.
	log := logger.New(service)

	// Initialize default options.
	defaultOpts := options.NewDefaultOptions()

	// Apply any provided functional options to override defaults.
	if len(opts) > 0 {
		for _, opt := range opts {
			opt(&defaultOpts)
		}
	}

	// Create a new internal engine with the initialized logger.
	eng, err := engine.New(context, &engine.Config{Logger: log, Options: &defaultOpts})
	if err != nil {
		return nil, err
	}

	return &Instance{engine: eng, options: &defaultOpts}, nil
}

// Set stores a key-value pair in the database, inserting or updating
// whichever is appropriate. The operation is durable per the engine's
// configured sync mode once this call returns.
func (i *Instance) Set(ctx context.Context, key string, value []byte) error {
	ws, err := i.engine.StartWriteSession()
	if err != nil {
		return err
	}
	defer ws.Close()

	tx, err := ws.StartWriteTransaction(defaultRootIndex)
	if err != nil {
		return err
	}

	if err := tx.Upsert(ctx, []byte(key), kernel.ValueSpec{Inline: value}, kernel.Upsert); err != nil {
		_ = tx.Abort()
		return err
	}
	return tx.Commit(ctx)
}

// Get retrieves the value associated with the given key. It reports
// (nil, nil) if the key is absent.
func (i *Instance) Get(ctx context.Context, key string) ([]byte, error) {
	rs, err := i.engine.StartReadSession()
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	val, found, err := rs.Get(defaultRootIndex, []byte(key))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return val.Inline, nil
}

// Delete removes a key-value pair from the database. It is a no-op,
// not an error, if the key does not exist.
func (i *Instance) Delete(ctx context.Context, key string) error {
	ws, err := i.engine.StartWriteSession()
	if err != nil {
		return err
	}
	defer ws.Close()

	tx, err := ws.StartWriteTransaction(defaultRootIndex)
	if err != nil {
		return err
	}

	if err := tx.Upsert(ctx, []byte(key), kernel.ValueSpec{}, kernel.Remove); err != nil {
		_ = tx.Abort()
		if idxErr, ok := apperrors.AsIndexError(err); ok && idxErr.Code() == apperrors.ErrorCodeIndexKeyNotFound {
			return nil
		}
		return err
	}
	return tx.Commit(ctx)
}

// Close shuts down the TrieStore instance: it stops the background
// threads, marks the header cleanly shut down and syncs it, then unmaps
// and closes every file. The segment log is not synced here; committed
// writes are as durable as the sync mode their commits ran under made
// them.
func (i *Instance) Close(context context.Context) error {
	return i.engine.Close()
}
