// Package cache provides the read/write seam the fetcher consults before and
// after going to the network, plus the storage backends behind it.
//
// Freshness is decided on read: an entry whose first status entry has a
// nextUpdate at or before the current time is reported as absent. Clock skew
// tolerance applies to validation only, never to cache freshness.
package cache

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/remiblancher/ocsp-response-fetch/internal/ocsp"
)

// ErrNotFound is returned by a Store when the key is absent.
var ErrNotFound = errors.New("cache entry not found")

// ReadFunc returns a fresh cached response, or nil when there is none.
// An error is treated by the caller as a miss.
type ReadFunc func(ctx context.Context) (*ocsp.Response, error)

// WriteFunc persists a validated response. An error is logged by the caller
// and otherwise ignored.
type WriteFunc func(ctx context.Context, resp *ocsp.Response) error

// Store is a byte-oriented key/value backend. Implementations must tolerate
// concurrent use; concurrent writes to the same key are last-writer-wins.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key. Backends with native expiry drop the value
	// after ttl; others keep it and rely on the freshness check on read.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Close releases the backend.
	Close() error
}

// Options tune the hooks built by Hooks.
type Options struct {
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Fresh reports whether a response with the given nextUpdate may still be
// served at now. A response without nextUpdate is never fresh.
func Fresh(nextUpdate, now time.Time) bool {
	if nextUpdate.IsZero() {
		return false
	}
	return now.Before(nextUpdate)
}

// Hooks adapts a Store into the read/write seam for one cache key.
func Hooks(store Store, key string, opts Options) (ReadFunc, WriteFunc) {
	read := func(ctx context.Context) (*ocsp.Response, error) {
		raw, err := store.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("cache read: %w", err)
		}

		entry, err := DecodeEntry(raw)
		if err != nil {
			return nil, fmt.Errorf("cache read: %w", err)
		}

		resp, err := ocsp.ParseResponse(entry.DER)
		if err != nil {
			return nil, fmt.Errorf("cache read: %w", err)
		}
		if resp.Status != ocsp.StatusSuccessful {
			return nil, fmt.Errorf("cache read: cached response status %s", resp.Status)
		}

		if !Fresh(resp.FirstNextUpdate(), opts.now()) {
			return nil, nil
		}
		return resp, nil
	}

	write := func(ctx context.Context, resp *ocsp.Response) error {
		if resp == nil || len(resp.Raw) == 0 {
			return errors.New("cache write: empty response")
		}

		now := opts.now()
		next := resp.FirstNextUpdate()
		if !Fresh(next, now) {
			// Could never be served.
			return nil
		}

		raw, err := Entry{DER: resp.Raw, NextUpdate: next, StoredAt: now}.Marshal()
		if err != nil {
			return fmt.Errorf("cache write: %w", err)
		}
		if err := store.Put(ctx, key, raw, next.Sub(now)); err != nil {
			return fmt.Errorf("cache write: %w", err)
		}
		return nil
	}

	return read, write
}

// Key derives the cache key of a certificate: its subject followed by the
// colon-separated uppercase hex serial number.
func Key(cert *x509.Certificate) string {
	return cert.Subject.String() + " " + colonHex(cert.SerialNumber.Bytes())
}

func colonHex(b []byte) string {
	if len(b) == 0 {
		return "00"
	}
	parts := make([]string, len(b))
	for i, c := range b {
		parts[i] = fmt.Sprintf("%02X", c)
	}
	return strings.Join(parts, ":")
}
