package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Entry is the stored form of a cached response.
type Entry struct {
	DER        []byte    `cbor:"1,keyasint"`
	NextUpdate time.Time `cbor:"2,keyasint"`
	StoredAt   time.Time `cbor:"3,keyasint"`
}

var entryEncMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

// Marshal encodes the entry as canonical CBOR.
func (e Entry) Marshal() ([]byte, error) {
	if len(e.DER) == 0 {
		return nil, errors.New("entry has no response")
	}
	data, err := entryEncMode.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cache entry: %w", err)
	}
	return data, nil
}

// DecodeEntry decodes an entry produced by Marshal.
func DecodeEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := cbor.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	if len(e.DER) == 0 {
		return nil, errors.New("cache entry has no response")
	}
	return &e, nil
}
