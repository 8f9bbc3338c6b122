package service

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/webitel/im-realtime-service/internal/domain/model"
)

const DefaultEntryCacheSize = 10000

// Decoder turns stored entry bytes back into an envelope.
type Decoder interface {
	Decode(data []byte) (model.Envelope, error)
}

// EntryDecoder defines the contract the consumer decodes entries through.
type EntryDecoder interface {
	DecodeEntry(entry model.StreamEntry) (model.Envelope, error)
}

// CachedDecoder shares decoded envelopes between every consumer of the
// process. One stream entry fans out to all local subscribers of a key, so
// without the cache each of them would gunzip the same bytes again.
type CachedDecoder struct {
	codec Decoder
	cache *lru.Cache[string, model.Envelope]
}

var _ EntryDecoder = (*CachedDecoder)(nil)

// NewCachedDecoder provides a thread-safe decoder with an internal LRU cache.
func NewCachedDecoder(codec Decoder, size int) (*CachedDecoder, error) {
	if size <= 0 {
		size = DefaultEntryCacheSize
	}

	// [MEMORY_MANAGEMENT] Bounded LRU of "hot" entries; older ones are decoded again on demand.
	cache, err := lru.New[string, model.Envelope](size)
	if err != nil {
		return nil, fmt.Errorf("entry cache: %w", err)
	}

	return &CachedDecoder{
		codec: codec,
		cache: cache,
	}, nil
}

// DecodeEntry applies a cache-aside lookup keyed by stream and entry id.
// Cached envelopes are shared and must not be mutated by callers.
func (d *CachedDecoder) DecodeEntry(entry model.StreamEntry) (model.Envelope, error) {
	cacheKey := entry.Stream + "/" + entry.ID

	// [HOT_PATH]
	if cached, ok := d.cache.Get(cacheKey); ok {
		return cached, nil
	}

	env, err := d.codec.Decode(entry.Data)
	if err != nil {
		return model.Envelope{}, fmt.Errorf("decode entry %s: %w", cacheKey, err)
	}

	d.cache.Add(cacheKey, env)
	return env, nil
}

// Len reports how many decoded entries are currently cached.
func (d *CachedDecoder) Len() int {
	return d.cache.Len()
}
