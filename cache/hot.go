package cache

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/DmitriyVTitov/size"
	"github.com/coocood/freecache"

	"github.com/cryoetlab/tomothumb/tomo"
)

const numHotShards = 64

// hotCache keeps recently used thumbnails in memory so repeated gallery
// scrolls skip both disk reads and codec decodes.  Entries are serialized
// images compressed with snappy.  A nil hotCache is valid and does nothing.
type hotCache struct {
	cache    *freecache.Cache
	mu       [numHotShards]sync.RWMutex
	attempts uint64
	hits     uint64
}

func newHotCache(megabytes int) *hotCache {
	if megabytes <= 0 {
		return nil
	}
	tomo.Infof("Created freecache of ~ %d MB for thumbnails.\n", megabytes)
	return &hotCache{cache: freecache.NewCache(megabytes << 20)}
}

func hotShard(key string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return h.Sum64() % numHotShards
}

func (hc *hotCache) get(key string) *tomo.Image {
	if hc == nil {
		return nil
	}
	atomic.AddUint64(&hc.attempts, 1)
	shard := hotShard(key)
	hc.mu[shard].RLock()
	serialization, err := hc.cache.Get([]byte(key))
	hc.mu[shard].RUnlock()
	if err != nil {
		if err != freecache.ErrNotFound {
			tomo.Errorf("Error on getting thumbnail %q from hot cache: %v\n", key, err)
		}
		return nil
	}
	var img tomo.Image
	if err := img.Deserialize(serialization); err != nil {
		tomo.Errorf("Unable to deserialize hot cache thumbnail %q: %v\n", key, err)
		hc.del(key)
		return nil
	}
	atomic.AddUint64(&hc.hits, 1)
	return &img
}

func (hc *hotCache) set(key string, img *tomo.Image) {
	if hc == nil {
		return
	}
	serialization, err := img.Serialize(tomo.Snappy, tomo.CRC32)
	if err != nil {
		tomo.Errorf("Unable to serialize thumbnail %q for hot cache: %v\n", key, err)
		return
	}
	shard := hotShard(key)
	hc.mu[shard].Lock()
	if err := hc.cache.Set([]byte(key), serialization, 0); err != nil {
		// Oversized entries simply stay disk-only.
		tomo.Debugf("Unable to hot cache thumbnail %q (%d bytes): %v\n", key, len(serialization), err)
	}
	hc.mu[shard].Unlock()
}

func (hc *hotCache) del(key string) {
	if hc == nil {
		return
	}
	shard := hotShard(key)
	hc.mu[shard].Lock()
	hc.cache.Del([]byte(key))
	hc.mu[shard].Unlock()
}

func (hc *hotCache) purge() {
	if hc == nil {
		return
	}
	hc.cache.Clear()
}

func (hc *hotCache) stats() (attempts, hits, entries, numBytes uint64) {
	if hc == nil {
		return
	}
	attempts = atomic.LoadUint64(&hc.attempts)
	hits = atomic.LoadUint64(&hc.hits)
	entries = uint64(hc.cache.EntryCount())
	numBytes = uint64(size.Of(hc.cache))
	return
}
