package volume

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/golang/groupcache"

	"github.com/cryoetlab/tomothumb/tomo"
)

// Plane reads are immutable for a given (volume, level, z, strides) tuple,
// which makes them safe to hold in groupcache: there is no invalidation to
// get wrong.  One process-wide group serves every wrapped volume; the
// backing volume rides along in the context so the getter can reach it.

var (
	planeGroup     *groupcache.Group
	planeGroupOnce sync.Once
)

// groupcacheCtx carries the backing volume for cache fills.
type groupcacheCtx struct {
	context.Context
	vol Multiscale
}

func getPlaneGroup(cacheBytes int64) *groupcache.Group {
	planeGroupOnce.Do(func() {
		tomo.Infof("Initializing plane cache with %d MB...\n", cacheBytes>>20)
		planeGroup = groupcache.NewGroup("immutable-planes", cacheBytes, groupcache.GetterFunc(
			func(c context.Context, key string, dest groupcache.Sink) error {
				gctx, ok := c.(groupcacheCtx)
				if !ok {
					return fmt.Errorf("bad groupcache context: expected groupcacheCtx, got %v", c)
				}
				var uid string
				var level, z, sy, sx int
				if err := parsePlaneKey(key, &uid, &level, &z, &sy, &sx); err != nil {
					return err
				}
				plane, err := gctx.vol.ReadPlane(gctx.Context, level, z, sy, sx)
				if err != nil {
					return err
				}
				b, err := plane.MarshalBinary()
				if err != nil {
					return err
				}
				return dest.SetBytes(b)
			}))
	})
	return planeGroup
}

func planeKey(uid string, level, z, sy, sx int) string {
	return fmt.Sprintf("%s\x00%d/%d/%d/%d", uid, level, z, sy, sx)
}

func parsePlaneKey(key string, uid *string, level, z, sy, sx *int) error {
	sep := strings.IndexByte(key, 0)
	if sep < 0 {
		return fmt.Errorf("bad plane cache key %q", key)
	}
	*uid = key[:sep]
	if _, err := fmt.Sscanf(key[sep+1:], "%d/%d/%d/%d", level, z, sy, sx); err != nil {
		return fmt.Errorf("bad plane cache key %q: %v", key, err)
	}
	return nil
}

// cachedVolume is a Multiscale that tries the plane cache before resorting
// to the wrapped volume.
type cachedVolume struct {
	Multiscale
	group *groupcache.Group
}

// WrapWithCache returns a volume whose plane reads go through a process-wide
// read-through cache sized in megabytes.  The first caller fixes the cache
// size; later sizes are ignored.
func WrapWithCache(vol Multiscale, megabytes int) Multiscale {
	if megabytes <= 0 {
		return vol
	}
	return cachedVolume{
		Multiscale: vol,
		group:      getPlaneGroup(int64(megabytes) << 20),
	}
}

// ReadPlane only overrides the Get path of the wrapped volume.
func (cv cachedVolume) ReadPlane(ctx context.Context, level, z, sy, sx int) (*Plane, error) {
	gctx := groupcacheCtx{
		Context: ctx,
		vol:     cv.Multiscale,
	}
	gkey := planeKey(cv.UID(), level, z, sy, sx)

	var data []byte
	if err := cv.group.Get(gctx, gkey, groupcache.AllocatingByteSliceSink(&data)); err != nil {
		return nil, err
	}
	plane := new(Plane)
	if err := plane.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return plane, nil
}
