package bluez

import (
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// nameResolver maps device object paths to display names. Lookups hit
// the bus at most once per TTL per device, and concurrent lookups for
// the same device share one call.
type nameResolver struct {
	cache  *cache.Cache
	group  singleflight.Group
	lookup func(path string) (string, error)
}

func newNameResolver(ttl time.Duration, lookup func(path string) (string, error)) *nameResolver {
	return &nameResolver{
		cache:  cache.New(ttl, 2*ttl),
		lookup: lookup,
	}
}

// name never fails: without a usable answer from the bus it falls back
// to the MAC address encoded in the path. Fallbacks are not cached.
func (r *nameResolver) name(path string) string {
	if v, ok := r.cache.Get(path); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}

	v, err, _ := r.group.Do(path, func() (interface{}, error) {
		if v, ok := r.cache.Get(path); ok {
			return v, nil
		}
		name, err := r.lookup(path)
		if err != nil {
			return nil, err
		}
		if name == "" {
			return macFromPath(path), nil
		}
		r.cache.SetDefault(path, name)
		return name, nil
	})
	if err != nil {
		return macFromPath(path)
	}
	s, _ := v.(string)
	return s
}

// remember seeds the cache with a name learned elsewhere, such as from
// discovery.
func (r *nameResolver) remember(path, name string) {
	if name == "" {
		return
	}
	r.cache.SetDefault(path, name)
}
