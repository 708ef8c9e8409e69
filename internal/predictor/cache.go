// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package predictor

import (
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/lru"

	"github.com/sustainable-computing-io/energy-modeller/internal/energy"
)

// DefaultCacheSize is the number of fitted functions kept by default
const DefaultCacheSize = 50

var allFamilies = []Family{FamilyLinear, FamilyPolynomial, FamilySpline, FamilyBimodal}

type cacheKey struct {
	host   string
	family Family
}

func (k cacheKey) String() string {
	return k.host + "/" + string(k.family)
}

// ModelCache keeps the most recently used fitted function per host and
// family. Concurrent fits of the same key are coalesced.
type ModelCache struct {
	lru   *lru.Cache
	group singleflight.Group
}

// NewModelCache creates a cache holding at most size functions
func NewModelCache(size int) *ModelCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &ModelCache{lru: lru.New(size)}
}

// GetOrFit returns the cached function for host and family, running fit on
// a miss. Failed fits are not cached.
func (c *ModelCache) GetOrFit(host string, family Family, fit func() (*energy.PredictorFunction, error)) (*energy.PredictorFunction, error) {
	key := cacheKey{host: host, family: family}
	if v, ok := c.lru.Get(key); ok {
		return v.(*energy.PredictorFunction), nil
	}

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		if v, ok := c.lru.Get(key); ok {
			return v, nil
		}
		fn, err := fit()
		if err != nil {
			return nil, err
		}
		c.lru.Add(key, fn)
		return fn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*energy.PredictorFunction), nil
}

// Invalidate drops every function fitted for host
func (c *ModelCache) Invalidate(host string) {
	for _, f := range allFamilies {
		c.lru.Remove(cacheKey{host: host, family: f})
	}
}

// Len is the number of cached functions
func (c *ModelCache) Len() int {
	return c.lru.Len()
}
