package aperture

import (
	"aperture/internal/asset"
	"aperture/internal/lru"
)

// source names where a served asset came from.
type source string

const (
	sourceRAM        source = "ram"
	sourceDisk       source = "disk"
	sourceWHIP       source = "whip"
	sourceCloudFiles source = "cloudfiles"
)

var allSources = []source{sourceRAM, sourceDisk, sourceWHIP, sourceCloudFiles}

// assetCache is the RAM LRU in front of the optional disk tier. Either
// level may be absent; with both absent caching is off.
type assetCache struct {
	ram  *lru.Cache[string, asset.Asset]
	disk *diskTier
}

func newAssetCache(ramMax int64, disk *diskTier) *assetCache {
	c := &assetCache{disk: disk}
	if ramMax > 0 {
		c.ram = lru.New[string, asset.Asset](ramMax, assetWeight, lru.WithEvictHook(c.spill))
	}
	return c
}

func assetWeight(a asset.Asset) int64 { return int64(a.Len()) }

// spill runs under the RAM cache lock and must not call back into it.
func (c *assetCache) spill(id string, a asset.Asset) {
	if c.disk != nil && !c.disk.Has(id) {
		c.disk.PutAsync(a)
	}
}

func (c *assetCache) Enabled() bool { return c.ram != nil || c.disk != nil }

func (c *assetCache) Get(id string) (asset.Asset, source, bool) {
	if c.ram != nil {
		if a, ok := c.ram.Get(id); ok {
			return a, sourceRAM, true
		}
	}
	if c.disk != nil {
		if a, ok := c.disk.Get(id); ok {
			if c.ram != nil {
				c.ram.Put(id, a)
			}
			return a, sourceDisk, true
		}
	}
	return nil, "", false
}

func (c *assetCache) Put(a asset.Asset) {
	if c.ram != nil {
		c.ram.Put(a.ID(), a)
	}
	if c.disk != nil {
		c.disk.PutAsync(a)
	}
}

func (c *assetCache) RAMSize() int64 {
	if c.ram == nil {
		return 0
	}
	return c.ram.TotalSize()
}

func (c *assetCache) DiskSize() int64 {
	if c.disk == nil {
		return 0
	}
	return c.disk.TotalSize()
}

// Count is the number of distinct assets held across both levels.
func (c *assetCache) Count() int {
	var ramKeys []string
	if c.ram != nil {
		ramKeys = c.ram.Keys()
	}
	if c.disk == nil {
		return len(ramKeys)
	}
	both := 0
	for _, k := range ramKeys {
		if c.disk.Has(k) {
			both++
		}
	}
	return len(ramKeys) + c.disk.KeyCount() - both
}
