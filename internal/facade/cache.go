package facade

import (
	"container/list"
	"sync"
)

// defaultMaxResident bounds how many constructed symbol maps the façade
// keeps alive at once when the host process does not configure
// config.Config.MaxResidentSymbolMaps, sized for a single-process
// profiler host rather than a multi-tenant symbol server.
const defaultMaxResident = 64

// mapCache is a bounded, least-recently-used cache of constructed
// *SymbolMap values keyed by debug identifier. Evicted entries are
// closed, releasing whatever file handles their backend holds open.
type mapCache struct {
	max int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
}

type cacheItem struct {
	key string
	sm  *SymbolMap
}

func newMapCache(max int) *mapCache {
	if max <= 0 {
		max = defaultMaxResident
	}
	return &mapCache{
		max:     max,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

func (c *mapCache) get(key string) (*SymbolMap, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheItem).sm, true
}

// put inserts sm under key, evicting the least-recently-used entry if
// the cache is now over capacity. If key is already present (a race
// singleflight's dedup makes rare but not impossible across distinct
// keys mapping to the same debug-id), the newcomer wins.
func (c *mapCache) put(key string, sm *SymbolMap) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		old := el.Value.(*cacheItem).sm
		el.Value.(*cacheItem).sm = sm
		c.order.MoveToFront(el)
		if old != sm {
			old.Close()
		}
		return
	}

	el := c.order.PushFront(&cacheItem{key: key, sm: sm})
	c.entries[key] = el

	for c.order.Len() > c.max {
		back := c.order.Back()
		if back == nil {
			break
		}
		item := back.Value.(*cacheItem)
		c.order.Remove(back)
		delete(c.entries, item.key)
		item.sm.Close()
	}
}

// closeAll releases every resident symbol map, used by Facade.Close.
func (c *mapCache) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, el := range c.entries {
		el.Value.(*cacheItem).sm.Close()
	}
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}
