package facade

import "testing"

func newTestSM() *SymbolMap { return &SymbolMap{} }

func TestMapCachePutGet(t *testing.T) {
	c := newMapCache(4)
	sm := newTestSM()
	c.put("a", sm)
	got, ok := c.get("a")
	if !ok || got != sm {
		t.Fatal("cached map must be returned")
	}
	if _, ok := c.get("b"); ok {
		t.Fatal("unknown key must miss")
	}
}

func TestMapCacheEvictsLRU(t *testing.T) {
	c := newMapCache(2)
	a, b, d := newTestSM(), newTestSM(), newTestSM()
	c.put("a", a)
	c.put("b", b)
	c.get("a") // refresh a; b is now least recently used
	c.put("d", d)

	if _, ok := c.get("b"); ok {
		t.Error("least-recently-used entry must be evicted")
	}
	if _, ok := c.get("a"); !ok {
		t.Error("recently used entry must survive")
	}
	if _, ok := c.get("d"); !ok {
		t.Error("newest entry must survive")
	}
}

func TestMapCacheReplaceSameKey(t *testing.T) {
	c := newMapCache(2)
	old, repl := newTestSM(), newTestSM()
	c.put("a", old)
	c.put("a", repl)
	got, _ := c.get("a")
	if got != repl {
		t.Error("replacement must win")
	}
}

func TestMapCacheCloseAll(t *testing.T) {
	c := newMapCache(4)
	c.put("a", newTestSM())
	c.put("b", newTestSM())
	c.closeAll()
	if _, ok := c.get("a"); ok {
		t.Error("closeAll must drop every entry")
	}
}
