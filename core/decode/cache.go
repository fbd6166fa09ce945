package decode

import lru "github.com/hashicorp/golang-lru"

// decodeCacheSize bounds the LRU cache of decoded instructions keyed by
// raw 32-bit word. A hot loop body's instruction words repeat across every
// retranslation of the same guest page (e.g. after an AOT-triggered or
// profile-driven tcache flush), so caching the decode result avoids
// redundant bitfield extraction for words this process has already seen;
// not a correctness requirement (Decode is a pure function),
// purely an avoided-work optimisation.
const decodeCacheSize = 4096

// Cache wraps a bounded LRU of raw word -> decoded Insn.
type Cache struct {
	lru *lru.Cache
}

// NewCache allocates a ready-to-use decode cache.
func NewCache() *Cache {
	c, err := lru.New(decodeCacheSize)
	if err != nil {
		// lru.New only fails for a non-positive size, which decodeCacheSize
		// never is; a panic here would indicate a constant was edited badly.
		panic(err)
	}
	return &Cache{lru: c}
}

// Decode returns Decode(raw), filling and consulting c. Safe to share a
// single Cache across every Analyse call in a process, since the result is
// independent of where raw was fetched from.
func (c *Cache) Decode(raw uint32) Insn {
	if v, ok := c.lru.Get(raw); ok {
		return v.(Insn)
	}
	insn := Decode(raw)
	c.lru.Add(raw, insn)
	return insn
}
