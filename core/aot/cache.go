package aot

import (
	"encoding/binary"

	"github.com/golang/snappy"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/elfrun/elfrun/common"
	"github.com/elfrun/elfrun/log"
)

// Cache persists compiled region entries across elfaot runs, keyed by
// (guest ELF checksum, entry ip), so recompiling an AOT module for a
// binary whose profile is unchanged for most pages only pays the
// xlate/qsel/ra/emit cost for entries it has not seen before. Backed by
// github.com/syndtr/goleveldb with github.com/golang/snappy compression
// on the stored value.
type Cache struct {
	db *leveldb.DB
}

var cacheLogger = log.New("pkg", "aot", "component", "cache")

// OpenCache opens (creating if absent) a leveldb cache directory.
func OpenCache(dir string) (*Cache, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, err
	}
	return &Cache{db: db}, nil
}

// Close releases the underlying leveldb handle.
func (c *Cache) Close() error { return c.db.Close() }

func cacheKey(checksum [16]byte, ip common.GAddr) []byte {
	key := make([]byte, 16+4)
	copy(key, checksum[:])
	binary.LittleEndian.PutUint32(key[16:], uint32(ip))
	return key
}

// Get returns a previously cached entry's code and branch-slot sites, or
// (nil, nil, false) on a cache miss.
func (c *Cache) Get(checksum [16]byte, ip common.GAddr) ([]byte, []BranchSlotSite, bool) {
	val, err := c.db.Get(cacheKey(checksum, ip), nil)
	if err != nil {
		return nil, nil, false
	}
	code, slots, ok := decodeCacheValue(val)
	if !ok {
		cacheLogger.Warn("dropping corrupt aot cache entry", "ip", ip)
		return nil, nil, false
	}
	return code, slots, true
}

// Put stores a compiled entry's code and branch-slot sites, snappy-
// compressed, under (checksum, ip).
func (c *Cache) Put(checksum [16]byte, ip common.GAddr, code []byte, slots []BranchSlotSite) {
	val := encodeCacheValue(code, slots)
	if err := c.db.Put(cacheKey(checksum, ip), val, nil); err != nil {
		cacheLogger.Warn("aot cache write failed", "ip", ip, "err", err)
	}
}

// encodeCacheValue packs code length, code bytes, slot count, and each
// slot's (offset, gip) pair into a flat buffer, then snappy-compresses
// it: this cache never needs partial reads, so a single compressed blob
// per entry keeps the format simple.
func encodeCacheValue(code []byte, slots []BranchSlotSite) []byte {
	buf := make([]byte, 0, 8+len(code)+4+len(slots)*12)
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(code)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, code...)
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(slots)))
	buf = append(buf, tmp[:]...)
	for _, s := range slots {
		binary.LittleEndian.PutUint32(tmp[:], uint32(s.Offset))
		buf = append(buf, tmp[:]...)
		binary.LittleEndian.PutUint32(tmp[:], uint32(s.GIP))
		buf = append(buf, tmp[:]...)
	}
	return snappy.Encode(nil, buf)
}

func decodeCacheValue(compressed []byte) ([]byte, []BranchSlotSite, bool) {
	buf, err := snappy.Decode(nil, compressed)
	if err != nil || len(buf) < 4 {
		return nil, nil, false
	}
	codeLen := binary.LittleEndian.Uint32(buf[0:4])
	if uint32(len(buf)) < 4+codeLen+4 {
		return nil, nil, false
	}
	code := append([]byte(nil), buf[4:4+codeLen]...)
	rest := buf[4+codeLen:]
	nSlots := binary.LittleEndian.Uint32(rest[0:4])
	rest = rest[4:]
	if uint32(len(rest)) < nSlots*8 {
		return nil, nil, false
	}
	slots := make([]BranchSlotSite, nSlots)
	for i := range slots {
		off := i * 8
		slots[i] = BranchSlotSite{
			Offset: int(binary.LittleEndian.Uint32(rest[off:])),
			GIP:    common.GAddr(binary.LittleEndian.Uint32(rest[off+4:])),
		}
	}
	return code, slots, true
}
