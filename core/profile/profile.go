// Package profile implements the persistent per-page execution profile
// the AOT pipeline consumes: a fixed-size,
// memory-mapped file keyed by an MD5 of the guest ELF, holding three
// per-page bitmaps (executed, brind-target, segment-entry) at 4-byte
// instruction-slot granularity.
//
// A file opened with a stale checksum is rejected, never silently
// rebuilt. The store is an owned *File value a caller threads through
// explicitly rather than package-level mutable state.
package profile

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	bloomfilter "github.com/holiman/bloomfilter/v2"

	"github.com/elfrun/elfrun/common"
	"github.com/elfrun/elfrun/core/coreerr"
	"github.com/elfrun/elfrun/core/tcache"
	"github.com/elfrun/elfrun/log"
)

var logger = log.New("pkg", "profile")

// FileSize is the fixed size every profile file is pre-allocated at;
// only the prefix up to n_pages is meaningful.
const FileSize = 64 * 1024 * 1024

// bitsetBytes is one bitmap's on-disk size: 4096-byte page / 4-byte insn
// slot = 1024 bits = 128 bytes.
const bitsetBytes = common.PageSize / common.InsnSize / 8

// recordSize is one PageRecord's packed size on disk: pageno (u32) plus
// three bitsets.
const recordSize = 4 + 3*bitsetBytes

const checksumSize = 16
const headerSize = checksumSize + 4 // checksum + n_pages (u32)

// Checksum is the MD5 of the guest ELF a profile file is keyed to.
type Checksum [checksumSize]byte

func (c Checksum) String() string { return fmt.Sprintf("%x", [checksumSize]byte(c)) }

// ChecksumFile hashes an already-open ELF file. MD5 is an integrity
// key for the profile file, not a security boundary.
func ChecksumFile(f *os.File) (Checksum, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return Checksum{}, err
	}
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return Checksum{}, err
	}
	var sum Checksum
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// bitset is a fixed 1024-bit (128-byte) bitmap, one bit per 4-byte
// instruction slot within a page.
type bitset [bitsetBytes]byte

func (b *bitset) set(idx uint32) { b[idx/8] |= 1 << (idx % 8) }
func (b *bitset) test(idx uint32) bool {
	return b[idx/8]&(1<<(idx%8)) != 0
}
func (b *bitset) or(other *bitset) {
	for i := range b {
		b[i] |= other[i]
	}
}

// pageData is the in-file layout of one page's record: page_no, then
// executed/brind_target/segment_entry bitsets in that order.
type pageData struct {
	pageno       uint32
	executed     bitset
	brindTarget  bitset
	segmentEntry bitset
}

func (p *pageData) marshal(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], p.pageno)
	copy(buf[4:4+bitsetBytes], p.executed[:])
	copy(buf[4+bitsetBytes:4+2*bitsetBytes], p.brindTarget[:])
	copy(buf[4+2*bitsetBytes:4+3*bitsetBytes], p.segmentEntry[:])
}

func (p *pageData) unmarshal(buf []byte) {
	p.pageno = binary.LittleEndian.Uint32(buf[0:4])
	copy(p.executed[:], buf[4:4+bitsetBytes])
	copy(p.brindTarget[:], buf[4+bitsetBytes:4+2*bitsetBytes])
	copy(p.segmentEntry[:], buf[4+2*bitsetBytes:4+3*bitsetBytes])
}

// PageRecord is the profile's public view of one page: the guest
// addresses the AOT pipeline's module-graph builder (core/modgraph.Build)
// needs, decoded from the raw bitmaps above.
type PageRecord struct {
	PageNo         uint32
	Entries        []common.GAddr // every slot with the executed bit set
	BrindTargets   []common.GAddr
	SegmentEntries []common.GAddr
}

// File is an open, memory-mapped profile file. Single writer assumed;
// not safe for concurrent use.
type File struct {
	path     string
	osFile   *os.File
	mapping  mmap.MMap
	checksum Checksum
	nPages   *uint32 // view into mapping[checksumSize:headerSize]
	pages    map[uint32]int // pageno -> record index
	// seen is a probabilistic pre-check over touched page numbers,
	// skipping the exact pages map lookup (and its cache-line touch) on
	// the common cold-page path.
	seen *bloomfilter.Filter
}

// Create makes a fresh FileSize-byte profile file at path for checksum,
// truncated and zero-filled, then opens it the same way Open would.
func Create(path string, checksum Checksum) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return nil, fmt.Errorf("profile: create %s: %w", path, err)
	}
	if err := f.Truncate(FileSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("profile: truncate %s: %w", path, err)
	}
	pf, err := mapOpened(path, f)
	if err != nil {
		return nil, err
	}
	pf.checksum = checksum
	copy(pf.mapping[0:checksumSize], checksum[:])
	*pf.nPages = 0
	return pf, nil
}

// Open maps an existing profile file at path and checks its stored
// checksum against want. A mismatch returns coreerr.ErrProfileMismatch
// without mapping further state; the file is refused, never silently
// rebuilt.
func Open(path string, want Checksum) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o666)
	if err != nil {
		return nil, err
	}
	pf, err := mapOpened(path, f)
	if err != nil {
		return nil, err
	}
	if pf.checksum != want {
		pf.Close()
		return nil, fmt.Errorf("profile: %s: %w (stored %s, want %s)",
			path, coreerr.ErrProfileMismatch, pf.checksum, want)
	}
	for i := uint32(0); i < *pf.nPages; i++ {
		var pd pageData
		pd.unmarshal(pf.recordBytes(i))
		pf.pages[pd.pageno] = int(i)
		pf.seen.AddHash(pageHash(pd.pageno))
	}
	return pf, nil
}

func mapOpened(path string, f *os.File) (*File, error) {
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("profile: mmap %s: %w", path, err)
	}
	bf, err := bloomfilter.New(1<<20, 4)
	if err != nil {
		m.Unmap()
		f.Close()
		return nil, err
	}
	pf := &File{
		path:    path,
		osFile:  f,
		mapping: m,
		pages:   make(map[uint32]int),
		seen:    bf,
	}
	copy(pf.checksum[:], m[0:checksumSize])
	pf.nPages = (*uint32)(unsafe.Pointer(&m[checksumSize]))
	return pf, nil
}

// Close unmaps and closes the underlying file. Does not flush: callers
// that want durability call Flush first.
func (pf *File) Close() error {
	if err := pf.mapping.Unmap(); err != nil {
		return err
	}
	return pf.osFile.Close()
}

// Flush syncs the mapping to disk. MAP_SHARED already persists the
// bitmaps at munmap/exit; Flush exists for callers that want a
// checkpoint without waiting for exit.
func (pf *File) Flush() error { return pf.mapping.Flush() }

func (pf *File) recordBytes(idx uint32) []byte {
	off := headerSize + int(idx)*recordSize
	return pf.mapping[off : off+recordSize]
}

func pageHash(pageno uint32) uint64 { return uint64(pageno) * 0x9e3779b97f4a7c15 }

// getOrCreate looks up pageno, or appends a fresh zeroed record, growing
// n_pages. A full file panics: the record table has the same bump-only
// growth discipline as the tcache arenas, and exhaustion is fatal the
// same way.
func (pf *File) getOrCreate(pageno uint32) *pageData {
	if idx, ok := pf.pages[pageno]; ok {
		var pd pageData
		pd.unmarshal(pf.recordBytes(uint32(idx)))
		return &pd
	}
	idx := *pf.nPages
	if headerSize+int(idx+1)*recordSize > FileSize {
		panic("profile: file full, cannot record a new page")
	}
	*pf.nPages = idx + 1
	pf.pages[pageno] = int(idx)
	pf.seen.AddHash(pageHash(pageno))
	pd := &pageData{pageno: pageno}
	pd.marshal(pf.recordBytes(idx))
	return pd
}

func (pf *File) putRecord(pd *pageData) {
	idx := uint32(pf.pages[pd.pageno])
	pd.marshal(pf.recordBytes(idx))
}

// UpdateFromTCache walks tc's live blocks in ascending IP order, grouping
// by page, and ORs executed/brind_target/segment_entry bits into each
// page's record, creating the record if absent.
func (pf *File) UpdateFromTCache(tc *tcache.TCache) {
	blocks := tc.Blocks()
	i := 0
	for i < len(blocks) {
		pageno := common.PageOf(blocks[i].IP)
		pd := pf.getOrCreate(pageno)
		for i < len(blocks) && common.PageOf(blocks[i].IP) == pageno {
			tb := blocks[i]
			idx := common.SlotIndex(tb.IP)
			pd.executed.set(idx)
			if tb.IsBrindTarget {
				pd.brindTarget.set(idx)
			}
			if tb.IsSegmentEntry {
				pd.segmentEntry.set(idx)
			}
			i++
		}
		pf.putRecord(pd)
	}
	logger.Info("updated profile from tcache", "pages", len(pf.pages))
}

// Page returns the decoded PageRecord for pageno, or (PageRecord{}, false)
// if the profile has never recorded that page. The bloom filter's
// negative answer is authoritative (no false negatives); a positive
// answer still falls through to the exact map, since the filter may
// false-positive.
func (pf *File) Page(pageno uint32) (PageRecord, bool) {
	if !pf.seen.ContainsHash(pageHash(pageno)) {
		return PageRecord{}, false
	}
	idx, ok := pf.pages[pageno]
	if !ok {
		return PageRecord{}, false
	}
	var pd pageData
	pd.unmarshal(pf.recordBytes(uint32(idx)))
	return decodePage(pd), true
}

// Pages returns every recorded page, in file order; the AOT pipeline's
// top-level driver (core/aot) walks this to build one module graph per
// page.
func (pf *File) Pages() []PageRecord {
	out := make([]PageRecord, 0, *pf.nPages)
	for i := uint32(0); i < *pf.nPages; i++ {
		var pd pageData
		pd.unmarshal(pf.recordBytes(i))
		out = append(out, decodePage(pd))
	}
	return out
}

func decodePage(pd pageData) PageRecord {
	base := common.GAddr(pd.pageno) * common.PageSize
	rec := PageRecord{PageNo: pd.pageno}
	for idx := uint32(0); idx < common.PageSize/common.InsnSize; idx++ {
		ip := base + common.GAddr(idx*common.InsnSize)
		if pd.executed.test(idx) {
			rec.Entries = append(rec.Entries, ip)
		}
		if pd.brindTarget.test(idx) {
			rec.BrindTargets = append(rec.BrindTargets, ip)
		}
		if pd.segmentEntry.test(idx) {
			rec.SegmentEntries = append(rec.SegmentEntries, ip)
		}
	}
	return rec
}

// Merge ORs every page bitmap of src into dst, creating records dst
// lacks. Used by tests and by `elfaot`'s offline profile-combining mode;
// two runs over the same binary compose to the bitwise OR of their
// individual profiles regardless of merge order.
func Merge(dst *File, src *File) {
	for _, rec := range src.Pages() {
		pd := dst.getOrCreate(rec.PageNo)
		var srec pageData
		srec.unmarshal(src.recordBytes(uint32(src.pages[rec.PageNo])))
		pd.executed.or(&srec.executed)
		pd.brindTarget.or(&srec.brindTarget)
		pd.segmentEntry.or(&srec.segmentEntry)
		dst.putRecord(pd)
	}
}
