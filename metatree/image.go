package metatree

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/gvfsd/ftpfs/lib/mmap"
)

// dirNode is the in-memory shape merged from an old image plus journal
// entries, and is what buildImage serialises into the on-disk form.
type dirNode struct {
	children map[string]*dirNode
	data     map[string]Value
	mtime    uint64 // absolute seconds-since-epoch, 0 if unknown
}

func newDirNode() *dirNode {
	return &dirNode{children: map[string]*dirNode{}, data: map[string]Value{}}
}

// imageLayout builds the on-disk image bytes for root. The on-disk
// section order (header, string pool, attribute table, node records)
// is chosen so that every pointer field is resolved in a single
// forward pass; pointer *semantics* (root_pointer/attributes_pointer/
// name_off/value_off, all absolute byte offsets from file start) match
// spec.md §4.6 exactly even though the section order implementing them
// differs from the spec's illustrative struct listing.
func buildImage(root *dirNode, timeBase uint64, randomTag uint32) []byte {
	strs := newStringInterner()
	attrNames := collectAttributeNames(root)
	for _, name := range attrNames {
		strs.intern(name)
	}
	internAllStrings(root, strs)

	stringsStart := imageHeaderSize
	stringPool := strs.bytes(stringsStart)

	attrTableStart := stringsStart + len(stringPool)
	attrTable := encodeAttributeTable(attrNames, strs)

	nodesStart := attrTableStart + len(attrTable)
	nb := &nodeBuilder{offsetBase: nodesStart, strs: strs, attrIndex: indexOf(attrNames)}
	rootOff, _ := nb.writeDirNode(root, timeBase)

	var out []byte
	hdr := imageHeader{
		Major: formatMajor, Minor: formatMinor,
		RotatedFlag:       rotatedFlagLive,
		RandomTag:         randomTag,
		RootPointer:       uint32(rootOff),
		AttributesPointer: uint32(attrTableStart),
		TimeBase:          timeBase,
	}
	out = append(out, encodeImageHeader(hdr)...)
	out = append(out, stringPool...)
	out = append(out, attrTable...)
	out = append(out, nb.buf...)
	return out
}

func collectAttributeNames(n *dirNode) []string {
	seen := map[string]struct{}{}
	var walk func(*dirNode)
	walk = func(n *dirNode) {
		for k := range n.data {
			seen[k] = struct{}{}
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(n)
	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func indexOf(names []string) map[string]uint32 {
	m := make(map[string]uint32, len(names))
	for i, n := range names {
		m[n] = uint32(i)
	}
	return m
}

func internAllStrings(n *dirNode, strs *stringInterner) {
	for name, child := range n.children {
		strs.intern(name)
		internAllStrings(child, strs)
	}
	for _, v := range n.data {
		for _, s := range v.List {
			strs.intern(s)
		}
	}
}

// stringInterner assigns each distinct string a stable absolute file
// offset, so later sections can embed offsets before the pool's final
// bytes are appended to the image.
type stringInterner struct {
	order   []string
	offsets map[string]int
}

func newStringInterner() *stringInterner {
	return &stringInterner{offsets: map[string]int{}}
}

func (s *stringInterner) intern(str string) int {
	if off, ok := s.offsets[str]; ok {
		return off
	}
	s.order = append(s.order, str)
	s.offsets[str] = -1 // resolved once bytes() lays out absolute offsets
	return -1
}

func (s *stringInterner) offsetOf(str string) uint32 {
	return uint32(s.offsets[str])
}

// bytes lays out every interned string as NUL-terminated bytes
// starting at base, and fixes up s.offsets to absolute file offsets.
func (s *stringInterner) bytes(base int) []byte {
	var buf []byte
	pos := base
	for _, str := range s.order {
		s.offsets[str] = pos
		buf = append(buf, []byte(str)...)
		buf = append(buf, 0)
		pos += len(str) + 1
	}
	return buf
}

func encodeAttributeTable(names []string, strs *stringInterner) []byte {
	buf := make([]byte, 4+4*len(names))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(names)))
	for i, name := range names {
		binary.BigEndian.PutUint32(buf[4+4*i:8+4*i], strs.offsetOf(name))
	}
	return buf
}

// nodeBuilder lays out Dir and Data node records bottom-up so a
// parent's children_off/metadata_off are always already-known absolute
// offsets by the time the parent is written.
type nodeBuilder struct {
	buf        []byte
	offsetBase int
	strs       *stringInterner
	attrIndex  map[string]uint32
}

func (nb *nodeBuilder) pos() int { return nb.offsetBase + len(nb.buf) }

// writeDirNode serialises n's Data record (if any, via writeData) and
// then its own Dir record, recursing into children first (bottom-up)
// so the parent's children_off/metadata_off fields reference
// already-known offsets. It returns (dirOff, dataOff): dataOff is 0
// when n carries no attributes.
func (nb *nodeBuilder) writeDirNode(n *dirNode, timeBase uint64) (dirOff, dataOff int) {
	if len(n.data) > 0 {
		dataOff = nb.writeData(n.data)
	}

	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)

	type childRec struct {
		nameOff, childrenOff, metaOff, mtimeDelta uint32
	}
	recs := make([]childRec, 0, len(names))
	for _, name := range names {
		child := n.children[name]
		childDirOff, childDataOff := nb.writeDirNode(child, timeBase)
		delta := uint32(0)
		if child.mtime > timeBase {
			delta = uint32(child.mtime - timeBase)
		}
		recs = append(recs, childRec{
			nameOff:     nb.strs.offsetOf(name),
			childrenOff: uint32(childDirOff),
			metaOff:     uint32(childDataOff),
			mtimeDelta:  delta,
		})
	}

	self := nb.pos()
	out := make([]byte, 4+16*len(recs))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(recs)))
	for i, r := range recs {
		o := 4 + 16*i
		binary.BigEndian.PutUint32(out[o:o+4], r.nameOff)
		binary.BigEndian.PutUint32(out[o+4:o+8], r.childrenOff)
		binary.BigEndian.PutUint32(out[o+8:o+12], r.metaOff)
		binary.BigEndian.PutUint32(out[o+12:o+16], r.mtimeDelta)
	}
	nb.buf = append(nb.buf, out...)
	return self, dataOff
}

func (nb *nodeBuilder) writeData(data map[string]Value) int {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	self := nb.pos()
	out := make([]byte, 4+8*len(keys))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(keys)))
	for i, k := range keys {
		v := data[k]
		id := nb.attrIndex[k]
		if v.IsList {
			id |= 0x80000000
		}
		valOff := nb.strs.offsetOf(v.String())
		if v.IsList {
			valOff = nb.strs.offsetOf(strings.Join(v.List, "\x00"))
		}
		o := 4 + 8*i
		binary.BigEndian.PutUint32(out[o:o+4], id)
		binary.BigEndian.PutUint32(out[o+4:o+8], valOff)
	}
	nb.buf = append(nb.buf, out...)
	return self
}

// Image is a read-only, memory-mapped view of an on-disk metadata
// image (spec.md §4.6 "Read path").
type Image struct {
	data []byte
	hdr  imageHeader
}

// OpenImage memory-maps path and validates its header, including a
// bounds check on root_pointer (spec.md §4.6).
func OpenImage(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("metatree: open image: %w", err)
	}
	defer f.Close()
	data, err := mmap.MapFile(f)
	if err != nil {
		return nil, fmt.Errorf("metatree: map image: %w", err)
	}
	hdr, err := decodeImageHeader(data)
	if err != nil {
		_ = mmap.Free(data)
		return nil, err
	}
	if int(hdr.RootPointer) >= len(data) {
		_ = mmap.Free(data)
		return nil, fmt.Errorf("metatree: root_pointer out of bounds")
	}
	return &Image{data: data, hdr: hdr}, nil
}

// Close unmaps the image.
func (img *Image) Close() error { return mmap.Free(img.data) }

// Rotated reports whether this mapping has been superseded by a
// completed rotation (spec.md §4.6 "Concurrent readers notice
// rotated_flag != 0 on their next refresh").
func (img *Image) Rotated() bool {
	return binary.BigEndian.Uint32(img.data[8:12]) != rotatedFlagLive
}

// RandomTag returns the tag identifying this image's paired journal.
func (img *Image) RandomTag() uint32 { return img.hdr.RandomTag }

func (img *Image) readCStringAt(off uint32) string {
	if int(off) >= len(img.data) {
		return ""
	}
	end := off
	for end < uint32(len(img.data)) && img.data[end] != 0 {
		end++
	}
	return string(img.data[off:end])
}

type imgDirRec struct {
	nameOff, childrenOff, metaOff, mtimeDelta uint32
}

func (img *Image) readDir(off uint32) []imgDirRec {
	if int(off)+4 > len(img.data) {
		return nil
	}
	n := binary.BigEndian.Uint32(img.data[off : off+4])
	recs := make([]imgDirRec, 0, n)
	base := off + 4
	for i := uint32(0); i < n; i++ {
		o := base + 16*i
		if int(o)+16 > len(img.data) {
			break
		}
		recs = append(recs, imgDirRec{
			nameOff:     binary.BigEndian.Uint32(img.data[o : o+4]),
			childrenOff: binary.BigEndian.Uint32(img.data[o+4 : o+8]),
			metaOff:     binary.BigEndian.Uint32(img.data[o+8 : o+12]),
			mtimeDelta:  binary.BigEndian.Uint32(img.data[o+12 : o+16]),
		})
	}
	return recs
}

type imgDataRec struct {
	keyID  uint32
	valOff uint32
}

func (img *Image) readData(off uint32) []imgDataRec {
	if off == 0 || int(off)+4 > len(img.data) {
		return nil
	}
	n := binary.BigEndian.Uint32(img.data[off : off+4])
	recs := make([]imgDataRec, 0, n)
	base := off + 4
	for i := uint32(0); i < n; i++ {
		o := base + 8*i
		if int(o)+8 > len(img.data) {
			break
		}
		recs = append(recs, imgDataRec{
			keyID:  binary.BigEndian.Uint32(img.data[o : o+4]),
			valOff: binary.BigEndian.Uint32(img.data[o+4 : o+8]),
		})
	}
	return recs
}

func (img *Image) attributeName(id uint32) string {
	start := img.hdr.AttributesPointer
	count := binary.BigEndian.Uint32(img.data[start : start+4])
	if id >= count {
		return ""
	}
	off := binary.BigEndian.Uint32(img.data[start+4+4*id : start+8+4*id])
	return img.readCStringAt(off)
}

// LookupStatic resolves (path, key) against only the static image
// (no journal overlay), walking the Dir tree from root_pointer. It
// returns ok=false if the path or key is absent. The root directory
// itself carries no queryable attributes, since nothing above
// root_pointer could hold a metadata_off for it; Store.Set rejects
// attribute writes on the root path for the same reason.
func (img *Image) LookupStatic(segments []string, key string) (Value, bool) {
	off := img.hdr.RootPointer
	var metaOff uint32
	for _, seg := range segments {
		recs := img.readDir(off)
		found := false
		for _, r := range recs {
			if img.readCStringAt(r.nameOff) == seg {
				off = r.childrenOff
				metaOff = r.metaOff
				found = true
				break
			}
		}
		if !found {
			return Value{}, false
		}
	}
	if metaOff == 0 {
		return Value{}, false
	}
	for _, d := range img.readData(metaOff) {
		isList := d.keyID&0x80000000 != 0
		id := d.keyID &^ 0x80000000
		if img.attributeName(id) != key {
			continue
		}
		raw := img.readCStringAt(d.valOff)
		if isList {
			return Value{List: strings.Split(raw, "\x00"), IsList: true}, true
		}
		return Value{List: []string{raw}}, true
	}
	return Value{}, false
}

// AttributeNamesStatic returns the attribute names set at segments in
// the static image alone.
func (img *Image) AttributeNamesStatic(segments []string) []string {
	off := img.hdr.RootPointer
	var metaOff uint32
	for _, seg := range segments {
		recs := img.readDir(off)
		found := false
		for _, r := range recs {
			if img.readCStringAt(r.nameOff) == seg {
				off = r.childrenOff
				metaOff = r.metaOff
				found = true
				break
			}
		}
		if !found {
			return nil
		}
	}
	if metaOff == 0 {
		return nil
	}
	recs := img.readData(metaOff)
	names := make([]string, 0, len(recs))
	for _, d := range recs {
		id := d.keyID &^ 0x80000000
		names = append(names, img.attributeName(id))
	}
	return names
}

// ChildrenStatic returns the direct child names of the directory at
// segments, per the static image alone.
func (img *Image) ChildrenStatic(segments []string) []string {
	off := img.hdr.RootPointer
	for _, seg := range segments {
		recs := img.readDir(off)
		found := false
		for _, r := range recs {
			if img.readCStringAt(r.nameOff) == seg {
				off = r.childrenOff
				found = true
				break
			}
		}
		if !found {
			return nil
		}
	}
	recs := img.readDir(off)
	names := make([]string, 0, len(recs))
	for _, r := range recs {
		names = append(names, img.readCStringAt(r.nameOff))
	}
	return names
}
