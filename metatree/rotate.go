package metatree

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// Rotate merges the current image and journal into a fresh image, then
// swaps in a new empty journal, per spec.md §4.6 "Rotation":
//
//	"A writer (any of the CLI tools, or the daemon on its own flush
//	timer) that notices the journal is full, or that a configurable
//	time has elapsed since the last rotation, merges the current image
//	and journal into a new image ... and starts a fresh, empty
//	journal."
func (s *Store) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked()
}

func (s *Store) rotateLocked() error {
	merged := imageToDirNode(s.image)
	for _, e := range s.entries {
		applyEntry(merged, e)
	}

	newTag := randomTag()
	timeBase := uint64(nowUnix())
	img := buildImage(merged, timeBase, newTag)

	tmpPath := s.imagePath + ".tmp"
	if err := os.WriteFile(tmpPath, img, 0o644); err != nil {
		return fmt.Errorf("metatree: write new image: %w", err)
	}
	if err := syncFile(tmpPath); err != nil {
		os.Remove(tmpPath)
		return err
	}

	newJournalPath := s.journalPath(newTag)
	newJournal, err := CreateJournal(newJournalPath, newTag)
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("metatree: create new journal: %w", err)
	}

	if err := os.Rename(tmpPath, s.imagePath); err != nil {
		newJournal.Close()
		os.Remove(newJournalPath)
		return fmt.Errorf("metatree: rename new image into place: %w", err)
	}
	if err := syncDir(filepath.Dir(s.imagePath)); err != nil {
		// The rename already landed; a missed directory fsync only risks
		// losing durability of the rename itself across a crash, not
		// correctness of the running process.
	}

	oldImage := s.image
	oldJournal := s.journal
	oldJournalTag := oldImage.RandomTag()

	newImage, err := OpenImage(s.imagePath)
	if err != nil {
		newJournal.Close()
		return fmt.Errorf("metatree: reopen rotated image: %w", err)
	}

	s.image = newImage
	s.journal = newJournal
	s.entries = nil

	markRotated(oldImage)
	_ = oldImage.Close()
	if oldJournal != nil {
		_ = oldJournal.Close()
		_ = os.Remove(s.journalPath(oldJournalTag))
	}
	return nil
}

// markRotated flips rotated_flag to rotatedFlagDone directly in the
// still-mapped bytes of a superseded image, so any reader still holding
// the old mapping observes it on its next check (spec.md §4.6
// "Concurrent readers notice rotated_flag != 0 on their next refresh").
func markRotated(img *Image) {
	if len(img.data) < 12 {
		return
	}
	binary.BigEndian.PutUint32(img.data[8:12], rotatedFlagDone)
}

func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func syncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// imageToDirNode walks a static image's entire Dir tree into the
// mutable in-memory shape Rotate merges journal entries onto.
func imageToDirNode(img *Image) *dirNode {
	root := newDirNode()
	walkImageDir(img, img.hdr.RootPointer, root)
	return root
}

func walkImageDir(img *Image, off uint32, n *dirNode) {
	for _, r := range img.readDir(off) {
		name := img.readCStringAt(r.nameOff)
		child := newDirNode()
		child.mtime = img.hdr.TimeBase + uint64(r.mtimeDelta)
		for _, d := range img.readData(r.metaOff) {
			isList := d.keyID&0x80000000 != 0
			id := d.keyID &^ 0x80000000
			key := img.attributeName(id)
			raw := img.readCStringAt(d.valOff)
			if isList {
				child.data[key] = Value{List: splitNul(raw), IsList: true}
			} else {
				child.data[key] = Value{List: []string{raw}}
			}
		}
		n.children[name] = child
		walkImageDir(img, r.childrenOff, child)
	}
}

func splitNul(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func applyEntry(root *dirNode, e Entry) {
	switch e.Type {
	case SetKey, SetVKey:
		n := ensureNode(root, e.Path)
		n.data[e.Key] = e.Value
		if e.MTime > n.mtime {
			n.mtime = e.MTime
		}
	case UnsetKey:
		if n := getNode(root, e.Path); n != nil {
			delete(n.data, e.Key)
		}
	case CopyPath:
		src := getNode(root, e.SourcePath)
		if src == nil {
			return
		}
		setNode(root, e.Path, deepCopyNode(src))
	case RemovePath:
		deleteNode(root, e.Path)
	}
}

func getNode(root *dirNode, path string) *dirNode {
	n := root
	for _, seg := range splitPath(path) {
		child, ok := n.children[seg]
		if !ok {
			return nil
		}
		n = child
	}
	return n
}

func ensureNode(root *dirNode, path string) *dirNode {
	n := root
	for _, seg := range splitPath(path) {
		child, ok := n.children[seg]
		if !ok {
			child = newDirNode()
			n.children[seg] = child
		}
		n = child
	}
	return n
}

func setNode(root *dirNode, path string, node *dirNode) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return
	}
	parent := ensureNode(root, pathOf(segs[:len(segs)-1]))
	parent.children[segs[len(segs)-1]] = node
}

func deleteNode(root *dirNode, path string) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return
	}
	parent := getNode(root, pathOf(segs[:len(segs)-1]))
	if parent == nil {
		return
	}
	delete(parent.children, segs[len(segs)-1])
}

func pathOf(segs []string) string {
	out := ""
	for _, s := range segs {
		out = joinPath(out, s)
	}
	return out
}

func deepCopyNode(n *dirNode) *dirNode {
	cp := newDirNode()
	cp.mtime = n.mtime
	for k, v := range n.data {
		cp.data[k] = v
	}
	for name, child := range n.children {
		cp.children[name] = deepCopyNode(child)
	}
	return cp
}
