package metatree

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FlushInterval is how long a Store waits with no write activity
// before triggering a rotation, per spec.md §4.6 ("pending flush timer
// (~60 s)").
const FlushInterval = 60 * time.Second

// Store is the high-level API over one metadata tree: an image file
// plus its paired journal, kept consistent across rotation (spec.md
// §4.6 "Write path" / "Rotation").
type Store struct {
	mu sync.RWMutex

	dir       string
	imagePath string

	image      *Image
	journal    *Journal
	entries    []Entry // validated journal entries, newest last
	flushTimer *time.Timer
}

// Open opens (or creates, if absent) the metadata tree rooted at
// dir/name.meta plus its paired journal.
func Open(dir, name string) (*Store, error) {
	imagePath := filepath.Join(dir, name+".meta")
	s := &Store{dir: dir, imagePath: imagePath}

	if _, err := os.Stat(imagePath); os.IsNotExist(err) {
		if err := s.createEmpty(); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	} else {
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	s.armFlushTimer()
	return s, nil
}

func (s *Store) journalPath(tag uint32) string {
	return fmt.Sprintf("%s-%08x.log", s.imagePath, tag)
}

func (s *Store) createEmpty() error {
	tag := randomTag()
	root := newDirNode()
	img := buildImage(root, uint64(nowUnix()), tag)
	if err := os.WriteFile(s.imagePath, img, 0o644); err != nil {
		return err
	}
	j, err := CreateJournal(s.journalPath(tag), tag)
	if err != nil {
		return err
	}
	image, err := OpenImage(s.imagePath)
	if err != nil {
		return err
	}
	s.image = image
	s.journal = j
	return nil
}

func (s *Store) load() error {
	image, err := OpenImage(s.imagePath)
	if err != nil {
		return err
	}
	j, err := OpenJournal(s.journalPath(image.RandomTag()))
	if err != nil {
		// A missing or mismatched journal for a live image means the
		// journal was lost after a crash between rename and the next
		// writer start; treat the tree as having no pending writes.
		s.image = image
		s.journal = nil
		s.entries = nil
		return nil
	}
	entries, err := j.ReadValidEntries()
	if err != nil {
		return err
	}
	s.image = image
	s.journal = j
	s.entries = entries
	return nil
}

func randomTag() uint32 {
	return rand.Uint32() | 1 // never 0, so a zeroed journal header never looks "paired"
}

func nowUnix() int64 { return time.Now().Unix() }

func (s *Store) armFlushTimer() {
	s.flushTimer = time.AfterFunc(FlushInterval, func() {
		_ = s.Rotate()
	})
}

// Close stops the flush timer and releases the mapped image and
// journal file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flushTimer != nil {
		s.flushTimer.Stop()
	}
	if s.journal != nil {
		_ = s.journal.Close()
	}
	return s.image.Close()
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func hasPrefix(path, prefix string) bool {
	if prefix == "" || prefix == "/" {
		return true
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func trimPrefix(path, prefix string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if path == prefix {
		return ""
	}
	return strings.TrimPrefix(path, prefix+"/")
}

func joinPath(base, remainder string) string {
	base = strings.TrimSuffix(base, "/")
	if remainder == "" {
		return base
	}
	if base == "" {
		return remainder
	}
	return base + "/" + remainder
}

// Get resolves (path, key), walking the journal in reverse before
// falling back to the static image (spec.md §4.6 "A view lookup").
func (s *Store) Get(path, key string) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(path, key)
}

func (s *Store) get(path, key string) (Value, bool) {
	cur := path
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		switch e.Type {
		case SetKey:
			if e.Path == cur && e.Key == key {
				return e.Value, true
			}
		case SetVKey:
			if e.Path == cur && e.Key == key {
				return e.Value, true
			}
		case UnsetKey:
			if e.Path == cur && e.Key == key {
				return Value{}, false
			}
		case CopyPath:
			if hasPrefix(cur, e.Path) {
				cur = joinPath(e.SourcePath, trimPrefix(cur, e.Path))
			}
		case RemovePath:
			if hasPrefix(cur, e.Path) {
				return Value{}, false
			}
		}
	}
	return s.image.LookupStatic(splitPath(cur), key)
}

// Set writes a scalar (SET_KEY) or list (SETV_KEY) attribute.
func (s *Store) Set(path, key string, v Value) error {
	if path == "/" || path == "" {
		return fmt.Errorf("metatree: cannot set attributes on the root path")
	}
	typ := SetKey
	if v.IsList {
		typ = SetVKey
	}
	return s.append(Entry{Type: typ, MTime: uint64(nowUnix()), Path: path, Key: key, Value: v})
}

// Unset removes a single attribute.
func (s *Store) Unset(path, key string) error {
	return s.append(Entry{Type: UnsetKey, MTime: uint64(nowUnix()), Path: path, Key: key})
}

// Copy records that path now additionally derives its ancestry from
// src (spec.md's COPY_PATH), so older entries under src continue to
// apply to path's subtree going forward through reverse traversal.
func (s *Store) Copy(dst, src string) error {
	return s.append(Entry{Type: CopyPath, MTime: uint64(nowUnix()), Path: dst, SourcePath: src})
}

// Remove marks path (and its subtree) as having no metadata.
func (s *Store) Remove(path string) error {
	return s.append(Entry{Type: RemovePath, MTime: uint64(nowUnix()), Path: path})
}

func (s *Store) append(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		if err := s.startNewJournal(); err != nil {
			return err
		}
	}
	if err := s.journal.Append(e); err != nil {
		if err == ErrJournalFull {
			if rerr := s.rotateLocked(); rerr != nil {
				return rerr
			}
			return s.journal.Append(e)
		}
		return err
	}
	s.entries = append(s.entries, e)
	s.flushTimer.Reset(FlushInterval)
	return nil
}

func (s *Store) startNewJournal() error {
	tag := s.image.RandomTag()
	j, err := CreateJournal(s.journalPath(tag), tag)
	if err != nil {
		return err
	}
	s.journal = j
	return nil
}

// EnumerateChildren lists the direct children of path, merging the
// static image with journal shadowing (spec.md §4.6 "Enumerating keys
// or children uses the same traversal").
func (s *Store) EnumerateChildren(path string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	added := map[string]bool{}
	cur := path
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		switch e.Type {
		case CopyPath:
			if hasPrefix(cur, e.Path) {
				cur = joinPath(e.SourcePath, trimPrefix(cur, e.Path))
			}
		case RemovePath:
			if hasPrefix(cur, e.Path) {
				return nil
			}
		case SetKey, SetVKey, UnsetKey:
			if parentPath(e.Path) == cur {
				added[baseName(e.Path)] = true
			}
		}
	}
	names := s.image.ChildrenStatic(splitPath(cur))
	set := map[string]bool{}
	var out []string
	for _, n := range names {
		if n == "." || n == ".." {
			continue
		}
		if !set[n] {
			set[n] = true
			out = append(out, n)
		}
	}
	for n := range added {
		if !set[n] {
			set[n] = true
			out = append(out, n)
		}
	}
	return out
}

// EnumerateKeys lists the attribute names currently set at path (spec.md
// §8 testable property 5: "enumeration of /a/b's keys returns exactly
// {tags}"), applying the same reverse-journal shadowing as Get.
func (s *Store) EnumerateKeys(path string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shadowed := map[string]bool{}
	present := map[string]bool{}
	cur := path
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		switch e.Type {
		case CopyPath:
			if hasPrefix(cur, e.Path) {
				cur = joinPath(e.SourcePath, trimPrefix(cur, e.Path))
			}
		case RemovePath:
			if hasPrefix(cur, e.Path) {
				return keysOf(present)
			}
		case SetKey, SetVKey:
			if e.Path == cur && !shadowed[e.Key] {
				present[e.Key] = true
				shadowed[e.Key] = true
			}
		case UnsetKey:
			if e.Path == cur {
				shadowed[e.Key] = true
			}
		}
	}
	for _, name := range s.image.AttributeNamesStatic(splitPath(cur)) {
		if !shadowed[name] {
			present[name] = true
		}
	}
	return keysOf(present)
}

func keysOf(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func parentPath(p string) string {
	p = strings.TrimSuffix(p, "/")
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return ""
	}
	return p[:i]
}

func baseName(p string) string {
	p = strings.TrimSuffix(p, "/")
	i := strings.LastIndex(p, "/")
	return p[i+1:]
}
