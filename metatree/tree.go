package metatree

import (
	"path/filepath"
	"strings"
)

// ResolveTree maps an outward path to the metadata tree that owns it and
// the path inside that tree, mirroring the convention described in
// spec.md §6 ("meta-get-tree ... resolves each path to its owning
// metadata tree and the path inside it"): metadata is split one tree per
// top-level mount name, so the first path component names the tree and
// the remainder is the in-tree path.
func ResolveTree(path string) (tree, inTreePath string) {
	path = strings.Trim(path, "/")
	if path == "" {
		return "root", "/"
	}
	segs := strings.SplitN(path, "/", 2)
	tree = segs[0]
	if len(segs) == 1 {
		return tree, "/"
	}
	return tree, "/" + segs[1]
}

// TreeImagePath returns the on-disk image path for tree under metaDir.
func TreeImagePath(metaDir, tree string) string {
	return filepath.Join(metaDir, tree+".meta")
}
