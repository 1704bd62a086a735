// Package vfspath implements the outward/server path abstraction shared
// by the FTP backend and the metadata store: an immutable, slash
// separated, UTF-8 path rooted at "/", plus the (usually identical)
// server-side path form used to talk to a non-TVFS-compliant server.
package vfspath

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrInvalidName is returned when a path component contains a character
// the FTP protocol cannot carry unambiguously.
type ErrInvalidName struct {
	Name string
}

func (e *ErrInvalidName) Error() string {
	return fmt.Sprintf("invalid filename %q: must not contain '/', '\\r' or '\\n'", e.Name)
}

// Path is an immutable rooted path. The zero value is the root.
type Path struct {
	outward string // always starts with "/", no trailing slash except at root
	server  string // server-side rendering; identical to outward for TVFS servers
}

// Root returns the path "/".
func Root() Path {
	return Path{outward: "/", server: "/"}
}

// New builds a Path from an already-slash-joined outward path, assuming
// a TVFS-compliant server where the server path equals the outward path.
func New(outward string) Path {
	outward = normalise(outward)
	return Path{outward: outward, server: outward}
}

// NewWithServer builds a Path whose server-side rendering differs from
// its outward form.
func NewWithServer(outward, server string) Path {
	return Path{outward: normalise(outward), server: normalise(server)}
}

func normalise(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return norm.NFC.String(p)
}

// ValidateName checks a single path component (not a full path) for
// characters the FTP command channel cannot carry: a literal NAME, not
// a path, must never contain '/', '\r' or '\n'.
func ValidateName(name string) error {
	if strings.ContainsAny(name, "/\r\n") {
		return &ErrInvalidName{Name: name}
	}
	return nil
}

// Outward returns the client-facing path.
func (p Path) Outward() string { return p.outward }

// Server returns the path form to send to the FTP server.
func (p Path) Server() string { return p.server }

// IsRoot reports whether p is "/".
func (p Path) IsRoot() bool { return p.outward == "/" }

// Base returns the last path component, or "" at the root.
func (p Path) Base() string {
	if p.IsRoot() {
		return ""
	}
	i := strings.LastIndexByte(p.outward, '/')
	return p.outward[i+1:]
}

// Parent returns the parent of p. The parent of the root is the root.
func (p Path) Parent() Path {
	if p.IsRoot() {
		return p
	}
	i := strings.LastIndexByte(p.outward, '/')
	outParent := p.outward[:i]
	if outParent == "" {
		outParent = "/"
	}
	si := strings.LastIndexByte(p.server, '/')
	servParent := p.server[:si]
	if servParent == "" {
		servParent = "/"
	}
	return Path{outward: outParent, server: servParent}
}

// Child constructs the path for a child named name. name must not
// contain '/', '\r' or '\n'.
func (p Path) Child(name string) (Path, error) {
	if err := ValidateName(name); err != nil {
		return Path{}, err
	}
	join := func(base string) string {
		if base == "/" {
			return "/" + name
		}
		return base + "/" + name
	}
	return Path{outward: norm.NFC.String(join(p.outward)), server: norm.NFC.String(join(p.server))}, nil
}

// String implements fmt.Stringer, returning the outward form.
func (p Path) String() string { return p.outward }

// Equal reports whether two paths have the same outward form.
func (p Path) Equal(o Path) bool { return p.outward == o.outward }

// HasPrefix reports whether p is prefix or o itself (used for
// ancestor-of checks: journal COPY_PATH/REMOVE_PATH, cache invalidation
// of ancestors).
func (p Path) HasPrefix(prefix Path) bool {
	if prefix.IsRoot() {
		return true
	}
	if p.outward == prefix.outward {
		return true
	}
	return strings.HasPrefix(p.outward, prefix.outward+"/")
}

// TrimPrefix returns the remainder of p after removing prefix, without a
// leading slash. Used by COPY_PATH rewriting: path = dst/remainder ->
// src/remainder.
func (p Path) TrimPrefix(prefix Path) string {
	if p.outward == prefix.outward {
		return ""
	}
	if prefix.IsRoot() {
		return strings.TrimPrefix(p.outward, "/")
	}
	return strings.TrimPrefix(p.outward, prefix.outward+"/")
}

// Join appends a remainder (possibly containing further slashes, e.g.
// the rewritten suffix from TrimPrefix) onto p.
func (p Path) Join(remainder string) Path {
	if remainder == "" {
		return p
	}
	join := func(base string) string {
		if base == "/" {
			return "/" + remainder
		}
		return base + "/" + remainder
	}
	return Path{outward: join(p.outward), server: join(p.server)}
}
