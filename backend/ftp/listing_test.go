package ftp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUnixDirectory(t *testing.T) {
	p := NewListingParser()
	e := p.Parse("drwxr-xr-x  2 user group 4096 Mar  3 10:22 subdir")
	require.Equal(t, EntryDirectory, e.Kind)
	assert.Equal(t, "subdir", e.Name)
	assert.Equal(t, time.March, e.ModTime.Month)
	assert.Equal(t, 3, e.ModTime.Day)
	assert.Equal(t, 10, e.ModTime.Hour)
	assert.Equal(t, 22, e.ModTime.Minute)
	assert.Equal(t, 0, e.ModTime.Year)
}

func TestParseUnixFileWithYear(t *testing.T) {
	p := NewListingParser()
	e := p.Parse("-rw-r--r--  1 user group  512 Mar  3  2019 readme.txt")
	require.Equal(t, EntryFile, e.Kind)
	assert.Equal(t, "readme.txt", e.Name)
	assert.Equal(t, "512", e.Size)
	assert.Equal(t, 2019, e.ModTime.Year)
}

func TestParseUnixSymlink(t *testing.T) {
	p := NewListingParser()
	e := p.Parse("lrwxrwxrwx  1 user group   11 Mar  3 10:22 current -> ../releases/v2")
	require.Equal(t, EntrySymlink, e.Kind)
	assert.Equal(t, "current", e.Name)
	assert.Equal(t, "releases/v2", e.LinkTarget)
}

func TestParseUnixSymlinkAbsoluteTarget(t *testing.T) {
	p := NewListingParser()
	e := p.Parse("lrwxrwxrwx  1 user group   20 Mar  3 10:22 link -> /var/foo/../bar")
	require.Equal(t, EntrySymlink, e.Kind)
	assert.Equal(t, "/var/bar", e.LinkTarget)
}

func TestParseIgnoresTotalAndBlank(t *testing.T) {
	p := NewListingParser()
	assert.Equal(t, EntryIgnore, p.Parse("total 24").Kind)
	assert.Equal(t, EntryIgnore, p.Parse("").Kind)
}

func TestParseDOSDirectory(t *testing.T) {
	p := NewListingParser()
	e := p.Parse("03-03-19  10:22AM       <DIR>          subdir")
	require.Equal(t, EntryDirectory, e.Kind)
	assert.Equal(t, "subdir", e.Name)
	assert.Equal(t, 22, e.ModTime.Minute)
	assert.Equal(t, 10, e.ModTime.Hour)
	assert.Equal(t, 2019, e.ModTime.Year)
}

func TestParseDOSFile(t *testing.T) {
	p := NewListingParser()
	e := p.Parse("03-03-19  02:22PM               512 readme.txt")
	require.Equal(t, EntryFile, e.Kind)
	assert.Equal(t, "readme.txt", e.Name)
	assert.Equal(t, "512", e.Size)
	assert.Equal(t, 14, e.ModTime.Hour)
}

func TestResolveYearElision(t *testing.T) {
	bt := brokenDownTime{Month: time.March, Day: 3, Hour: 10, Minute: 22}
	now := time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC)
	got := bt.Resolve(now, time.UTC)
	assert.Equal(t, 2026, got.Year())

	future := brokenDownTime{Month: time.December, Day: 25, Hour: 10, Minute: 22}
	got = future.Resolve(now, time.UTC)
	assert.Equal(t, 2025, got.Year())
}

func TestIsUnixHidden(t *testing.T) {
	assert.True(t, IsUnixHidden(SystemUnix, ".profile"))
	assert.False(t, IsUnixHidden(SystemUnix, "."))
	assert.False(t, IsUnixHidden(SystemUnix, ".."))
	assert.False(t, IsUnixHidden(SystemWindows, ".profile"))
}
