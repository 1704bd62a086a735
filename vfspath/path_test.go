package vfspath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootAndChild(t *testing.T) {
	root := Root()
	assert.True(t, root.IsRoot())
	assert.Equal(t, "/", root.Outward())

	a, err := root.Child("a")
	require.NoError(t, err)
	assert.Equal(t, "/a", a.Outward())

	b, err := a.Child("b")
	require.NoError(t, err)
	assert.Equal(t, "/a/b", b.Outward())
	assert.Equal(t, "b", b.Base())
	assert.Equal(t, "/a", b.Parent().Outward())
}

func TestInvalidNames(t *testing.T) {
	root := Root()
	for _, bad := range []string{"a/b", "a\rb", "a\nb"} {
		_, err := root.Child(bad)
		require.Error(t, err)
		var nameErr *ErrInvalidName
		assert.ErrorAs(t, err, &nameErr)
	}
}

func TestHasPrefixAndTrim(t *testing.T) {
	src := New("/a/b")
	dst := New("/x/y")
	child := New("/x/y/c/d")

	assert.True(t, child.HasPrefix(dst))
	assert.False(t, child.HasPrefix(src))
	assert.Equal(t, "c/d", child.TrimPrefix(dst))

	rewritten := src.Join(child.TrimPrefix(dst))
	assert.Equal(t, "/a/b/c/d", rewritten.Outward())
}

func TestServerPathDivergesFromOutward(t *testing.T) {
	p := NewWithServer("/a", "/A")
	assert.Equal(t, "/a", p.Outward())
	assert.Equal(t, "/A", p.Server())
	child, err := p.Child("b")
	require.NoError(t, err)
	assert.Equal(t, "/a/b", child.Outward())
	assert.Equal(t, "/A/b", child.Server())
}

func TestParentOfRootIsRoot(t *testing.T) {
	assert.True(t, Root().Parent().IsRoot())
}
