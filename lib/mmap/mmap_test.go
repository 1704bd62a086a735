package mmap

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocFree(t *testing.T) {
	const size = 4096
	b, err := Alloc(size)
	require.NoError(t, err)
	assert.Equal(t, size, len(b))
	for i := range b {
		b[i] = byte(i)
	}
	require.NoError(t, Free(b))
}

func TestAllocZero(t *testing.T) {
	b, err := Alloc(0)
	require.NoError(t, err)
	assert.Nil(t, b)
	require.NoError(t, Free(b))
}

func TestMapFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "mmap-test")
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write([]byte("hello, metadata"))
	require.NoError(t, err)

	b, err := MapFile(f)
	require.NoError(t, err)
	require.Equal(t, "hello, metadata", string(b))
	require.NoError(t, Free(b))
}

func TestMapEmptyFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "mmap-test-empty")
	require.NoError(t, err)
	defer f.Close()

	b, err := MapFile(f)
	require.NoError(t, err)
	assert.Nil(t, b)
}
