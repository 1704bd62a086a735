package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJobQueryInfo(t *testing.T) {
	j, err := ParseJob("query-info /a/b")
	require.NoError(t, err)
	assert.Equal(t, JobQueryInfo, j.Kind)
	assert.Equal(t, "/a/b", j.Path)
	assert.True(t, j.Nofollow)
}

func TestParseJobQueryInfoFollow(t *testing.T) {
	j, err := ParseJob("query-info -L /a/b")
	require.NoError(t, err)
	assert.False(t, j.Nofollow)
	assert.Equal(t, "/a/b", j.Path)
}

func TestParseJobMove(t *testing.T) {
	j, err := ParseJob("move /a /b")
	require.NoError(t, err)
	assert.Equal(t, JobMove, j.Kind)
	assert.Equal(t, "/a", j.Path)
	assert.Equal(t, "/b", j.Dest)
}

func TestParseJobDeleteDir(t *testing.T) {
	j, err := ParseJob("delete -d /a")
	require.NoError(t, err)
	assert.True(t, j.IsDir)
}

func TestParseJobUnknownVerb(t *testing.T) {
	_, err := ParseJob("frobnicate /a")
	assert.Error(t, err)
}

func TestParseJobEmptyLine(t *testing.T) {
	_, err := ParseJob("   ")
	assert.Error(t, err)
}
