package ftp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanListingForFindsChild(t *testing.T) {
	raw := []byte("total 8\r\n" +
		"drwxr-xr-x  2 user group 4096 Mar  3 10:22 sub\r\n" +
		"-rw-r--r--  1 user group  512 Mar  3 10:22 file.txt\r\n")
	info, err := scanListingFor(raw, "file.txt", SystemUnix, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.False(t, info.IsDir)
	assert.Equal(t, int64(512), info.Size)
}

func TestScanListingForMissReturnsNilNoError(t *testing.T) {
	raw := []byte("-rw-r--r--  1 user group  512 Mar  3 10:22 file.txt\r\n")
	info, err := scanListingFor(raw, "missing.txt", SystemUnix, time.Now())
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestScanListingForSkipsDotEntries(t *testing.T) {
	raw := []byte("drwxr-xr-x  2 user group 4096 Mar  3 10:22 .\r\n" +
		"drwxr-xr-x  2 user group 4096 Mar  3 10:22 ..\r\n" +
		"drwxr-xr-x  2 user group 4096 Mar  3 10:22 sub\r\n")
	info, err := scanListingFor(raw, "sub", SystemUnix, time.Now())
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.True(t, info.IsDir)
}

func TestNormalizeLinkTargetAndHidden(t *testing.T) {
	assert.Equal(t, "bar", normalizeLinkTarget("foo/../bar"))
	assert.True(t, IsUnixHidden(SystemUnix, ".bashrc"))
}

func TestLastField(t *testing.T) {
	assert.Equal(t, "1024", lastField("213 1024"))
}
