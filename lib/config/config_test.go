package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testOptions struct {
	Host        string        `config:"host"`
	Port        int           `config:"port"`
	TLS         bool          `config:"tls"`
	IdleTimeout time.Duration `config:"idle_timeout"`
	Untagged    string
}

func TestSet(t *testing.T) {
	opt := &testOptions{Host: "default-host", Untagged: "keep-me"}
	err := Set(map[string]string{
		"port":        "2121",
		"tls":         "true",
		"idle_timeout": "1m30s",
		"unknown_key": "ignored",
	}, opt)
	require.NoError(t, err)
	assert.Equal(t, "default-host", opt.Host) // unset key keeps default
	assert.Equal(t, 2121, opt.Port)
	assert.True(t, opt.TLS)
	assert.Equal(t, 90*time.Second, opt.IdleTimeout)
	assert.Equal(t, "keep-me", opt.Untagged)
}

func TestSetRequiresPointer(t *testing.T) {
	opt := testOptions{}
	err := Set(map[string]string{}, opt)
	require.Error(t, err)
}

func TestSetBadValue(t *testing.T) {
	opt := &testOptions{}
	err := Set(map[string]string{"port": "not-a-number"}, opt)
	require.Error(t, err)
}
