package ftp

import "time"

// Options is the parsed mount configuration, populated via
// lib/config.Set from the flat key/value map the IPC layer hands the
// backend at mount time (spec.md §6 "mount" inputs).
type Options struct {
	Host string `config:"host"`
	Port int    `config:"port"`
	User string `config:"user"`
	Pass string `config:"pass"`

	TLS         bool `config:"tls"`
	ExplicitTLS bool `config:"explicit_tls"`
	NoCheckCert bool `config:"no_check_certificate"`

	SocksProxy string `config:"socks_proxy"`

	Concurrency   int           `config:"concurrency"`
	AcquireTimeout time.Duration `config:"acquire_timeout"`
	IdleTimeout   time.Duration `config:"idle_timeout"`
	CloseTimeout  time.Duration `config:"close_timeout"`

	NoCheckUpload bool `config:"no_check_upload"`
}

// DefaultOptions returns an Options struct pre-populated with the same
// defaults the teacher ships (port 21, 60s idle/close timeout, 30s
// acquire timeout, unbounded concurrency).
func DefaultOptions() Options {
	return Options{
		Port:           21,
		AcquireTimeout: 30 * time.Second,
		IdleTimeout:    60 * time.Second,
		CloseTimeout:   60 * time.Second,
	}
}
