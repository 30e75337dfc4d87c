package config

import "time"

// TransportConfig selects the wire transport.
type TransportConfig struct {
	// Kind: http or https; empty picks https when TLS files are set
	Kind string `mapstructure:"kind"`
	// MaxBodyBytes bounds one inbound message
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

// SendConfig tunes outbound messaging.
type SendConfig struct {
	// Timeout bounds one send; 0 disables it
	Timeout time.Duration `mapstructure:"timeout"`
	// Workers run fire-and-forget sends
	Workers int `mapstructure:"workers"`
}
