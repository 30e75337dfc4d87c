package config

// IdentityConfig selects how inbound messages are attributed to peers.
type IdentityConfig struct {
	// Mode: origin ("ip:port" of the sender) or certificate
	// ("<issuer CN>:<serial>" of its TLS client certificate)
	Mode string `mapstructure:"mode"`
}

// TLSConfig names the PEM files of the node's TLS material.
type TLSConfig struct {
	Cert   string `mapstructure:"cert"`
	Key    string `mapstructure:"key"`
	CACert string `mapstructure:"ca_cert"`
}

// Complete reports whether all three files are set.
func (t TLSConfig) Complete() bool { return t.Cert != "" && t.Key != "" && t.CACert != "" }
