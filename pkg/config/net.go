package config

// ServerConfig is the listening endpoint.
type ServerConfig struct {
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
}

// PeerConfig describes a remote party registered on startup.
// Example YAML:
// peers:
//   - name: bob
//     address: 10.0.0.2
//     port: 8081
//     cert: certs/bob.pem   # certificate mode only
type PeerConfig struct {
	Name    string `mapstructure:"name"`
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
	Cert    string `mapstructure:"cert"`
}
