// Package transport defines the boundary between a pool and the network.
//
// A Transport posts opaque request bodies to peer endpoints and, once
// listening, hands every inbound body to a Handler together with the Origin
// it came from. Implementations live in sub-packages: httpx (HTTP and HTTPS)
// and mem (in-process, for tests).
//
// Key concepts:
//   - Origin: what the network tells us about the sender (remote address, the
//     sender's advertised listening port and, under TLS, its certificate)
//   - PeerID: the identity key derived from an Origin, either "ip:port" or
//     "<issuer CN>:<serial>"
//   - Handler: the pool side of the boundary; Authorize runs before a body is
//     read, Handle receives it
package transport
