// Package plugins holds optional serialization rules for types outside the
// built-in set: arbitrary-precision rationals and floats, and protobuf
// messages.
package plugins

import "github.com/TNO-MPC/communication/pkg/serialization"

// Install registers every plugin on r.
func Install(r *serialization.Registry) error {
	for _, install := range []func(*serialization.Registry) error{BigMath, Protobuf} {
		if err := install(r); err != nil {
			return err
		}
	}
	return nil
}
