package plugins

import (
	"fmt"
	"math/big"

	"github.com/TNO-MPC/communication/pkg/serialization"
)

// BigMath registers *big.Rat (tag "big.Rat") and *big.Float (tag
// "big.Float"). Rationals travel as numerator and denominator bignums; floats
// use their gob form so precision and rounding mode survive.
func BigMath(r *serialization.Registry) error {
	if err := serialization.Register(r, "big.Rat", serializeRat, deserializeRat); err != nil {
		return err
	}
	return serialization.Register(r, "big.Float", serializeFloat, deserializeFloat)
}

func serializeRat(x *big.Rat, _ *serialization.Context) (map[string]any, error) {
	return map[string]any{"num": new(big.Int).Set(x.Num()), "den": new(big.Int).Set(x.Denom())}, nil
}

func deserializeRat(m map[string]any, _ *serialization.Context) (*big.Rat, error) {
	num, ok1 := m["num"].(*big.Int)
	den, ok2 := m["den"].(*big.Int)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("big.Rat: numerator and denominator must be big integers")
	}
	if den.Sign() == 0 {
		return nil, fmt.Errorf("big.Rat: zero denominator")
	}
	return new(big.Rat).SetFrac(num, den), nil
}

func serializeFloat(x *big.Float, _ *serialization.Context) (map[string]any, error) {
	b, err := x.GobEncode()
	if err != nil {
		return nil, err
	}
	return map[string]any{"gob": b}, nil
}

func deserializeFloat(m map[string]any, _ *serialization.Context) (*big.Float, error) {
	b, ok := m["gob"].([]byte)
	if !ok {
		return nil, fmt.Errorf("big.Float: gob bytes expected, got %T", m["gob"])
	}
	f := new(big.Float)
	if err := f.GobDecode(b); err != nil {
		return nil, err
	}
	return f, nil
}
