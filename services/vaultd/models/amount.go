package models

import "math/big"

func amount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
