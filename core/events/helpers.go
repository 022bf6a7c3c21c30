package events

import (
	"math/big"
	"strings"
)

func normalizeAsset(asset string) string {
	return strings.TrimSpace(asset)
}

func formatAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}
