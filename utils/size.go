package utils

import (
	"github.com/bytedance/sonic"
)

// EstimateSize returns the length of value's JSON encoding, or fallback
// when it cannot be encoded.
func EstimateSize(value interface{}, fallback int64) int64 {
	data, err := sonic.ConfigDefault.Marshal(value)
	if err != nil {
		return fallback
	}
	return int64(len(data))
}
