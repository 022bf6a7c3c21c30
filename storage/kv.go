package storage

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// PutRLP encodes value with RLP and stores it under key.
func PutRLP(db Database, key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return db.Put(key, encoded)
}

// GetRLP retrieves the value stored under key and decodes it into out. The
// boolean return value indicates whether the key existed.
func GetRLP(db Database, key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := db.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// Key joins path segments with '/' into a store key.
func Key(parts ...string) []byte {
	size := 0
	for _, part := range parts {
		size += len(part) + 1
	}
	out := make([]byte, 0, size)
	for i, part := range parts {
		if i > 0 {
			out = append(out, '/')
		}
		out = append(out, part...)
	}
	return out
}
