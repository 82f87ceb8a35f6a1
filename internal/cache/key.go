package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
)

// KeyContext is what a custom key function sees about the invocation.
type KeyContext struct {
	RunID    string
	FlowName string
	TaskName string
	Identity string
	Args     []interface{}
}

// KeyFunc derives a cache key from an invocation. Returning "" disables
// caching for that invocation.
type KeyFunc func(kc KeyContext) (string, error)

// InputHash is the default key: a sha256 over the task identity and the
// canonical JSON encoding of the bound arguments. Arguments that cannot be
// encoded make the invocation uncacheable.
func InputHash(kc KeyContext) (string, error) {
	h := sha256.New()
	writeField(h, []byte(kc.Identity))
	var count [8]byte
	binary.BigEndian.PutUint64(count[:], uint64(len(kc.Args)))
	h.Write(count[:])
	for i, arg := range kc.Args {
		data, err := json.Marshal(arg)
		if err != nil {
			return "", fmt.Errorf("argument %d is not hashable: %w", i, err)
		}
		writeField(h, data)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// RunScopedInputHash mixes the run id into InputHash so identical inputs in
// different runs never share an entry.
func RunScopedInputHash(kc KeyContext) (string, error) {
	key, err := InputHash(kc)
	if err != nil {
		return "", err
	}
	return kc.RunID + ":" + key, nil
}

// StaticKey ignores the inputs entirely.
func StaticKey(key string) KeyFunc {
	return func(KeyContext) (string, error) { return key, nil }
}

// writeField writes a length-prefixed field so concatenations stay unambiguous.
func writeField(h hash.Hash, data []byte) {
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(len(data)))
	h.Write(prefix[:])
	h.Write(data)
}
