package storage

import (
	"encoding/json"
)

// Values are stored as JSON so records stay readable with pebble's CLI tools.
// math/big and common.Address both implement JSON marshalling.
func encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func decode(b []byte, v any) error {
	return json.Unmarshal(b, v)
}
