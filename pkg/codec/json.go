// Package codec holds the JSON configuration shared by every wire and storage encoding.
package codec

import (
	jsoniter "github.com/json-iterator/go"
)

// JSON is compatible with encoding/json, including map key ordering and
// time.Time handling, so records written by other tooling decode the same way.
var JSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Marshal encodes v as JSON.
func Marshal(v interface{}) ([]byte, error) {
	return JSON.Marshal(v)
}

// Unmarshal decodes JSON data into v.
func Unmarshal(data []byte, v interface{}) error {
	return JSON.Unmarshal(data, v)
}
