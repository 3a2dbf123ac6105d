package lib

import (
	"github.com/gravitational/trace"
	jsoniter "github.com/json-iterator/go"
)

// FastMarshal serializes the given value to JSON.
func FastMarshal(v interface{}) ([]byte, error) {
	data, err := jsoniter.ConfigFastest.Marshal(v)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

// FastUnmarshal deserializes JSON data into the given value.
func FastUnmarshal(data []byte, v interface{}) error {
	return trace.Wrap(jsoniter.ConfigFastest.Unmarshal(data, v))
}
