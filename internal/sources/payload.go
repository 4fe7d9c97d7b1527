package sources

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jdholdren/lotwatch/internal/lotwatch"
)

// Keys searched for the listing array when none is configured.
var defaultListingKeys = []string{"listings", "lots", "items", "results", "data"}

// decode reads a JSON payload that's either an array of listings or an
// object holding one. Elements that aren't objects are dropped.
func decode(r io.Reader, key string) ([]lotwatch.RawListing, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("error decoding payload: %s", err)
	}

	arr, err := listingArray(payload, key)
	if err != nil {
		return nil, err
	}

	out := make([]lotwatch.RawListing, 0, len(arr))
	for _, item := range arr {
		if obj, ok := item.(map[string]any); ok {
			out = append(out, lotwatch.RawListing(obj))
		}
	}

	return out, nil
}

func decodeBytes(byts []byte, key string) ([]lotwatch.RawListing, error) {
	return decode(bytes.NewReader(byts), key)
}

func listingArray(payload any, key string) ([]any, error) {
	if arr, ok := payload.([]any); ok {
		return arr, nil
	}

	obj, ok := payload.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected payload of type %T", payload)
	}

	if key != "" {
		var cur any = obj
		for _, part := range strings.Split(key, ".") {
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("listings key %q not found", key)
			}
			cur = m[part]
		}
		arr, ok := cur.([]any)
		if !ok {
			return nil, fmt.Errorf("listings key %q isn't an array", key)
		}
		return arr, nil
	}

	for _, k := range defaultListingKeys {
		if arr, ok := obj[k].([]any); ok {
			return arr, nil
		}
	}

	return nil, fmt.Errorf("no listing array found in payload")
}
