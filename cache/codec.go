package cache

import (
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

func encodeEntry(e *Entry) ([]byte, error) {
	b, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entry %s: %w", e.Key, err)
	}
	return b, nil
}

func decodeEntry(b []byte) (*Entry, error) {
	var e Entry
	if err := msgpack.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("failed to decode entry: %w", err)
	}
	return &e, nil
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].URL != keys[j].URL {
			return keys[i].URL < keys[j].URL
		}
		return keys[i].Method < keys[j].Method
	})
}
