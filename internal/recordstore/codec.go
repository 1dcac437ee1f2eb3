package recordstore

import (
	"encoding/json"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"
)

func decodeRecord(raw []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return rec, nil
}

func readRecord(b *bolt.Bucket, key string) (Record, error) {
	raw := b.Get([]byte(key))
	if raw == nil {
		return nil, nil
	}
	return decodeRecord(raw)
}

func writeRecord(b *bolt.Bucket, key string, value Record) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	return b.Put([]byte(key), raw)
}

// sortRecordsByField sorts records in place by the string-coerced value at
// keyPath, ascending unless dir is Reverse.
func sortRecordsByField(records []Record, keyPath string, dir Direction) {
	sort.Slice(records, func(i, j int) bool {
		return fmt.Sprintf("%v", records[i][keyPath]) < fmt.Sprintf("%v", records[j][keyPath])
	})
	if dir == Reverse {
		for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
			records[i], records[j] = records[j], records[i]
		}
	}
}
