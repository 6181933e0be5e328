package groupclient

import "encoding/json"

func marshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err) // encoding a value we constructed ourselves
	}
	return b
}

func unmarshalInto[T any](data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}
