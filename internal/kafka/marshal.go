package kafka

import "encoding/json"

// MustMarshal is for payloads built from our own structs; a marshal error
// there is a programming bug, not a runtime condition.
func MustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
