package store

import (
	"encoding/json"
	"fmt"
)

// encodeState serializes a projection for the SQL backends.
func encodeState(state State) (string, error) {
	body, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}
	return string(body), nil
}

// decodeState parses a projection written by encodeState.
func decodeState(body string) (State, error) {
	var state State
	if err := json.Unmarshal([]byte(body), &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return state, nil
}
