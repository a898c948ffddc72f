package oidc

import (
	"encoding/base64"
	"encoding/json"
)

// LaunchState is a provider-issued reference carried inside the state
// parameter itself for deep-link flows that bypass the normal local
// authorization request. The state value encodes a base64 JSON object with a
// non-empty launch_token member.
type LaunchState struct {
	// LaunchToken is the provider-issued launch token reference.
	LaunchToken string `json:"launch_token"`

	// ReturnTo optionally names where the application should land after the
	// deep-link flow completes.
	ReturnTo string `json:"return_to,omitempty"`
}

// DecodeLaunchState reports whether state is a launch-token encoding rather
// than an opaque local state key. Callers must branch on this before
// treating the value as a RequestStore lookup key.
func DecodeLaunchState(state string) (*LaunchState, bool) {
	if state == "" {
		return nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(state)
	if err != nil {
		if raw, err = base64.RawURLEncoding.DecodeString(state); err != nil {
			return nil, false
		}
	}
	var ls LaunchState
	if err := json.Unmarshal(raw, &ls); err != nil {
		return nil, false
	}
	if ls.LaunchToken == "" {
		return nil, false
	}
	return &ls, true
}

// EncodeLaunchState is the inverse of DecodeLaunchState, useful for tests
// and for providers composing deep-link redirects.
func EncodeLaunchState(ls *LaunchState) (string, error) {
	data, err := json.Marshal(ls)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
