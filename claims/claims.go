// Package claims maps a verified OIDC claim set onto application fields. It
// stays outside the protocol core on purpose: resolution is a pure function
// over the claim map the core produced, with no knowledge of how the claims
// were obtained.
//
// A field is described by an ordered list of sources, evaluated
// short-circuit: the first source yielding a non-empty value wins.
package claims

import (
	"fmt"
	"strconv"
	"strings"
)

// Source yields a candidate value for a field from a claim map.
type Source interface {
	// Resolve reports the value and whether it is usable (non-empty).
	Resolve(claims map[string]interface{}) (string, bool)
}

// Direct reads a single named claim and stringifies scalar values.
type Direct string

// Resolve implements Source.
func (d Direct) Resolve(claims map[string]interface{}) (string, bool) {
	v, ok := claims[string(d)]
	if !ok || v == nil {
		return "", false
	}
	s := stringify(v)
	return s, s != ""
}

// Derived computes a value from one or more claims.
type Derived string

const (
	// FullName is the name claim, falling back to given_name and
	// family_name joined.
	FullName Derived = "full_name"

	// EmailLocalPart is everything before the @ of the email claim, a common
	// username fallback.
	EmailLocalPart Derived = "email_local_part"

	// Subject is the sub claim, the provider's stable user identifier.
	Subject Derived = "subject"
)

// Resolve implements Source.
func (d Derived) Resolve(claims map[string]interface{}) (string, bool) {
	switch d {
	case FullName:
		if v, ok := Direct("name").Resolve(claims); ok {
			return v, true
		}
		given, _ := Direct("given_name").Resolve(claims)
		family, _ := Direct("family_name").Resolve(claims)
		full := strings.TrimSpace(given + " " + family)
		return full, full != ""
	case EmailLocalPart:
		email, ok := Direct("email").Resolve(claims)
		if !ok {
			return "", false
		}
		local, _, found := strings.Cut(email, "@")
		if !found || local == "" {
			return "", false
		}
		return local, true
	case Subject:
		return Direct("sub").Resolve(claims)
	default:
		return "", false
	}
}

// Resolve evaluates sources in order and returns the first non-empty value.
func Resolve(claims map[string]interface{}, sources ...Source) (string, bool) {
	for _, src := range sources {
		if v, ok := src.Resolve(claims); ok {
			return v, true
		}
	}
	return "", false
}

// Mapping associates application field names with their ordered sources.
type Mapping map[string][]Source

// ResolveAll resolves every mapped field, omitting fields no source could
// fill.
func (m Mapping) ResolveAll(claims map[string]interface{}) map[string]string {
	out := make(map[string]string, len(m))
	for field, sources := range m {
		if v, ok := Resolve(claims, sources...); ok {
			out[field] = v
		}
	}
	return out
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		// JSON numbers decode as float64; render integers without a point
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case fmt.Stringer:
		return t.String()
	default:
		return ""
	}
}
