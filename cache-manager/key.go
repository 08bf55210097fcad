package cachemanager

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// keySeparator joins the four parts of a composite cache key. It is not
// permitted to appear inside any individual part's fingerprint, which is
// guaranteed because fingerprints are hex digests.
const keySeparator = ":"

// KeyParts is the decomposed form of a composite cache key: model id,
// operation name, and the two fingerprints that make the key collision
// resistant against distinct inputs/parameters.
type KeyParts struct {
	ModelID            string
	Operation          string
	InputFingerprint   string
	ParamsFingerprint  string
}

// Fingerprint canonically serializes value (sorting any map keys
// recursively) and returns its SHA-256 hex digest. Non-string scalars are
// coerced through their canonical JSON form; this is deliberately SHA-256
// rather than MD5 — the property needed is collision resistance, not speed.
func Fingerprint(value interface{}) (string, error) {
	canon, err := canonicalize(value)
	if err != nil {
		return "", fmt.Errorf("cachemanager: canonicalize: %w", err)
	}
	data, err := json.Marshal(canon)
	if err != nil {
		return "", fmt.Errorf("cachemanager: marshal canonical form: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize walks value, turning maps into sorted []pair so that
// json.Marshal produces a byte-stable representation regardless of the
// original map's iteration order. Slices and scalars pass through
// unchanged (JSON arrays are already order-significant).
func canonicalize(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make([]interface{}, 0, len(keys))
		for _, k := range keys {
			child, err := canonicalize(v[k])
			if err != nil {
				return nil, err
			}
			ordered = append(ordered, [2]interface{}{k, child})
		}
		return ordered, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			child, err := canonicalize(elem)
			if err != nil {
				return nil, err
			}
			out[i] = child
		}
		return out, nil
	case []string:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			out[i] = elem
		}
		return out, nil
	default:
		return v, nil
	}
}

// ComposeKey builds the canonical four-part cache key string from already
// computed fingerprints.
func ComposeKey(parts KeyParts) string {
	return strings.Join([]string{
		parts.ModelID,
		parts.Operation,
		parts.InputFingerprint,
		parts.ParamsFingerprint,
	}, keySeparator)
}

// BuildKey fingerprints inputs and params (params may be nil, meaning "no
// parameters") and composes the resulting key.
func BuildKey(modelID, operation string, inputs interface{}, params map[string]interface{}) (string, error) {
	inputFp, err := Fingerprint(inputs)
	if err != nil {
		return "", err
	}
	var paramsSrc interface{} = params
	if params == nil {
		paramsSrc = map[string]interface{}{}
	}
	paramsFp, err := Fingerprint(paramsSrc)
	if err != nil {
		return "", err
	}
	return ComposeKey(KeyParts{
		ModelID:           modelID,
		Operation:         operation,
		InputFingerprint:  inputFp,
		ParamsFingerprint: paramsFp,
	}), nil
}

// ParseKey inverts ComposeKey with strict arity: exactly four parts
// separated by keySeparator. A malformed string returns ErrInvalidKey.
func ParseKey(key string) (KeyParts, error) {
	segments := strings.Split(key, keySeparator)
	if len(segments) != 4 {
		return KeyParts{}, fmt.Errorf("%w: expected 4 parts, got %d", ErrInvalidKey, len(segments))
	}
	for _, s := range segments {
		if s == "" {
			return KeyParts{}, fmt.Errorf("%w: empty part", ErrInvalidKey)
		}
	}
	return KeyParts{
		ModelID:           segments[0],
		Operation:         segments[1],
		InputFingerprint:  segments[2],
		ParamsFingerprint: segments[3],
	}, nil
}
