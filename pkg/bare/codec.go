package bare

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

// ErrInvalidInput is returned when a codec token cannot be decoded.
var ErrInvalidInput = errors.New("bare: invalid input")

// xorKey scrambles URL tokens carried in query strings or path segments.
// It is an obfuscation, not a secret: both ends of the wire share it.
var xorKey = []byte("ferryman")

func xorBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = c ^ xorKey[i%len(xorKey)]
	}
	return out
}

// EncodeURL scrambles a URL into a token safe to embed in a path segment or
// query parameter. DecodeURL inverts it exactly.
func EncodeURL(u string) string {
	return base64.RawURLEncoding.EncodeToString(xorBytes([]byte(u)))
}

// DecodeURL inverts EncodeURL.
func DecodeURL(token string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", ErrInvalidInput
	}
	return string(xorBytes(b)), nil
}

// EncodeHeaders serializes a header map to its canonical sidecar form:
// every key lower-cased, JSON object encoding (keys sorted by the encoder).
func EncodeHeaders(h map[string]string) string {
	lower := make(map[string]string, len(h))
	for k, v := range h {
		lower[strings.ToLower(k)] = v
	}
	b, _ := json.Marshal(lower)
	return string(b)
}

// DecodeHeaders inverts EncodeHeaders. Malformed input yields an empty map,
// never an error: callers must treat absent headers as legal.
func DecodeHeaders(v string) map[string]string {
	out := map[string]string{}
	if v == "" {
		return out
	}
	var raw map[string]string
	if err := json.Unmarshal([]byte(v), &raw); err != nil {
		return out
	}
	for k, val := range raw {
		out[strings.ToLower(k)] = val
	}
	return out
}
