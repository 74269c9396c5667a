package trigger

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/fxamacker/cbor/v2"
)

const (
	tokenPrefixV3 = "cashuA"
	tokenPrefixV4 = "cashuB"
)

var ErrInvalidToken = errors.New("trigger: invalid token")

// IsToken reports whether s starts with a cashu token prefix.
func IsToken(s string) bool {
	return strings.HasPrefix(s, tokenPrefixV3) || strings.HasPrefix(s, tokenPrefixV4)
}

// ExtractToken finds a cashu token in free text: a bare token, a "#token=" fragment, a "token="
// query parameter, or a token embedded in markup. It returns "" when none is present.
func ExtractToken(text string) string {
	if IsToken(text) {
		return text
	}
	if i := strings.Index(text, "#token=cashu"); i >= 0 {
		return text[i+len("#token="):]
	}
	if i := strings.Index(text, "token=cashu"); i >= 0 {
		rest := text[i+len("token="):]
		if j := strings.IndexAny(rest, "&#"); j > 0 {
			rest = rest[:j]
		}
		return rest
	}
	for _, prefix := range []string{tokenPrefixV3, tokenPrefixV4} {
		i := strings.Index(text, prefix)
		if i < 0 {
			continue
		}
		rest := text[i:]
		end := strings.IndexFunc(rest[len(prefix):], func(r rune) bool {
			return unicode.IsSpace(r) || strings.ContainsRune("\"'<>&#", r)
		})
		if end >= 0 {
			rest = rest[:len(prefix)+end]
		}
		return rest
	}
	return ""
}

type tokenV3 struct {
	Token []struct {
		Mint string `json:"mint"`
	} `json:"token"`
}

// tokenV4 is the CBOR body of a cashuB token. Only the mint is read.
type tokenV4 struct {
	Mint string `cbor:"m"`
}

// MintFromToken returns the mint URL a V3 (cashuA, JSON) or V4 (cashuB, CBOR) token was issued by.
func MintFromToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	var mint string
	switch {
	case strings.HasPrefix(token, tokenPrefixV3):
		raw, err := decodeBase64(strings.TrimPrefix(token, tokenPrefixV3))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		var t tokenV3
		if err := json.Unmarshal(raw, &t); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		for _, entry := range t.Token {
			if m := strings.TrimSpace(entry.Mint); m != "" {
				mint = m
				break
			}
		}
	case strings.HasPrefix(token, tokenPrefixV4):
		raw, err := decodeBase64(strings.TrimPrefix(token, tokenPrefixV4))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		var t tokenV4
		if err := cbor.Unmarshal(raw, &t); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		mint = strings.TrimSpace(t.Mint)
	default:
		return "", fmt.Errorf("%w: missing cashu prefix", ErrInvalidToken)
	}

	if mint == "" {
		return "", fmt.Errorf("%w: no mint", ErrInvalidToken)
	}
	return mint, nil
}

// decodeBase64 accepts both the url-safe and standard alphabets, padded or not.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	if strings.ContainsAny(s, "+/") {
		return base64.RawStdEncoding.DecodeString(s)
	}
	return base64.RawURLEncoding.DecodeString(s)
}
