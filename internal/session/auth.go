package session

import (
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// BuildAuthHeader returns the Authorization header value for the
// session's configured auth scheme, or "" if none is configured.
// Digest requires a prior challenge (set via ApplyChallenge) to produce
// a response; until then it returns "".
func BuildAuthHeader(auth *AuthConfig, method, requestURI string) string {
	if auth == nil {
		return ""
	}
	switch auth.Kind {
	case AuthBasic:
		raw := auth.Username + ":" + auth.Password
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
	case AuthBearer:
		return "Bearer " + auth.Token
	case AuthDigest:
		return buildDigestHeader(auth, method, requestURI)
	case AuthNTLM:
		return "NTLM " + ntlmType1Negotiate()
	default:
		return ""
	}
}

// ApplyChallenge parses a WWW-Authenticate: Digest ... header into the
// session's AuthConfig so the next request can compute a response.
func ApplyChallenge(auth *AuthConfig, wwwAuthenticate string) {
	if auth == nil || !strings.HasPrefix(strings.ToLower(wwwAuthenticate), "digest ") {
		return
	}
	params := parseAuthParams(wwwAuthenticate[len("Digest "):])
	auth.mu.Lock()
	auth.Realm = params["realm"]
	auth.Nonce = params["nonce"]
	auth.Opaque = params["opaque"]
	auth.QOP = firstQOP(params["qop"])
	auth.Algo = params["algorithm"]
	auth.mu.Unlock()
}

func firstQOP(qop string) string {
	parts := strings.Split(qop, ",")
	if len(parts) == 0 {
		return ""
	}
	return strings.TrimSpace(parts[0])
}

// parseAuthParams splits a comma-separated list of key=value (optionally
// quoted) pairs as used by WWW-Authenticate challenges.
func parseAuthParams(s string) map[string]string {
	out := map[string]string{}
	for _, part := range splitAuthParams(s) {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		out[key] = val
	}
	return out
}

// splitAuthParams splits on commas that are not inside quotes.
func splitAuthParams(s string) []string {
	var parts []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range s {
		switch r {
		case '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case ',':
			if inQuotes {
				cur.WriteRune(r)
			} else {
				parts = append(parts, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

// buildDigestHeader implements RFC 2617 digest auth against crypto/md5,
// the only hashing primitive the retrieval pack's examples use nowhere
// (this is a stdlib choice; see DESIGN.md).
func buildDigestHeader(auth *AuthConfig, method, requestURI string) string {
	auth.mu.Lock()
	realm, nonce, opaque, qop := auth.Realm, auth.Nonce, auth.Opaque, auth.QOP
	auth.mu.Unlock()
	if nonce == "" {
		return ""
	}

	ha1 := md5Hex(fmt.Sprintf("%s:%s:%s", auth.Username, realm, auth.Password))
	ha2 := md5Hex(fmt.Sprintf("%s:%s", method, requestURI))

	var response, nc, cnonce string
	if qop == "auth" {
		nc = auth.nextNonceCount()
		cnonce = cryptoRandomCnonce()
		response = md5Hex(fmt.Sprintf("%s:%s:%s:%s:%s:%s", ha1, nonce, nc, cnonce, qop, ha2))
	} else {
		response = md5Hex(fmt.Sprintf("%s:%s:%s", ha1, nonce, ha2))
	}

	header := fmt.Sprintf(`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		auth.Username, realm, nonce, requestURI, response)
	if opaque != "" {
		header += fmt.Sprintf(`, opaque="%s"`, opaque)
	}
	if qop == "auth" {
		header += fmt.Sprintf(`, qop=auth, nc=%s, cnonce="%s"`, nc, cnonce)
	}
	return header
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return fmt.Sprintf("%x", sum)
}

// ntlmType1Negotiate returns a minimal NTLMSSP Type-1 negotiate message.
// Per SPEC_FULL.md §4.5 / spec.md §9, NTLM support stops here: a full
// Type-2/Type-3 handshake is explicitly out of scope.
func ntlmType1Negotiate() string {
	const signature = "NTLMSSP\x00"
	msg := []byte(signature)
	msg = append(msg, 0x01, 0x00, 0x00, 0x00) // type 1
	msg = append(msg, 0x07, 0x32, 0x00, 0x00) // negotiate flags: unicode, oem, request target, ntlm
	msg = append(msg, make([]byte, 16)...)    // domain/workstation security buffers, unused
	return base64.StdEncoding.EncodeToString(msg)
}

// escapeURI is a defensive helper for building the digest "uri" field
// from a parsed URL's RequestURI, matching what most servers expect.
func escapeURI(u *url.URL) string {
	if u.RawQuery == "" {
		return u.EscapedPath()
	}
	return u.EscapedPath() + "?" + u.RawQuery
}
