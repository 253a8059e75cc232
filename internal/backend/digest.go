package backend

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	"credbroker-go/internal/credential"
	"credbroker-go/internal/errors"
)

// parseChallenge extracts the quoted parameters of a WWW-Authenticate Digest
// challenge. Only the Digest scheme is understood.
func parseChallenge(header string) map[string]string {
	rest, ok := cutScheme(header, "Digest")
	if !ok {
		return nil
	}

	params := make(map[string]string)
	for _, piece := range splitChallengeParams(rest) {
		k, v, found := strings.Cut(piece, "=")
		if !found {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.Trim(strings.TrimSpace(v), `"`)
		params[k] = v
	}
	return params
}

func cutScheme(header, scheme string) (string, bool) {
	trimmed := strings.TrimSpace(header)
	if len(trimmed) < len(scheme) || !strings.EqualFold(trimmed[:len(scheme)], scheme) {
		return "", false
	}
	return trimmed[len(scheme):], true
}

// splitChallengeParams splits on commas outside quoted strings.
func splitChallengeParams(s string) []string {
	var out []string
	var cur strings.Builder
	quoted := false
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			cur.WriteRune(r)
		case r == ',' && !quoted:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// digestAuthorization answers a Digest challenge for the original failed
// request carried on the error. The a2 component hashes the failing request's
// own method and request-target.
func digestAuthorization(cred *credential.Credential, be *errors.BrokerError, challenge string) (string, error) {
	params := parseChallenge(challenge)
	if params == nil {
		return "", errors.NewAuth("digest_challenge_invalid", "WWW-Authenticate header is not a digest challenge").
			WithExchange(be.Request, be.Response)
	}

	realm, nonce, opaque := params["realm"], params["nonce"], params["opaque"]
	if realm == "" || nonce == "" || opaque == "" {
		return "", errors.NewAuth("digest_challenge_incomplete", "digest challenge is missing realm, nonce or opaque").
			WithExchange(be.Request, be.Response)
	}
	if realm != cred.DigestRealm() {
		return "", errors.NewAuth("digest_realm_mismatch",
			fmt.Sprintf("challenge realm %q does not match credential realm %q", realm, cred.DigestRealm())).
			WithExchange(be.Request, be.Response)
	}

	uri := be.Request.RequestTarget()
	a1 := md5hex(cred.ClientID + ":" + realm + ":" + cred.ClientSecret)
	a2 := md5hex(be.Request.Method + ":" + uri)
	response := md5hex(a1 + ":" + nonce + ":" + a2)

	return fmt.Sprintf(`Digest username=%q, realm=%q, nonce=%q, opaque=%q, uri=%q, response=%q`,
		cred.ClientID, realm, nonce, opaque, uri, response), nil
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
