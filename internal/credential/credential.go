// Package credential implements the polymorphic credential model: a named,
// schema-validated authentication descriptor with per-scheme authorization
// material and, for the oauth schema, the full authorization-code flow
// (grant, redirect callback, silent refresh, revoke).
package credential

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"credbroker-go/internal/errors"
)

// Schema selects the credential variant.
type Schema string

const (
	SchemaBasic  Schema = "basic"
	SchemaToken  Schema = "token"
	SchemaURL    Schema = "url"
	SchemaDigest Schema = "digest"
	SchemaRPC    Schema = "rpc"
	SchemaBearer Schema = "bearer"
	SchemaOAuth  Schema = "oauth"
)

// Credential is a validated authentication descriptor. Instances are only
// produced by Validate, so a Credential in hand is always structurally sound
// for its schema.
type Credential struct {
	Name         string `json:"name"`
	Schema       Schema `json:"schema"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	Realm        string `json:"realm,omitempty"`
	Database     string `json:"database,omitempty"`
	Scope        string `json:"scope,omitempty"`

	AccessToken      string `json:"access_token,omitempty"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	ExpiresAt        int64  `json:"expires_at,omitempty"`
	RefreshExpiresAt int64  `json:"refresh_token_expires_at,omitempty"`

	OAuthURL string `json:"oauth_url,omitempty"`
	PKCE     bool   `json:"pkce,omitempty"`
}

// variantShape lists the wire fields each schema accepts beyond the common
// name/schema pair. required fields must be present and non-empty.
type variantShape struct {
	required []string
	optional []string
	open     bool // tolerate unknown fields (server-managed token state)
}

var variants = map[Schema]variantShape{
	SchemaBasic:  {required: []string{"client_id", "client_secret"}},
	SchemaToken:  {required: []string{"client_id", "client_secret"}},
	SchemaURL:    {required: []string{"client_id", "client_secret"}},
	SchemaDigest: {required: []string{"client_id", "client_secret"}, optional: []string{"realm", "database", "scope"}},
	SchemaRPC:    {required: []string{"database", "client_id", "client_secret"}, optional: []string{"user", "password"}},
	SchemaBearer: {
		required: []string{"access_token"},
		optional: []string{"client_id", "client_secret", "refresh_token", "expires_at", "refresh_token_expires_at", "oauth_url"},
	},
	SchemaOAuth: {
		required: []string{"client_id", "client_secret", "oauth_url"},
		optional: []string{"scope", "pkce", "access_token", "refresh_token", "expires_at", "refresh_token_expires_at"},
		open:     true,
	},
}

// Validate performs the oneOf validation selected by the payload's schema and
// returns the typed credential. Unknown fields are rejected for every variant
// except oauth, whose token fields are server-managed.
func Validate(data map[string]interface{}) (*Credential, error) {
	name := asString(data["name"])
	if strings.TrimSpace(name) == "" {
		return nil, errors.NewValidation("credential name is required")
	}

	schema := Schema(strings.ToLower(asString(data["schema"])))
	shape, ok := variants[schema]
	if !ok {
		return nil, errors.NewValidation(fmt.Sprintf("unknown credential schema %q", asString(data["schema"])))
	}

	// The rpc variant accepts user/password as display aliases for
	// client_id/client_secret.
	fields := make(map[string]interface{}, len(data))
	for k, v := range data {
		fields[k] = v
	}
	if schema == SchemaRPC {
		if v, ok := fields["user"]; ok && asString(fields["client_id"]) == "" {
			fields["client_id"] = v
		}
		if v, ok := fields["password"]; ok && asString(fields["client_secret"]) == "" {
			fields["client_secret"] = v
		}
	}

	if !shape.open {
		allowed := map[string]bool{"name": true, "schema": true}
		for _, f := range shape.required {
			allowed[f] = true
		}
		for _, f := range shape.optional {
			allowed[f] = true
		}
		var extra []string
		for k := range fields {
			if !allowed[k] {
				extra = append(extra, k)
			}
		}
		if len(extra) > 0 {
			sort.Strings(extra)
			return nil, errors.NewValidation(fmt.Sprintf("schema %s does not accept fields: %s", schema, strings.Join(extra, ", ")))
		}
	}

	for _, f := range shape.required {
		if asString(fields[f]) == "" {
			return nil, errors.NewValidation(fmt.Sprintf("schema %s requires field %q", schema, f))
		}
	}

	c := &Credential{
		Name:             name,
		Schema:           schema,
		ClientID:         asString(fields["client_id"]),
		ClientSecret:     asString(fields["client_secret"]),
		Realm:            asString(fields["realm"]),
		Database:         asString(fields["database"]),
		Scope:            asString(fields["scope"]),
		AccessToken:      asString(fields["access_token"]),
		RefreshToken:     asString(fields["refresh_token"]),
		ExpiresAt:        asInt64(fields["expires_at"]),
		RefreshExpiresAt: asInt64(fields["refresh_token_expires_at"]),
		OAuthURL:         asString(fields["oauth_url"]),
		PKCE:             asBool(fields["pkce"]),
	}

	if schema == SchemaDigest && c.DigestRealm() == "" {
		return nil, errors.NewValidation("schema digest requires a realm (or database/scope fallback)")
	}

	return c, nil
}

// DigestRealm resolves the realm used for digest challenges, falling back to
// database then scope.
func (c *Credential) DigestRealm() string {
	for _, v := range []string{c.Realm, c.Database, c.Scope} {
		if v != "" {
			return v
		}
	}
	return ""
}

// ToMap renders the credential as a schemaless record for persistence.
func (c *Credential) ToMap() map[string]interface{} {
	raw, _ := json.Marshal(c)
	var m map[string]interface{}
	_ = json.Unmarshal(raw, &m)
	return m
}

// AuthKind tells the caller how to apply the authorization material.
type AuthKind string

const (
	AuthNone     AuthKind = "none"
	AuthHeader   AuthKind = "header"
	AuthUserInfo AuthKind = "userinfo"
	AuthTriplet  AuthKind = "triplet"
)

// Authorization is the per-scheme authorization material. Header carries a
// ready Authorization header value; UserInfo carries "id:secret" destined for
// the URL authority; Triplet carries the rpc (database, id, secret) tuple.
type Authorization struct {
	Kind     AuthKind
	Header   string
	UserInfo string
	Triplet  [3]string
}

// staticAuthorization computes authorization material for the schemes that
// need no token state. Bearer/oauth are handled by Service.Authorization,
// digest only ever answers a server challenge.
func (c *Credential) staticAuthorization() Authorization {
	switch c.Schema {
	case SchemaBasic:
		enc := base64.StdEncoding.EncodeToString([]byte(c.ClientID + ":" + c.ClientSecret))
		return Authorization{Kind: AuthHeader, Header: "Basic " + enc}
	case SchemaToken:
		return Authorization{Kind: AuthHeader, Header: "token " + c.ClientID + ":" + c.ClientSecret}
	case SchemaURL:
		return Authorization{Kind: AuthUserInfo, UserInfo: c.ClientID + ":" + c.ClientSecret}
	case SchemaRPC:
		return Authorization{Kind: AuthTriplet, Triplet: [3]string{c.Database, c.ClientID, c.ClientSecret}}
	default:
		return Authorization{Kind: AuthNone}
	}
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return ""
	}
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case json.Number:
		n, _ := t.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

func asBool(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "1" || t == "on"
	case float64:
		return t != 0
	default:
		return false
	}
}
