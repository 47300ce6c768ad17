// Package authz implements the gateway's authorization filter: the
// effective-scope check against the router, OIDC bearer-token
// verification against the configured identity provider, and the
// Keycloak-style claims flattening described in the spec.
package authz

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"busgateway/internal/httpx"
)

// Principal is the authenticated caller, extracted from a verified
// bearer token.
type Principal struct {
	Subject string
	Name    string // preferred_username
	Roles   []string
}

// VerifierConfig configures discovery against an OIDC authority.
type VerifierConfig struct {
	Authority            string
	Audiences            []string
	RequireHTTPSMetadata bool
	HTTPClient           *http.Client
	DiscoveryTimeout     time.Duration
}

// Verifier validates bearer tokens against an OIDC identity provider's
// published JWKS, caching keys by kid with a refresh TTL exactly the
// way a JWKS cache in front of a slow network call should.
type Verifier struct {
	cfg    VerifierConfig
	client *http.Client

	mu          sync.RWMutex
	jwksURI     string
	issuer      string
	keys        map[string]*rsa.PublicKey
	keysExpire  time.Time
	discovered  bool
}

var ErrDiscoveryRequiresHTTPS = errors.New("authz: metadata discovery requires https and RequireHttpsMetadata=true")

func NewVerifier(cfg VerifierConfig) *Verifier {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = 5 * time.Second
	}
	return &Verifier{
		cfg:    cfg,
		client: cfg.HTTPClient,
		keys:   map[string]*rsa.PublicKey{},
	}
}

// Verify parses and validates a bearer token: signature against the
// IdP's JWKS, issuer equals the configured authority, audience is one
// of the accepted set, and the token has not expired.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (Principal, map[string]json.RawMessage, error) {
	if v == nil {
		return Principal{}, nil, errors.New("authz: verifier not configured")
	}
	token, err := jwt.Parse(tokenString, v.keyfunc(ctx), jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		return Principal{}, nil, fmt.Errorf("authz: invalid token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, nil, errors.New("authz: unexpected claims type")
	}
	if err := v.checkIssuerAndAudience(claims); err != nil {
		return Principal{}, nil, err
	}
	raw := map[string]json.RawMessage{}
	b, _ := json.Marshal(claims)
	_ = json.Unmarshal(b, &raw)

	principal := Principal{}
	if sub, ok := claims["sub"].(string); ok {
		principal.Subject = sub
	}
	if name, ok := claims["preferred_username"].(string); ok {
		principal.Name = name
	}
	principal.Roles = stringSlice(claims["roles"])
	return principal, raw, nil
}

func (v *Verifier) checkIssuerAndAudience(claims jwt.MapClaims) error {
	if v.cfg.Authority != "" {
		iss, _ := claims["iss"].(string)
		if iss != v.cfg.Authority {
			return fmt.Errorf("authz: issuer mismatch: got %q want %q", iss, v.cfg.Authority)
		}
	}
	if len(v.cfg.Audiences) == 0 {
		return nil
	}
	accepted := map[string]struct{}{}
	for _, a := range v.cfg.Audiences {
		accepted[a] = struct{}{}
	}
	for _, aud := range stringSlice(claims["aud"]) {
		if _, ok := accepted[aud]; ok {
			return nil
		}
	}
	return errors.New("authz: audience not accepted")
}

func (v *Verifier) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("authz: token missing kid")
		}
		return v.key(ctx, kid)
	}
}

func (v *Verifier) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, ok := v.keys[kid]
	fresh := ok && time.Now().Before(v.keysExpire)
	v.mu.RUnlock()
	if fresh {
		return key, nil
	}
	if err := v.refreshJWKS(ctx); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	key, ok = v.keys[kid]
	if !ok {
		return nil, fmt.Errorf("authz: kid %q not found in jwks", kid)
	}
	return key, nil
}

// discover fetches the authority's .well-known/openid-configuration
// document once and remembers the jwks_uri and issuer it advertises.
func (v *Verifier) discover(ctx context.Context) error {
	v.mu.RLock()
	done := v.discovered
	v.mu.RUnlock()
	if done {
		return nil
	}
	authority := strings.TrimRight(v.cfg.Authority, "/")
	if v.cfg.RequireHTTPSMetadata && !strings.HasPrefix(authority, "https://") {
		return ErrDiscoveryRequiresHTTPS
	}
	discoveryURL := authority + "/.well-known/openid-configuration"
	status, body, err := httpx.RequestJSON(ctx, v.client, http.MethodGet, discoveryURL, nil, nil, 2, 200*time.Millisecond)
	if err != nil {
		return fmt.Errorf("authz: discovery: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("authz: discovery status %d", status)
	}
	var doc struct {
		JWKSURI string `json:"jwks_uri"`
		Issuer  string `json:"issuer"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("authz: discovery decode: %w", err)
	}
	if doc.JWKSURI == "" {
		return errors.New("authz: discovery document missing jwks_uri")
	}
	v.mu.Lock()
	v.jwksURI = doc.JWKSURI
	if doc.Issuer != "" {
		v.issuer = doc.Issuer
	}
	v.discovered = true
	v.mu.Unlock()
	return nil
}

func (v *Verifier) refreshJWKS(ctx context.Context) error {
	if err := v.discover(ctx); err != nil {
		return err
	}
	v.mu.RLock()
	jwksURI := v.jwksURI
	v.mu.RUnlock()

	status, body, err := httpx.RequestJSON(ctx, v.client, http.MethodGet, jwksURI, nil, nil, 2, 200*time.Millisecond)
	if err != nil {
		return fmt.Errorf("authz: jwks fetch: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("authz: jwks status %d", status)
	}
	var payload struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("authz: jwks decode: %w", err)
	}
	next := map[string]*rsa.PublicKey{}
	for _, k := range payload.Keys {
		if strings.ToUpper(k.Kty) != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := rsaFromJWK(k.N, k.E)
		if err != nil {
			continue
		}
		next[k.Kid] = pub
	}
	if len(next) == 0 {
		return errors.New("authz: jwks has no usable rsa keys")
	}
	v.mu.Lock()
	v.keys = next
	v.keysExpire = time.Now().Add(5 * time.Minute)
	v.mu.Unlock()
	return nil
}

func rsaFromJWK(nB64, eB64 string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, err
	}
	if len(eb) == 0 {
		return nil, errors.New("invalid exponent")
	}
	e := 0
	for _, b := range eb {
		e = e<<8 + int(b)
	}
	if e <= 1 {
		return nil, errors.New("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}

func stringSlice(v interface{}) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
