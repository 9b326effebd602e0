// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package apisync

import (
	"context"
	"crypto/rsa"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// AuthKind is the closed set of authenticator variants (§4.2).
type AuthKind string

const (
	AuthNone                    AuthKind = "none"
	AuthAPIKey                  AuthKind = "api_key"
	AuthBasic                   AuthKind = "basic"
	AuthBearer                  AuthKind = "bearer"
	AuthOAuth2ClientCredentials AuthKind = "oauth2_client_credentials"
	AuthOAuth2Refresh           AuthKind = "oauth2_refresh"
	AuthSession                 AuthKind = "session"
	AuthJWT                     AuthKind = "jwt"
	AuthCustomHeaders           AuthKind = "custom_headers"
)

// APIKeyLocation is where api_key credentials are injected.
type APIKeyLocation string

const (
	APIKeyInHeader APIKeyLocation = "header"
	APIKeyInQuery  APIKeyLocation = "query"
)

// AuthenticatorConfig configures one authenticator instance (§4.2). Fields
// are grouped by variant; unused fields for a given Type are ignored.
// Credential-bearing fields may contain "{{ config.x }}" templates, resolved
// once against the connector's RuntimeConfig when the authenticator is built.
type AuthenticatorConfig struct {
	Type AuthKind `yaml:"type,omitempty" json:"type,omitempty"`

	// api_key
	In    APIKeyLocation `yaml:"in,omitempty" json:"in,omitempty"`
	Key   string         `yaml:"key,omitempty" json:"key,omitempty"`
	Value string         `yaml:"value,omitempty" json:"value,omitempty"`

	// basic
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`

	// bearer
	Token string `yaml:"token,omitempty" json:"token,omitempty"`

	// oauth2_client_credentials / oauth2_refresh
	TokenURL     string   `yaml:"token_url,omitempty" json:"token_url,omitempty"`
	ClientID     string   `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	ClientSecret string   `yaml:"client_secret,omitempty" json:"client_secret,omitempty"`
	RefreshToken string   `yaml:"refresh_token,omitempty" json:"refresh_token,omitempty"`
	Scopes       []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`

	// session
	LoginRequest    *LoginRequestConfig `yaml:"login_request,omitempty" json:"login_request,omitempty"`
	ExtractFrom     string              `yaml:"extract_from,omitempty" json:"extract_from,omitempty"` // cookie | header | body
	ExtractSelector string              `yaml:"extract_selector,omitempty" json:"extract_selector,omitempty"`
	InjectInto      string              `yaml:"inject_into,omitempty" json:"inject_into,omitempty"` // cookie | header
	InjectKey       string              `yaml:"inject_key,omitempty" json:"inject_key,omitempty"`
	MaxAgeSeconds   int                 `yaml:"max_age_seconds,omitempty" json:"max_age_seconds,omitempty"`

	// jwt (self-signed, not consumed from a login response). JWTPrivateKey,
	// when set, selects RS256 signing (a PEM-encoded RSA private key) over
	// the default HMAC-SHA256 signing from JWTSecret. TokenURL, when set,
	// exchanges the signed assertion for an access token (RFC 7523
	// jwt-bearer grant) instead of sending the assertion itself as the
	// bearer credential.
	JWTSecret        string            `yaml:"jwt_secret,omitempty" json:"jwt_secret,omitempty"`
	JWTPrivateKey    string            `yaml:"jwt_private_key,omitempty" json:"jwt_private_key,omitempty"`
	JWTClaims        map[string]string `yaml:"jwt_claims,omitempty" json:"jwt_claims,omitempty"`
	JWTExpirySeconds int               `yaml:"jwt_expiry_seconds,omitempty" json:"jwt_expiry_seconds,omitempty"`

	// custom_headers
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// LoginRequestConfig is the HTTP call a session authenticator issues to
// obtain a cookie or bearer token (§4.2).
type LoginRequestConfig struct {
	Method  string            `yaml:"method,omitempty" json:"method,omitempty"`
	Path    string            `yaml:"path,omitempty" json:"path,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body    string            `yaml:"body,omitempty" json:"body,omitempty"`
}

func (c LoginRequestConfig) methodOrDefault() string {
	if c.Method == "" {
		return "POST"
	}
	return c.Method
}

// Authenticator prepares one outgoing request with credentials (§4.2). A
// single instance is shared across all requests for the connector, or a
// stream's override instance if one is configured.
type Authenticator interface {
	PrepareRequest(ctx context.Context, req *http.Request, requestID string) error
}

// tokenInvalidator is implemented by authenticators that cache a credential
// across requests. The HTTP executor type-asserts for it on a 401 response
// so the cached credential is dropped before the one-shot retry re-invokes
// PrepareRequest; static-credential authenticators (api_key, basic, bearer,
// custom_headers, noop) have nothing to invalidate and don't implement it.
type tokenInvalidator interface {
	InvalidateToken()
}

// NewAuthenticator builds the Authenticator named by cfg.Type, resolving any
// templated credential fields against base (the connector's top-level
// template context: config + now, no partition/state).
func NewAuthenticator(cfg AuthenticatorConfig, httpClient HTTPClient, base TemplateContext, p *profiler) (Authenticator, error) {
	resolve := func(s string) (string, error) {
		if s == "" {
			return "", nil
		}
		return expandTemplate(s, base)
	}

	switch cfg.Type {
	case "", AuthNone:
		return &noopAuthenticator{}, nil

	case AuthAPIKey:
		value, err := resolve(cfg.Value)
		if err != nil {
			return nil, err
		}
		in := cfg.In
		if in == "" {
			in = APIKeyInHeader
		}
		key := cfg.Key
		if key == "" {
			key = "Authorization"
		}
		return &apiKeyAuthenticator{in: in, key: key, value: value, p: p}, nil

	case AuthBasic:
		username, err := resolve(cfg.Username)
		if err != nil {
			return nil, err
		}
		password, err := resolve(cfg.Password)
		if err != nil {
			return nil, err
		}
		return &basicAuthenticator{username: username, password: password, p: p}, nil

	case AuthBearer:
		token, err := resolve(cfg.Token)
		if err != nil {
			return nil, err
		}
		return &bearerAuthenticator{token: token, p: p}, nil

	case AuthOAuth2ClientCredentials:
		clientID, err := resolve(cfg.ClientID)
		if err != nil {
			return nil, err
		}
		clientSecret, err := resolve(cfg.ClientSecret)
		if err != nil {
			return nil, err
		}
		tokenURL, err := resolve(cfg.TokenURL)
		if err != nil {
			return nil, err
		}
		return &oauth2Authenticator{
			p: p,
			clientCreds: &clientcredentials.Config{
				ClientID:     clientID,
				ClientSecret: clientSecret,
				TokenURL:     tokenURL,
				Scopes:       cfg.Scopes,
			},
		}, nil

	case AuthOAuth2Refresh:
		clientID, err := resolve(cfg.ClientID)
		if err != nil {
			return nil, err
		}
		clientSecret, err := resolve(cfg.ClientSecret)
		if err != nil {
			return nil, err
		}
		tokenURL, err := resolve(cfg.TokenURL)
		if err != nil {
			return nil, err
		}
		refreshToken, err := resolve(cfg.RefreshToken)
		if err != nil {
			return nil, err
		}
		oauthCfg := &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
			Scopes:       cfg.Scopes,
		}
		return &oauth2Authenticator{
			p:         p,
			oauthConf: oauthCfg,
			seed:      &oauth2.Token{RefreshToken: refreshToken},
		}, nil

	case AuthSession:
		if cfg.LoginRequest == nil {
			return nil, newErrf(KindConfigError, "auth.login_request", "session auth requires login_request")
		}
		return &sessionAuthenticator{
			cfg:        cfg,
			httpClient: httpClient,
			extractor:  newPathExtractor(),
			base:       base,
			p:          p,
		}, nil

	case AuthJWT:
		secret, err := resolve(cfg.JWTSecret)
		if err != nil {
			return nil, err
		}
		privateKeyPEM, err := resolve(cfg.JWTPrivateKey)
		if err != nil {
			return nil, err
		}
		tokenURL, err := resolve(cfg.TokenURL)
		if err != nil {
			return nil, err
		}
		claims := make(map[string]string, len(cfg.JWTClaims))
		for k, v := range cfg.JWTClaims {
			rv, err := resolve(v)
			if err != nil {
				return nil, err
			}
			claims[k] = rv
		}
		expiry := cfg.JWTExpirySeconds
		if expiry <= 0 {
			expiry = 3600
		}
		auth := &jwtAuthenticator{
			secret:     secret,
			claims:     claims,
			expiry:     time.Duration(expiry) * time.Second,
			tokenURL:   tokenURL,
			httpClient: httpClient,
			p:          p,
		}
		if privateKeyPEM != "" {
			key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
			if err != nil {
				return nil, newErr(KindConfigError, "auth.jwt_private_key", err)
			}
			auth.privateKey = key
		}
		return auth, nil

	case AuthCustomHeaders:
		headers := make(map[string]string, len(cfg.Headers))
		for k, v := range cfg.Headers {
			rv, err := resolve(v)
			if err != nil {
				return nil, err
			}
			headers[k] = rv
		}
		return &customHeadersAuthenticator{headers: headers, p: p}, nil

	default:
		return nil, newErrf(KindConfigError, "auth.type", "unsupported authenticator type %q", cfg.Type)
	}
}

type noopAuthenticator struct{}

func (a *noopAuthenticator) PrepareRequest(ctx context.Context, req *http.Request, requestID string) error {
	return nil
}

type apiKeyAuthenticator struct {
	in    APIKeyLocation
	key   string
	value string
	p     *profiler
}

func (a *apiKeyAuthenticator) PrepareRequest(ctx context.Context, req *http.Request, requestID string) error {
	authID := a.p.emit(EventAuthStart, "api_key", requestID, nil)
	switch a.in {
	case APIKeyInQuery:
		q := req.URL.Query()
		q.Set(a.key, a.value)
		req.URL.RawQuery = q.Encode()
	default:
		req.Header.Set(a.key, a.value)
	}
	a.p.emit(EventAuthTokenInject, "api_key", authID, map[string]any{"location": string(a.in), "key": a.key, "value": maskToken(a.value)})
	a.p.emit(EventAuthEnd, "api_key", authID, nil)
	return nil
}

type basicAuthenticator struct {
	username, password string
	p                   *profiler
}

func (a *basicAuthenticator) PrepareRequest(ctx context.Context, req *http.Request, requestID string) error {
	authID := a.p.emit(EventAuthStart, "basic", requestID, map[string]any{"username": a.username})
	req.SetBasicAuth(a.username, a.password)
	a.p.emit(EventAuthTokenInject, "basic", authID, map[string]any{"location": "Authorization header"})
	a.p.emit(EventAuthEnd, "basic", authID, nil)
	return nil
}

type bearerAuthenticator struct {
	token string
	p     *profiler
}

func (a *bearerAuthenticator) PrepareRequest(ctx context.Context, req *http.Request, requestID string) error {
	authID := a.p.emit(EventAuthStart, "bearer", requestID, nil)
	req.Header.Set("Authorization", "Bearer "+a.token)
	a.p.emit(EventAuthTokenInject, "bearer", authID, map[string]any{"token": maskToken(a.token)})
	a.p.emit(EventAuthEnd, "bearer", authID, nil)
	return nil
}

type customHeadersAuthenticator struct {
	headers map[string]string
	p       *profiler
}

func (a *customHeadersAuthenticator) PrepareRequest(ctx context.Context, req *http.Request, requestID string) error {
	authID := a.p.emit(EventAuthStart, "custom_headers", requestID, nil)
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}
	a.p.emit(EventAuthEnd, "custom_headers", authID, nil)
	return nil
}

// oauth2Authenticator covers both oauth2_client_credentials and
// oauth2_refresh: one of clientCreds or (oauthConf+seed) is set. Token
// caching and refresh is delegated to golang.org/x/oauth2's TokenSource,
// guarded by a mutex so concurrent requests single-flight the refresh.
type oauth2Authenticator struct {
	p *profiler

	clientCreds *clientcredentials.Config

	oauthConf *oauth2.Config
	seed      *oauth2.Token

	mu     sync.Mutex
	source oauth2.TokenSource
}

func (a *oauth2Authenticator) PrepareRequest(ctx context.Context, req *http.Request, requestID string) error {
	authID := a.p.emit(EventAuthStart, "oauth2", requestID, nil)

	a.mu.Lock()
	if a.source == nil {
		if a.clientCreds != nil {
			a.source = a.clientCreds.TokenSource(ctx)
		} else {
			a.source = a.oauthConf.TokenSource(ctx, a.seed)
		}
	}
	source := a.source
	a.mu.Unlock()

	loginID := a.p.emit(EventAuthLoginStart, "oauth2 token fetch", authID, nil)
	start := time.Now()
	token, err := source.Token()
	if err != nil {
		a.p.emitEnd(EventAuthLoginEnd, "oauth2 token fetch", loginID, time.Since(start), map[string]any{"error": err.Error()})
		a.p.emit(EventAuthEnd, "oauth2", authID, map[string]any{"error": err.Error()})
		return newErr(KindAuthError, "auth", err)
	}
	a.p.emitEnd(EventAuthLoginEnd, "oauth2 token fetch", loginID, time.Since(start), map[string]any{"token": maskToken(token.AccessToken)})

	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	a.p.emit(EventAuthTokenInject, "oauth2", authID, map[string]any{"token": maskToken(token.AccessToken)})
	a.p.emit(EventAuthEnd, "oauth2", authID, nil)
	return nil
}

// InvalidateToken drops the cached TokenSource so the next PrepareRequest
// fetches a fresh token instead of reusing one the server just rejected.
func (a *oauth2Authenticator) InvalidateToken() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.source = nil
}

// sessionAuthenticator performs a login request once (or every MaxAgeSeconds)
// and injects the extracted credential into every subsequent request (§4.2).
type sessionAuthenticator struct {
	cfg        AuthenticatorConfig
	httpClient HTTPClient
	extractor  *pathExtractor
	base       TemplateContext
	p          *profiler

	mu         sync.Mutex
	cookie     *http.Cookie
	headerVal  string
	acquiredAt time.Time
}

func (a *sessionAuthenticator) maxAge() time.Duration {
	if a.cfg.MaxAgeSeconds <= 0 {
		return 0
	}
	return time.Duration(a.cfg.MaxAgeSeconds) * time.Second
}

func (a *sessionAuthenticator) needsLogin() bool {
	if a.acquiredAt.IsZero() {
		return true
	}
	if age := a.maxAge(); age > 0 && time.Since(a.acquiredAt) > age {
		return true
	}
	return false
}

func (a *sessionAuthenticator) PrepareRequest(ctx context.Context, req *http.Request, requestID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	authID := a.p.emit(EventAuthStart, "session", requestID, nil)

	if a.needsLogin() {
		if err := a.login(ctx, authID); err != nil {
			a.p.emit(EventAuthEnd, "session", authID, map[string]any{"error": err.Error()})
			return err
		}
	} else {
		a.p.emit(EventAuthCached, "session", authID, map[string]any{"age": time.Since(a.acquiredAt).String()})
	}

	switch a.cfg.InjectInto {
	case "cookie":
		if a.cookie != nil {
			req.AddCookie(a.cookie)
		}
	default:
		req.Header.Set(a.injectKeyOrDefault(), a.headerVal)
	}
	a.p.emit(EventAuthTokenInject, "session", authID, map[string]any{"location": a.cfg.InjectInto})
	a.p.emit(EventAuthEnd, "session", authID, nil)
	return nil
}

// InvalidateToken forces the next PrepareRequest to log in again.
func (a *sessionAuthenticator) InvalidateToken() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acquiredAt = time.Time{}
}

func (a *sessionAuthenticator) injectKeyOrDefault() string {
	if a.cfg.InjectKey != "" {
		return a.cfg.InjectKey
	}
	return "Authorization"
}

func (a *sessionAuthenticator) login(ctx context.Context, parentID string) error {
	lr := a.cfg.LoginRequest
	path, err := expandTemplate(lr.Path, a.base)
	if err != nil {
		return err
	}
	body, err := expandTemplate(lr.Body, a.base)
	if err != nil {
		return err
	}

	loginID := a.p.emit(EventAuthLoginStart, "session login", parentID, map[string]any{"path": path})
	start := time.Now()

	req, err := buildRequest(ctx, lr.methodOrDefault(), path, lr.Headers, body)
	if err != nil {
		return newErr(KindAuthError, "auth.login_request", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.p.emitEnd(EventAuthLoginEnd, "session login", loginID, time.Since(start), map[string]any{"error": err.Error()})
		return newErr(KindAuthError, "auth.login_request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		a.p.emitEnd(EventAuthLoginEnd, "session login", loginID, time.Since(start), map[string]any{"status": resp.StatusCode})
		return newErrf(KindAuthError, "auth.login_request", "login request returned status %d", resp.StatusCode)
	}

	switch a.cfg.ExtractFrom {
	case "cookie":
		for _, c := range resp.Cookies() {
			if c.Name == a.cfg.ExtractSelector {
				a.cookie = c
			}
		}
		if a.cookie == nil {
			return newErrf(KindAuthError, "auth.extract_selector", "cookie %q not present in login response", a.cfg.ExtractSelector)
		}
	case "header":
		a.headerVal = resp.Header.Get(a.cfg.ExtractSelector)
		if a.headerVal == "" {
			return newErrf(KindAuthError, "auth.extract_selector", "header %q not present in login response", a.cfg.ExtractSelector)
		}
	default:
		raw, err := readAll(resp.Body)
		if err != nil {
			return newErr(KindAuthError, "auth.login_request", err)
		}
		decoded, err := decodeJSON(raw)
		if err != nil {
			return err
		}
		val, err := a.extractor.ExtractScalar(decoded, a.cfg.ExtractSelector)
		if err != nil {
			return err
		}
		a.headerVal = ScalarToString(val)
		if a.headerVal == "" {
			return newErrf(KindAuthError, "auth.extract_selector", "path %q resolved to nothing in login response body", a.cfg.ExtractSelector)
		}
	}

	a.acquiredAt = time.Now()
	a.p.emitEnd(EventAuthLoginEnd, "session login", loginID, time.Since(start), map[string]any{"extracted": maskToken(a.headerVal)})
	return nil
}

// jwtAuthenticator signs a fresh JWT on every request whose validity window
// has expired, using github.com/golang-jwt/jwt/v5 — a teacher go.mod
// dependency that was only used to consume tokens, never to mint them.
// When privateKey is set the assertion is signed RS256 instead of HS256;
// when tokenURL is set the signed assertion is exchanged for an access
// token (RFC 7523 jwt-bearer grant) rather than sent as the bearer
// credential itself.
type jwtAuthenticator struct {
	secret     string
	privateKey *rsa.PrivateKey
	claims     map[string]string
	expiry     time.Duration
	tokenURL   string
	httpClient HTTPClient
	p          *profiler

	mu       sync.Mutex
	signed   string
	signedAt time.Time
}

func (a *jwtAuthenticator) PrepareRequest(ctx context.Context, req *http.Request, requestID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	authID := a.p.emit(EventAuthStart, "jwt", requestID, nil)

	if a.signed == "" || time.Since(a.signedAt) > a.expiry-30*time.Second {
		signed, err := a.mint(ctx, authID)
		if err != nil {
			a.p.emit(EventAuthEnd, "jwt", authID, map[string]any{"error": err.Error()})
			return err
		}
		a.signed = signed
		a.signedAt = time.Now()
		a.p.emit(EventAuthTokenExtract, "jwt", authID, map[string]any{"token": maskToken(signed)})
	} else {
		a.p.emit(EventAuthCached, "jwt", authID, map[string]any{"age": time.Since(a.signedAt).String()})
	}

	req.Header.Set("Authorization", "Bearer "+a.signed)
	a.p.emit(EventAuthEnd, "jwt", authID, nil)
	return nil
}

// InvalidateToken forces the next PrepareRequest to mint (and, if
// configured, re-exchange) a fresh assertion.
func (a *jwtAuthenticator) InvalidateToken() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.signed = ""
}

// mint builds and signs the JWT assertion, then exchanges it for an access
// token against tokenURL if one is configured.
func (a *jwtAuthenticator) mint(ctx context.Context, authID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{"iat": now.Unix(), "exp": now.Add(a.expiry).Unix()}
	for k, v := range a.claims {
		claims[k] = v
	}

	var token *jwt.Token
	var key interface{}
	if a.privateKey != nil {
		token = jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		key = a.privateKey
	} else {
		token = jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		key = []byte(a.secret)
	}
	assertion, err := token.SignedString(key)
	if err != nil {
		return "", newErr(KindAuthError, "auth.jwt", err)
	}

	if a.tokenURL == "" {
		return assertion, nil
	}
	return a.exchangeToken(ctx, authID, assertion)
}

// exchangeToken trades a signed assertion for an access token via the
// jwt-bearer grant (RFC 7523), the pattern service-account style JWT auth
// uses when the assertion itself isn't accepted as a bearer credential.
func (a *jwtAuthenticator) exchangeToken(ctx context.Context, authID, assertion string) (string, error) {
	loginID := a.p.emit(EventAuthLoginStart, "jwt token exchange", authID, map[string]any{"token_url": a.tokenURL})
	start := time.Now()

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", newErr(KindAuthError, "auth.token_url", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.p.emitEnd(EventAuthLoginEnd, "jwt token exchange", loginID, time.Since(start), map[string]any{"error": err.Error()})
		return "", newErr(KindAuthError, "auth.token_url", err)
	}
	defer resp.Body.Close()

	raw, err := readAll(resp.Body)
	if err != nil {
		return "", newErr(KindAuthError, "auth.token_url", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		a.p.emitEnd(EventAuthLoginEnd, "jwt token exchange", loginID, time.Since(start), map[string]any{"status": resp.StatusCode})
		return "", newErrf(KindAuthError, "auth.token_url", "token exchange returned status %d", resp.StatusCode)
	}

	decoded, err := decodeJSON(raw)
	if err != nil {
		return "", newErr(KindAuthError, "auth.token_url", err)
	}
	body, ok := decoded.(map[string]interface{})
	if !ok {
		return "", newErrf(KindAuthError, "auth.token_url", "token exchange response was not a JSON object")
	}
	accessToken, _ := body["access_token"].(string)
	if accessToken == "" {
		return "", newErrf(KindAuthError, "auth.token_url", "token exchange response had no access_token")
	}
	a.p.emitEnd(EventAuthLoginEnd, "jwt token exchange", loginID, time.Since(start), map[string]any{"token": maskToken(accessToken)})
	return accessToken, nil
}
