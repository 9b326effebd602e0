// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package apisync

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	apisync_testing "github.com/relaycore/apisync/testing"
)

func TestNoopAuthenticator(t *testing.T) {
	auth, err := NewAuthenticator(AuthenticatorConfig{}, nil, TemplateContext{}, nil)
	require.NoError(t, err)

	req, _ := http.NewRequest("GET", "https://example.com", nil)
	require.NoError(t, auth.PrepareRequest(context.Background(), req, "req-1"))
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestAPIKeyAuthenticatorHeader(t *testing.T) {
	auth, err := NewAuthenticator(AuthenticatorConfig{
		Type: AuthAPIKey, Key: "X-Api-Key", Value: "secret-123",
	}, nil, TemplateContext{}, nil)
	require.NoError(t, err)

	req, _ := http.NewRequest("GET", "https://example.com", nil)
	require.NoError(t, auth.PrepareRequest(context.Background(), req, ""))
	assert.Equal(t, "secret-123", req.Header.Get("X-Api-Key"))
}

func TestAPIKeyAuthenticatorQuery(t *testing.T) {
	auth, err := NewAuthenticator(AuthenticatorConfig{
		Type: AuthAPIKey, In: APIKeyInQuery, Key: "api_key", Value: "secret-123",
	}, nil, TemplateContext{}, nil)
	require.NoError(t, err)

	req, _ := http.NewRequest("GET", "https://example.com/data", nil)
	require.NoError(t, auth.PrepareRequest(context.Background(), req, ""))
	assert.Equal(t, "secret-123", req.URL.Query().Get("api_key"))
}

func TestAPIKeyAuthenticatorTemplatedValue(t *testing.T) {
	base := TemplateContext{Config: RuntimeConfig{"api_key": "from-config"}}
	auth, err := NewAuthenticator(AuthenticatorConfig{
		Type: AuthAPIKey, Key: "X-Api-Key", Value: "{{ config.api_key }}",
	}, nil, base, nil)
	require.NoError(t, err)

	req, _ := http.NewRequest("GET", "https://example.com", nil)
	require.NoError(t, auth.PrepareRequest(context.Background(), req, ""))
	assert.Equal(t, "from-config", req.Header.Get("X-Api-Key"))
}

func TestBasicAuthenticator(t *testing.T) {
	auth, err := NewAuthenticator(AuthenticatorConfig{
		Type: AuthBasic, Username: "testuser", Password: "testpass",
	}, nil, TemplateContext{}, nil)
	require.NoError(t, err)

	req, _ := http.NewRequest("GET", "https://example.com", nil)
	require.NoError(t, auth.PrepareRequest(context.Background(), req, ""))

	username, password, ok := req.BasicAuth()
	assert.True(t, ok)
	assert.Equal(t, "testuser", username)
	assert.Equal(t, "testpass", password)
}

func TestBearerAuthenticator(t *testing.T) {
	auth, err := NewAuthenticator(AuthenticatorConfig{
		Type: AuthBearer, Token: "my-secret-token",
	}, nil, TemplateContext{}, nil)
	require.NoError(t, err)

	req, _ := http.NewRequest("GET", "https://example.com", nil)
	require.NoError(t, auth.PrepareRequest(context.Background(), req, ""))
	assert.Equal(t, "Bearer my-secret-token", req.Header.Get("Authorization"))
}

func TestCustomHeadersAuthenticator(t *testing.T) {
	auth, err := NewAuthenticator(AuthenticatorConfig{
		Type:    AuthCustomHeaders,
		Headers: map[string]string{"X-One": "a", "X-Two": "b"},
	}, nil, TemplateContext{}, nil)
	require.NoError(t, err)

	req, _ := http.NewRequest("GET", "https://example.com", nil)
	require.NoError(t, auth.PrepareRequest(context.Background(), req, ""))
	assert.Equal(t, "a", req.Header.Get("X-One"))
	assert.Equal(t, "b", req.Header.Get("X-Two"))
}

func TestSessionAuthenticatorBodyExtraction(t *testing.T) {
	mock := apisync_testing.NewMockRoundTripper()
	mock.Set("https://api.example.com/login", apisync_testing.MockResponse{
		Body: `{"token":"session-token-abc"}`,
	})
	client := &http.Client{Transport: mock}

	auth, err := NewAuthenticator(AuthenticatorConfig{
		Type: AuthSession,
		LoginRequest: &LoginRequestConfig{
			Method: "POST", Path: "https://api.example.com/login",
		},
		ExtractSelector: "$.token",
	}, client, TemplateContext{}, nil)
	require.NoError(t, err)

	req1, _ := http.NewRequest("GET", "https://api.example.com/data", nil)
	require.NoError(t, auth.PrepareRequest(context.Background(), req1, ""))
	assert.Equal(t, "session-token-abc", req1.Header.Get("Authorization"))

	// A second request reuses the cached token without another login.
	req2, _ := http.NewRequest("GET", "https://api.example.com/data2", nil)
	require.NoError(t, auth.PrepareRequest(context.Background(), req2, ""))
	assert.Equal(t, "session-token-abc", req2.Header.Get("Authorization"))

	loginRequests := 0
	for _, r := range mock.Requests {
		if r.URL.Path == "/login" {
			loginRequests++
		}
	}
	assert.Equal(t, 1, loginRequests)
}

func TestSessionAuthenticatorCookie(t *testing.T) {
	mock := apisync_testing.NewMockRoundTripper()
	mock.Set("https://api.example.com/login", apisync_testing.MockResponse{
		Body:    `{}`,
		Headers: map[string]string{"Set-Cookie": "session_id=abc123xyz"},
	})
	client := &http.Client{Transport: mock}

	auth, err := NewAuthenticator(AuthenticatorConfig{
		Type: AuthSession,
		LoginRequest: &LoginRequestConfig{
			Method: "POST", Path: "https://api.example.com/login",
		},
		ExtractFrom:     "cookie",
		ExtractSelector: "session_id",
		InjectInto:      "cookie",
	}, client, TemplateContext{}, nil)
	require.NoError(t, err)

	req, _ := http.NewRequest("GET", "https://api.example.com/data", nil)
	require.NoError(t, auth.PrepareRequest(context.Background(), req, ""))

	cookies := req.Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "session_id", cookies[0].Name)
	assert.Equal(t, "abc123xyz", cookies[0].Value)
}

func TestSessionAuthenticatorExpiresAndRelogs(t *testing.T) {
	mock := apisync_testing.NewMockRoundTripper()
	mock.Enqueue("https://api.example.com/login", apisync_testing.MockResponse{Body: `{"token":"first"}`})
	mock.Enqueue("https://api.example.com/login", apisync_testing.MockResponse{Body: `{"token":"second"}`})
	client := &http.Client{Transport: mock}

	auth, err := NewAuthenticator(AuthenticatorConfig{
		Type: AuthSession,
		LoginRequest: &LoginRequestConfig{
			Method: "POST", Path: "https://api.example.com/login",
		},
		ExtractSelector: "$.token",
		MaxAgeSeconds:   1,
	}, client, TemplateContext{}, nil)
	require.NoError(t, err)

	req1, _ := http.NewRequest("GET", "https://api.example.com/data", nil)
	require.NoError(t, auth.PrepareRequest(context.Background(), req1, ""))
	assert.Equal(t, "first", req1.Header.Get("Authorization"))

	time.Sleep(1100 * time.Millisecond)

	req2, _ := http.NewRequest("GET", "https://api.example.com/data", nil)
	require.NoError(t, auth.PrepareRequest(context.Background(), req2, ""))
	assert.Equal(t, "second", req2.Header.Get("Authorization"))
}

func TestJWTAuthenticatorSignsAndCaches(t *testing.T) {
	auth, err := NewAuthenticator(AuthenticatorConfig{
		Type:             AuthJWT,
		JWTSecret:        "shh",
		JWTClaims:        map[string]string{"sub": "connector"},
		JWTExpirySeconds: 3600,
	}, nil, TemplateContext{}, nil)
	require.NoError(t, err)

	req1, _ := http.NewRequest("GET", "https://example.com", nil)
	require.NoError(t, auth.PrepareRequest(context.Background(), req1, ""))
	first := req1.Header.Get("Authorization")
	require.NotEmpty(t, first)

	req2, _ := http.NewRequest("GET", "https://example.com", nil)
	require.NoError(t, auth.PrepareRequest(context.Background(), req2, ""))
	assert.Equal(t, first, req2.Header.Get("Authorization"), "token should be cached within its validity window")
}

func TestJWTAuthenticatorAsymmetricSigningAndExchange(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemKey := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	mock := apisync_testing.NewMockRoundTripper()
	mock.Set("https://auth.example.com/exchange", apisync_testing.MockResponse{
		Body: `{"access_token":"exchanged-token","token_type":"bearer"}`,
	})
	client := &http.Client{Transport: mock}

	auth, err := NewAuthenticator(AuthenticatorConfig{
		Type:          AuthJWT,
		JWTPrivateKey: string(pemKey),
		TokenURL:      "https://auth.example.com/exchange",
		JWTClaims:     map[string]string{"sub": "connector"},
	}, client, TemplateContext{}, nil)
	require.NoError(t, err)

	req, _ := http.NewRequest("GET", "https://api.example.com/data", nil)
	require.NoError(t, auth.PrepareRequest(context.Background(), req, ""))
	assert.Equal(t, "Bearer exchanged-token", req.Header.Get("Authorization"))

	exchangeRequests := 0
	for _, r := range mock.Requests {
		if r.URL.Path == "/exchange" {
			exchangeRequests++
		}
	}
	assert.Equal(t, 1, exchangeRequests)
}

func TestOAuth2ClientCredentials(t *testing.T) {
	mock := apisync_testing.NewMockRoundTripper()
	mock.Set("https://auth.example.com/token", apisync_testing.MockResponse{
		Body: `{"access_token":"cc-token","token_type":"bearer","expires_in":3600}`,
	})
	client := &http.Client{Transport: mock}

	auth, err := NewAuthenticator(AuthenticatorConfig{
		Type:         AuthOAuth2ClientCredentials,
		TokenURL:     "https://auth.example.com/token",
		ClientID:     "id",
		ClientSecret: "secret",
	}, nil, TemplateContext{}, nil)
	require.NoError(t, err)

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, client)
	req, _ := http.NewRequest("GET", "https://api.example.com/data", nil)
	require.NoError(t, auth.PrepareRequest(ctx, req, ""))
	assert.Equal(t, "Bearer cc-token", req.Header.Get("Authorization"))
}

func TestOAuth2Refresh(t *testing.T) {
	mock := apisync_testing.NewMockRoundTripper()
	mock.Set("https://auth.example.com/token", apisync_testing.MockResponse{
		Body: `{"access_token":"refreshed-token","token_type":"bearer","expires_in":3600}`,
	})
	client := &http.Client{Transport: mock}

	auth, err := NewAuthenticator(AuthenticatorConfig{
		Type:         AuthOAuth2Refresh,
		TokenURL:     "https://auth.example.com/token",
		ClientID:     "id",
		ClientSecret: "secret",
		RefreshToken: "old-refresh-token",
	}, nil, TemplateContext{}, nil)
	require.NoError(t, err)

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, client)
	req, _ := http.NewRequest("GET", "https://api.example.com/data", nil)
	require.NoError(t, auth.PrepareRequest(ctx, req, ""))
	assert.Equal(t, "Bearer refreshed-token", req.Header.Get("Authorization"))
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "***", maskToken("short"))
	assert.Equal(t, "abcd...wxyz", maskToken("abcdefghijklmnopqrstuvwxyz"))
}
