package clients

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ajitpratap0/intakeflow/pkg/clock"
	"github.com/ajitpratap0/intakeflow/pkg/config"
	"github.com/ajitpratap0/intakeflow/pkg/errors"
)

// Grant mints credentials. Implementations do one network round trip per
// call at most; caching is TokenRefresher's job.
type Grant interface {
	Mint(ctx context.Context, now time.Time) (*Credentials, error)
}

// GrantFunc adapts a function to Grant.
type GrantFunc func(ctx context.Context, now time.Time) (*Credentials, error)

// Mint implements Grant.
func (f GrantFunc) Mint(ctx context.Context, now time.Time) (*Credentials, error) {
	return f(ctx, now)
}

// NewGrant builds the grant the credentials describe. hc is used for token
// endpoint calls and may be nil.
func NewGrant(c config.Credentials, hc *http.Client) (Grant, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	var scopes []string
	if c.Scope != "" {
		scopes = strings.Fields(c.Scope)
	}

	switch c.Kind() {
	case config.CredentialClientCredentials:
		return &ClientCredentialsGrant{
			Config: clientcredentials.Config{
				ClientID:     c.ClientID,
				ClientSecret: c.ClientSecret,
				TokenURL:     c.AuthURL,
				Scopes:       scopes,
				AuthStyle:    oauth2.AuthStyleInParams,
			},
			HTTPClient: hc,
		}, nil
	case config.CredentialPassword:
		return &PasswordGrant{
			Config: oauth2.Config{
				ClientID:     c.ClientID,
				ClientSecret: c.ClientSecret,
				Endpoint:     oauth2.Endpoint{TokenURL: c.AuthURL, AuthStyle: oauth2.AuthStyleInParams},
				Scopes:       scopes,
			},
			Username:   c.Username,
			Password:   c.Password,
			HTTPClient: hc,
		}, nil
	case config.CredentialBasic:
		password := c.Password
		if password == "" {
			password = c.ApplicationKey
		}
		meta := map[string]string{}
		if c.AccountID != "" {
			meta["account_id"] = c.AccountID
		}
		return &StaticGrant{Credentials: Credentials{
			AccessToken: base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + password)),
			TokenType:   "Basic",
			Metadata:    meta,
		}}, nil
	case config.CredentialJWTBearer:
		key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(c.PEMKey))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "credentials: invalid pem_key")
		}
		return &JWTBearerGrant{
			Key:          key,
			AppID:        c.AppID,
			Organization: c.Organization,
			APIURL:       strings.TrimRight(c.AuthURL, "/"),
			HTTPClient:   hc,
		}, nil
	case config.CredentialAPIKey:
		return &StaticGrant{Credentials: Credentials{
			AccessToken: c.APIKey,
			HeaderName:  c.APIKeyHeader,
		}}, nil
	default:
		return nil, errors.New(errors.ErrorTypeConfig, "credentials: no grant configured")
	}
}

// ClientCredentialsGrant is the OAuth2 client_credentials grant.
type ClientCredentialsGrant struct {
	Config     clientcredentials.Config
	HTTPClient *http.Client
}

// Mint implements Grant.
func (g *ClientCredentialsGrant) Mint(ctx context.Context, now time.Time) (*Credentials, error) {
	tok, err := g.Config.Token(withHTTPClient(ctx, g.HTTPClient))
	if err != nil {
		return nil, classifyTokenError(err)
	}
	return fromOAuth2(tok, now), nil
}

// PasswordGrant is the OAuth2 resource-owner password grant.
type PasswordGrant struct {
	Config     oauth2.Config
	Username   string
	Password   string
	HTTPClient *http.Client
}

// Mint implements Grant.
func (g *PasswordGrant) Mint(ctx context.Context, now time.Time) (*Credentials, error) {
	tok, err := g.Config.PasswordCredentialsToken(withHTTPClient(ctx, g.HTTPClient), g.Username, g.Password)
	if err != nil {
		return nil, classifyTokenError(err)
	}
	return fromOAuth2(tok, now), nil
}

// StaticGrant returns the same non-expiring credential every time.
type StaticGrant struct {
	Credentials Credentials
}

// Mint implements Grant.
func (g *StaticGrant) Mint(_ context.Context, now time.Time) (*Credentials, error) {
	c := g.Credentials
	c.CreatedAt = now
	return &c, nil
}

// JWTBearerGrant signs an RS256 assertion for AppID and exchanges it for an
// installation token. When Organization is set, the installation id is looked
// up first.
type JWTBearerGrant struct {
	Key          *rsa.PrivateKey
	AppID        string
	Organization string
	APIURL       string
	HTTPClient   *http.Client
}

// Mint implements Grant.
func (g *JWTBearerGrant) Mint(ctx context.Context, now time.Time) (*Credentials, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    g.AppID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(g.Key)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to sign JWT assertion")
	}

	installationID := ""
	if g.Organization != "" {
		body, err := g.call(ctx, http.MethodGet, g.APIURL+"/orgs/"+g.Organization+"/installation", assertion)
		if err != nil {
			return nil, err
		}
		installationID = gjson.GetBytes(body, "id").String()
		if installationID == "" {
			return nil, errors.New(errors.ErrorTypeConfig, "installation lookup returned no id").
				WithDetail("organization", g.Organization)
		}
	}

	tokenURL := g.APIURL
	if installationID != "" {
		tokenURL = fmt.Sprintf("%s/app/installations/%s/access_tokens", g.APIURL, installationID)
	}
	body, err := g.call(ctx, http.MethodPost, tokenURL, assertion)
	if err != nil {
		return nil, err
	}

	token := gjson.GetBytes(body, "token").String()
	if token == "" {
		token = gjson.GetBytes(body, "access_token").String()
	}
	if token == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "token endpoint response lacks access_token")
	}

	expiresIn := time.Duration(gjson.GetBytes(body, "expires_in").Int()) * time.Second
	if at := gjson.GetBytes(body, "expires_at").String(); at != "" && expiresIn == 0 {
		if t, err := time.Parse(time.RFC3339, at); err == nil {
			expiresIn = t.Sub(now)
		}
	}
	if expiresIn <= 0 {
		expiresIn = time.Hour
	}
	meta := map[string]string{"app_id": g.AppID}
	if installationID != "" {
		meta["installation_id"] = installationID
	}
	return &Credentials{
		AccessToken: token,
		TokenType:   "Bearer",
		CreatedAt:   now,
		ExpiresIn:   expiresIn,
		Metadata:    meta,
	}, nil
}

func (g *JWTBearerGrant) call(ctx context.Context, method, url, assertion string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid token endpoint")
	}
	req.Header.Set("Authorization", "Bearer "+assertion)
	req.Header.Set("Accept", "application/json")

	hc := g.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransient, "failed to read token response")
	}
	if resp.StatusCode/100 != 2 {
		return nil, classifyStatus(resp.StatusCode, resp.Header, body, "token endpoint")
	}
	return body, nil
}

func withHTTPClient(ctx context.Context, hc *http.Client) context.Context {
	if hc == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, hc)
}

// fromOAuth2 reads the lifetime from the raw expires_in field, falling back
// to Expiry.
func fromOAuth2(tok *oauth2.Token, now time.Time) *Credentials {
	expiresIn := time.Duration(tok.ExpiresIn) * time.Second
	if expiresIn == 0 {
		switch v := tok.Extra("expires_in").(type) {
		case float64:
			expiresIn = time.Duration(v * float64(time.Second))
		case int64:
			expiresIn = time.Duration(v) * time.Second
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				expiresIn = time.Duration(n) * time.Second
			}
		}
	}
	if expiresIn == 0 && !tok.Expiry.IsZero() {
		expiresIn = time.Until(tok.Expiry).Round(time.Second)
	}
	tokenType := tok.TokenType
	if tokenType == "" || strings.EqualFold(tokenType, "bearer") {
		tokenType = "Bearer"
	}
	return &Credentials{
		AccessToken: tok.AccessToken,
		TokenType:   tokenType,
		CreatedAt:   clock.UTC(now),
		ExpiresIn:   expiresIn,
	}
}

// classifyTokenError maps x/oauth2 failures onto the taxonomy. A response
// without access_token or a rejected client is a configuration problem.
func classifyTokenError(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		status := 0
		if rerr.Response != nil {
			status = rerr.Response.StatusCode
		}
		switch {
		case status >= 500 || status == http.StatusTooManyRequests:
			return errors.Wrap(err, errors.ErrorTypeTransient, "token endpoint unavailable").WithDetail("status", status)
		case status == http.StatusUnauthorized || status == http.StatusForbidden || rerr.ErrorCode == "invalid_client" || rerr.ErrorCode == "unauthorized_client":
			return errors.Wrap(err, errors.ErrorTypeAuthentication, "token endpoint rejected the credentials").WithDetail("status", status)
		default:
			return errors.Wrap(err, errors.ErrorTypeConfig, "token request refused").WithDetail("status", status)
		}
	}
	if strings.Contains(err.Error(), "missing access_token") {
		return errors.Wrap(err, errors.ErrorTypeConfig, "token endpoint response lacks access_token")
	}
	if errors.IsShutdown(err) {
		return err
	}
	return classifyTransportError(err)
}
