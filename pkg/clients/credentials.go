package clients

import (
	"time"
)

// maxMargin caps how long before expiry a token is considered stale.
const maxMargin = 300 * time.Second

// Credentials is a minted access credential. ExpiresIn of zero means the
// credential never expires (basic auth, API keys).
type Credentials struct {
	AccessToken string
	TokenType   string
	CreatedAt   time.Time
	ExpiresIn   time.Duration
	Metadata    map[string]string

	// HeaderName overrides the Authorization header
	HeaderName string
}

// Margin is min(300s, expires_in/6). Short-lived tokens keep a proportional
// margin so they remain usable for most of their life.
func (c *Credentials) Margin() time.Duration {
	m := c.ExpiresIn / 6
	if m > maxMargin {
		m = maxMargin
	}
	return m
}

// RefreshAt is when the credential stops being handed out.
func (c *Credentials) RefreshAt() time.Time {
	return c.CreatedAt.Add(c.ExpiresIn - c.Margin())
}

// IsExpired reports whether now is past RefreshAt.
func (c *Credentials) IsExpired(now time.Time) bool {
	if c == nil || c.AccessToken == "" {
		return true
	}
	if c.ExpiresIn <= 0 {
		return false
	}
	return !now.Before(c.RefreshAt())
}

// Header returns the header name and value carrying the credential.
func (c *Credentials) Header() (string, string) {
	name := c.HeaderName
	if name == "" {
		name = "Authorization"
	}
	if c.TokenType == "" {
		return name, c.AccessToken
	}
	return name, c.TokenType + " " + c.AccessToken
}
