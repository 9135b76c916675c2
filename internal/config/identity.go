package config

import "time"

// IdentityConfig configures how a simulated user's identity is restored and marked.
type IdentityConfig struct {
	ChurnProbability float64 `yaml:"churn_probability"` // chance of ignoring the saved identity
	CookieDomain     string  `yaml:"cookie_domain"`     // domain of the marker and variant cookies
	CookieURL        string  `yaml:"cookie_url"`        // URL used to look the marker cookie up
	MarkerCookie     string  `yaml:"marker_cookie"`     // persistent "user" cookie name
	MarkerDomain     string  `yaml:"marker_domain"`     // mailbox domain of generated markers
	VariantCookie    string  `yaml:"variant_cookie"`    // empty disables the variant cookie
	VariantValue     string  `yaml:"variant_value"`
	CookieTTL        string  `yaml:"cookie_ttl"`
	BotFlag          string  `yaml:"bot_flag"` // window property set on every document
}

// DefaultIdentityConfig returns the identity defaults.
func DefaultIdentityConfig() IdentityConfig {
	return IdentityConfig{
		ChurnProbability: 0,
		CookieDomain:     ".louren.co.in",
		CookieURL:        "https://louren.co.in",
		MarkerCookie:     "email",
		MarkerDomain:     "gmail.com",
		VariantCookie:    "variant",
		VariantValue:     "1",
		CookieTTL:        "8760h",
		BotFlag:          "is_playwright_bot",
	}
}

// GetCookieTTL returns the lifetime of the cookies funnelbot sets.
func (c IdentityConfig) GetCookieTTL() time.Duration {
	return parseDuration(c.CookieTTL, 365*24*time.Hour)
}
