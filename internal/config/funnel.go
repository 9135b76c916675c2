package config

import "time"

// FunnelConfig configures the navigation funnel.
type FunnelConfig struct {
	BaseURL        string   `yaml:"base_url"`
	SkipThreshold  float64  `yaml:"skip_threshold"` // drop-off probability at every step boundary
	MeasurementIDs []string `yaml:"measurement_ids"`
	CollectPattern string   `yaml:"collect_pattern"` // analytics beacon URL expression

	StepDwell     string `yaml:"step_dwell"`     // wait after every step
	EngagedDwell  string `yaml:"engaged_dwell"`  // extra wait after the home page
	JoinTimeout   string `yaml:"join_timeout"`   // how long a step watches for its beacons
	BannerTimeout string `yaml:"banner_timeout"` // cookie banner click budget

	BannerAcceptProbability float64 `yaml:"banner_accept_probability"`
	BannerAccept            string  `yaml:"banner_accept"`
	BannerDeny              string  `yaml:"banner_deny"`

	UTMProbability float64  `yaml:"utm_probability"` // campaign traffic share; the rest is referral
	UTMs           []string `yaml:"utms"`
	Referrers      []string `yaml:"referrers"` // "" is direct traffic
	GoogleReferrer string   `yaml:"google_referrer"`
}

// DefaultFunnelConfig returns the funnel defaults.
func DefaultFunnelConfig() FunnelConfig {
	return FunnelConfig{
		BaseURL:        "https://louren.co.in/ecommerce/",
		SkipThreshold:  0.25,
		MeasurementIDs: []string{"G-8EEVZD2KXM", "G-4Z970YCHQZ"},
		CollectPattern: `google.*collect\?v=2`,

		StepDwell:     "2s",
		EngagedDwell:  "8s",
		JoinTimeout:   "30s",
		BannerTimeout: "1.9s",

		BannerAcceptProbability: 0.5,
		BannerAccept:            "Permitir todos",
		BannerDeny:              "Negar",

		UTMProbability: 0.5,
		UTMs: []string{
			"?gclid=gclidAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
			"?gclid=gclidBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB&utm_source=google-gclid&utm_medium=cpc-gclid&utm_campaign=google-cpc-campaign-gclid&utm_id=google-cpc-id-gclid&utm_term=google-cpc-term-gclid&utm_content=google-cpc-content-gclid&utm_source_platform=playwright006&utm_creative_format=none&utm_marketing_tactic=testing",
			"?utm_source=facebook&utm_medium=cpc&utm_campaign=facebook-cpc-campaign&utm_id=facebook-cpc-id&utm_term=facebook-cpc-term&utm_content=facebook-cpc-content&utm_source_platform=playwright006&utm_creative_format=none&utm_marketing_tactic=testing",
			"?utm_source=mysource&utm_medium=display&utm_campaign=mysource-display-campaign&utm_id=mysource-display-id&utm_term=mysource-display-term&utm_content=mysource-display-content&utm_source_platform=playwright006&utm_creative_format=none&utm_marketing_tactic=testing",
		},
		Referrers: []string{
			"https://www.google.com/",
			"https://www.facebook.com/",
			"https://www.bing.com/",
			"",
		},
		GoogleReferrer: "https://www.google.com/",
	}
}

// GetStepDwell returns the wait after every step.
func (c FunnelConfig) GetStepDwell() time.Duration {
	return parseDuration(c.StepDwell, 2*time.Second)
}

// GetEngagedDwell returns the extra wait after the home page.
func (c FunnelConfig) GetEngagedDwell() time.Duration {
	return parseDuration(c.EngagedDwell, 8*time.Second)
}

// GetJoinTimeout returns the per-step beacon watch window.
func (c FunnelConfig) GetJoinTimeout() time.Duration {
	return parseDuration(c.JoinTimeout, 30*time.Second)
}

// GetBannerTimeout returns the cookie banner click budget.
func (c FunnelConfig) GetBannerTimeout() time.Duration {
	return parseDuration(c.BannerTimeout, 1900*time.Millisecond)
}
