package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile is an operator-supplied deployment profile layered on top of
// the environment: trusted capability-token issuers, journal locations
// for the simulated connectors, and transport-limit overrides.
type Profile struct {
	Name string `yaml:"name"`

	// Issuers maps capability-token issuer names to hex Ed25519 public
	// keys registered at startup.
	Issuers map[string]string `yaml:"issuers,omitempty"`

	MailJournalPath    string `yaml:"mail_journal_path,omitempty"`
	PaymentJournalPath string `yaml:"payment_journal_path,omitempty"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps,omitempty"`
	RateLimitBurst int     `yaml:"rate_limit_burst,omitempty"`

	// EvidenceBucket is the object-store bucket evidence packs upload
	// to; empty disables upload.
	EvidenceBucket string `yaml:"evidence_bucket,omitempty"`
	// EvidenceStore selects the sink: "s3" or "gcs".
	EvidenceStore string `yaml:"evidence_store,omitempty"`
}

// LoadProfile reads profile_<name>.yaml from dir. A missing file is not
// an error; the zero profile applies.
func LoadProfile(dir, name string) (*Profile, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return &Profile{}, nil
	}
	path := filepath.Join(dir, "profile_"+name+".yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Profile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read profile %s: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("config: parse profile %s: %w", path, err)
	}
	return &p, nil
}

// Apply overlays the profile's non-zero fields onto the config.
func (p *Profile) Apply(c *Config) {
	if p.RateLimitRPS > 0 {
		c.RateLimitRPS = p.RateLimitRPS
	}
	if p.RateLimitBurst > 0 {
		c.RateLimitBurst = p.RateLimitBurst
	}
}
