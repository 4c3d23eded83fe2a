package cis

import (
	"fmt"
	"strings"
	"time"

	"github.com/izavyalov-dev/idcache/identifier"
)

const (
	// DisabledSentinel as the URL means no remote allocator is configured.
	DisabledSentinel = "local"

	DefaultTimeout      = 20 * time.Second
	MinTimeout          = 1 * time.Second
	MaxTimeout          = 100 * time.Second
	DefaultPollInterval = 500 * time.Millisecond

	// MaxBulkRequest is the largest quantity CIS accepts in one bulk job.
	MaxBulkRequest = 1000
)

// DefaultBackoffLevels is the failure backoff ladder.
var DefaultBackoffLevels = []time.Duration{
	30 * time.Second,
	60 * time.Second,
	180 * time.Second,
	300 * time.Second,
	600 * time.Second,
	1800 * time.Second,
}

// Config configures the CIS client. It is treated as immutable once passed to New.
type Config struct {
	URL           string
	Username      string
	Password      string
	SoftwareName  string
	Timeout       time.Duration
	BackoffLevels []time.Duration

	// SchemeName, when set, is sent as the schemeName query parameter of bulk submissions.
	SchemeName string

	// PollInterval and MaxBulkSize exist for tests; zero means the protocol defaults.
	PollInterval time.Duration
	MaxBulkSize  int
}

// Disabled reports whether the URL is blank or the disabled sentinel.
func (c Config) Disabled() bool {
	url := strings.TrimSpace(c.URL)
	return url == "" || strings.EqualFold(url, DisabledSentinel)
}

func (c Config) withDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxBulkSize <= 0 || c.MaxBulkSize > MaxBulkRequest {
		c.MaxBulkSize = MaxBulkRequest
	}
	if c.BackoffLevels == nil {
		c.BackoffLevels = append([]time.Duration(nil), DefaultBackoffLevels...)
	}
	return c
}

// Validate reports the first configuration problem as a KindConfiguration error.
func (c Config) Validate() error {
	var problem string
	switch {
	case c.Timeout < MinTimeout || c.Timeout > MaxTimeout:
		problem = fmt.Sprintf("timeout must be between %s and %s", MinTimeout, MaxTimeout)
	case c.Disabled():
		problem = "CIS API URL must be provided"
	case strings.TrimSpace(c.Username) == "":
		problem = "username must be provided"
	case strings.TrimSpace(c.Password) == "":
		problem = "password must be provided"
	case strings.TrimSpace(c.SoftwareName) == "":
		problem = "software name must be provided"
	}
	for _, level := range c.BackoffLevels {
		if problem == "" && level < 0 {
			problem = "backoff levels must not be negative"
		}
	}
	if problem == "" {
		return nil
	}
	return &identifier.Error{Kind: identifier.KindConfiguration, Op: "configure", Detail: problem}
}
