package tracelog

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	defaultSessionTimeout    = 15 * time.Minute
	defaultHeartbeatInterval = 5 * time.Second
	defaultElectionTimeout   = 500 * time.Millisecond
	defaultElectionJitterMax = 150 * time.Millisecond
	defaultFallbackBuffer    = 1 * time.Second
	defaultFlushInterval     = 10 * time.Second
	defaultDedupWindow       = 1 * time.Second
	defaultMaxQueueLength    = 100
	defaultRetryFloor        = 1 * time.Second
	defaultRetryCeiling      = 30 * time.Second
	defaultSendMinInterval   = 1 * time.Second
	defaultRecoveryMult      = 2
	defaultRecoveryCeiling   = 24 * time.Hour
	defaultMaxRecoveryTries  = 3
	defaultMaxRecoveryLog    = 5
	defaultBatchMaxAge       = 24 * time.Hour
)

type Config struct {
	ProjectID        string
	UserID           string
	CollectorURL     string
	SessionTimeout   time.Duration
	ExcludedURLPaths []string
	QAMode           bool
	SamplingRate     float64
	GlobalMetadata   map[string]any
	Device           string

	StoreDSN string
	BusDSN   string

	HeartbeatInterval  time.Duration
	ElectionTimeout    time.Duration
	ElectionJitterMax  time.Duration
	FallbackBuffer     time.Duration
	FlushInterval      time.Duration
	DedupWindow        time.Duration
	MaxQueueLength     int
	RetryFloorDelay    time.Duration
	RetryCeilingDelay  time.Duration
	SendMinInterval    time.Duration
	RecoveryMultiplier int
	RecoveryCeiling    time.Duration
	MaxRecoveryTries   int
	MaxRecoveryLog     int
	BatchMaxAge        time.Duration
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.ProjectID) == "" {
		return &ConfigError{Field: "ProjectID", Message: "must not be empty"}
	}
	if c.SessionTimeout < 0 {
		return &ConfigError{Field: "SessionTimeout", Message: "must be positive"}
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return &ConfigError{Field: "SamplingRate", Message: "must be within [0,1]"}
	}
	for _, path := range c.ExcludedURLPaths {
		if strings.TrimSpace(path) == "" {
			return &ConfigError{Field: "ExcludedURLPaths", Message: "entries must not be blank"}
		}
	}
	if c.GlobalMetadata != nil {
		if _, err := json.Marshal(c.GlobalMetadata); err != nil {
			return &ConfigError{Field: "GlobalMetadata", Message: "must be JSON-serializable"}
		}
	}
	return nil
}

// withDefaults returns a copy with every unset knob replaced by its default.
func (c Config) withDefaults() Config {
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = defaultSessionTimeout
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = 1
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.ElectionTimeout <= 0 {
		c.ElectionTimeout = defaultElectionTimeout
	}
	if c.ElectionJitterMax <= 0 {
		c.ElectionJitterMax = defaultElectionJitterMax
	}
	if c.FallbackBuffer <= 0 {
		c.FallbackBuffer = defaultFallbackBuffer
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = defaultDedupWindow
	}
	if c.MaxQueueLength <= 0 {
		c.MaxQueueLength = defaultMaxQueueLength
	}
	if c.RetryFloorDelay <= 0 {
		c.RetryFloorDelay = defaultRetryFloor
	}
	if c.RetryCeilingDelay <= 0 {
		c.RetryCeilingDelay = defaultRetryCeiling
	}
	if c.SendMinInterval <= 0 {
		c.SendMinInterval = defaultSendMinInterval
	}
	if c.RecoveryMultiplier <= 0 {
		c.RecoveryMultiplier = defaultRecoveryMult
	}
	if c.RecoveryCeiling <= 0 {
		c.RecoveryCeiling = defaultRecoveryCeiling
	}
	if c.MaxRecoveryTries <= 0 {
		c.MaxRecoveryTries = defaultMaxRecoveryTries
	}
	if c.MaxRecoveryLog <= 0 {
		c.MaxRecoveryLog = defaultMaxRecoveryLog
	}
	if c.BatchMaxAge <= 0 {
		c.BatchMaxAge = defaultBatchMaxAge
	}
	return c
}

func (c *Config) isExcludedURL(pageURL string) bool {
	if pageURL == "" {
		return false
	}
	for _, pattern := range c.ExcludedURLPaths {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if strings.Contains(pageURL, pattern) {
			return true
		}
	}
	return false
}
