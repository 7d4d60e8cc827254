package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Sampling policies for the detection worker.
const (
	SampleByInterval = "interval"
	SampleEveryKth   = "every_kth"
)

// Alert trigger policies.
const (
	AlertPerEvent = "event"
	AlertPerShot  = "shot"
)

// Config carries every tunable consumed by the pipeline components. Values
// come from the environment (a .env file is loaded by main before parsing).
type Config struct {
	Camera struct {
		Device        string        `env:"CAMERA_DEVICE" envDefault:"0"`
		Name          string        `env:"CAMERA_NAME" envDefault:"cam0"`
		Width         int           `env:"CAMERA_WIDTH" envDefault:"640"`
		Height        int           `env:"CAMERA_HEIGHT" envDefault:"480"`
		RetryBackoff  time.Duration `env:"CAMERA_RETRY_BACKOFF" envDefault:"500ms"`
		MaxBackoff    time.Duration `env:"CAMERA_MAX_BACKOFF" envDefault:"10s"`
		MaxFailures   int           `env:"CAMERA_MAX_FAILURES" envDefault:"10"`
	}

	Detection struct {
		EngineURL     string        `env:"DETECTION_ENGINE_URL" envDefault:"http://localhost:8000"`
		Timeout       time.Duration `env:"DETECTION_TIMEOUT" envDefault:"10s"`
		Threshold     float64       `env:"CONFIDENCE_THRESHOLD" envDefault:"0.5"`
		WeaponClasses []string      `env:"WEAPON_CLASSES" envSeparator:"," envDefault:"pistol,knife"`
		SamplePolicy  string        `env:"DETECTION_SAMPLE_POLICY" envDefault:"interval"`
		Interval      time.Duration `env:"DETECTION_INTERVAL" envDefault:"200ms"`
		EveryKth      uint64        `env:"DETECTION_EVERY_KTH" envDefault:"3"`
	}

	Stream struct {
		MaxFPS      float64 `env:"STREAM_MAX_FPS" envDefault:"15"`
		Width       int     `env:"STREAM_WIDTH" envDefault:"0"`
		JPEGQuality int     `env:"STREAM_JPEG_QUALITY" envDefault:"80"`
	}

	Events struct {
		ScreenshotDir string        `env:"SCREENSHOT_FOLDER" envDefault:"screenshots"`
		MinShotGap    time.Duration `env:"MIN_TIME_BETWEEN_SHOTS" envDefault:"2s"`
		Window        time.Duration `env:"EVENT_WINDOW" envDefault:"1m"`
		SweepInterval time.Duration `env:"EVENT_SWEEP_INTERVAL" envDefault:"15s"`
		Retention     time.Duration `env:"EVENT_RETENTION" envDefault:"0"`
		DBPath        string        `env:"EVENT_DB_PATH" envDefault:"events.db"`
	}

	Alerts struct {
		Policy       string        `env:"ALERT_POLICY" envDefault:"event"`
		MaxAttempts  int           `env:"ALERT_MAX_ATTEMPTS" envDefault:"3"`
		BaseBackoff  time.Duration `env:"ALERT_BASE_BACKOFF" envDefault:"1s"`
		MaxBackoff   time.Duration `env:"ALERT_MAX_BACKOFF" envDefault:"15s"`
		DrainTimeout time.Duration `env:"ALERT_DRAIN_TIMEOUT" envDefault:"10s"`

		GeminiAPIKey      string `env:"GEMINI_API_KEY"`
		GeminiModel       string `env:"GEMINI_MODEL" envDefault:"gemini-2.5-flash"`
		GoogleTTSAPIKey   string `env:"GOOGLE_TTS_API_KEY"`
		TwilioAccountSID  string `env:"TWILIO_ACCOUNT_SID"`
		TwilioAuthToken   string `env:"TWILIO_AUTH_TOKEN"`
		TwilioPhoneNumber string `env:"TWILIO_PHONE_NUMBER"`
		TargetPhoneNumber string `env:"TARGET_PHONE_NUMBER"`
	}
}

// Load parses the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Detection.Threshold < 0 || c.Detection.Threshold > 1 {
		return fmt.Errorf("CONFIDENCE_THRESHOLD must be in [0,1], got %f", c.Detection.Threshold)
	}
	if len(c.Detection.WeaponClasses) == 0 {
		return fmt.Errorf("WEAPON_CLASSES must not be empty")
	}
	switch c.Detection.SamplePolicy {
	case SampleByInterval, SampleEveryKth:
	default:
		return fmt.Errorf("DETECTION_SAMPLE_POLICY must be %q or %q, got %q",
			SampleByInterval, SampleEveryKth, c.Detection.SamplePolicy)
	}
	switch c.Alerts.Policy {
	case AlertPerEvent, AlertPerShot:
	default:
		return fmt.Errorf("ALERT_POLICY must be %q or %q, got %q",
			AlertPerEvent, AlertPerShot, c.Alerts.Policy)
	}
	if c.Events.Window <= 0 {
		return fmt.Errorf("EVENT_WINDOW must be positive, got %v", c.Events.Window)
	}
	if c.Events.MinShotGap < 0 {
		return fmt.Errorf("MIN_TIME_BETWEEN_SHOTS must not be negative, got %v", c.Events.MinShotGap)
	}
	if c.Events.Retention < 0 {
		return fmt.Errorf("EVENT_RETENTION must not be negative, got %v", c.Events.Retention)
	}
	if c.Stream.MaxFPS <= 0 {
		return fmt.Errorf("STREAM_MAX_FPS must be positive, got %f", c.Stream.MaxFPS)
	}
	if c.Detection.SamplePolicy == SampleEveryKth && c.Detection.EveryKth == 0 {
		return fmt.Errorf("DETECTION_EVERY_KTH must be at least 1")
	}
	return nil
}

// WeaponClassSet returns the configured weapon classes as a lookup set.
func (c *Config) WeaponClassSet() map[string]bool {
	set := make(map[string]bool, len(c.Detection.WeaponClasses))
	for _, class := range c.Detection.WeaponClasses {
		set[class] = true
	}
	return set
}
