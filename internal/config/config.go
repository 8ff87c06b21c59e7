// Package config loads the bridge settings: built-in defaults, then an
// optional YAML file, then environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/motorbridge/internal/actuator"
	"github.com/banshee-data/motorbridge/internal/safety"
	"github.com/banshee-data/motorbridge/internal/serialmux"
	"github.com/banshee-data/motorbridge/internal/session"
)

const (
	maxFileSize   = 1 * 1024 * 1024
	maxServoCount = 16
)

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

type SerialSettings struct {
	// Port is the device path. Empty means autodetect.
	Port           string   `yaml:"port"`
	Baud           int      `yaml:"baud"`
	Settle         Duration `yaml:"settle"`
	CommandTimeout Duration `yaml:"command_timeout"`
	ReadPoll       Duration `yaml:"read_poll"`
	MaxLine        int      `yaml:"max_line"`
}

type LimitSettings struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

type ServoSettings struct {
	Count         int                   `yaml:"count"`
	DefaultMin    int                   `yaml:"default_min"`
	DefaultMax    int                   `yaml:"default_max"`
	Center        int                   `yaml:"center"`
	Limits        map[int]LimitSettings `yaml:"limits"`
	SafePose      map[int]int           `yaml:"safe_pose"`
	SlewDPS       float64               `yaml:"slew_dps"`
	MaxCmdHz      float64               `yaml:"max_cmd_hz"`
	RateLimitMode string                `yaml:"rate_limit_mode"`
	// PowerMode is applied at boot when set: ARDUINO or EXTERNAL.
	PowerMode string `yaml:"power_mode"`
}

type WatchdogSettings struct {
	Enabled          bool     `yaml:"enabled"`
	Tick             Duration `yaml:"tick"`
	MotorIdle        Duration `yaml:"motor_idle"`
	ServoSafeEnabled bool     `yaml:"servo_safe_enabled"`
	ServoIdle        Duration `yaml:"servo_idle"`
}

type SafetySettings struct {
	EstopEnabled bool `yaml:"estop_enabled"`
}

type WSSettings struct {
	PingInterval   Duration `yaml:"ping_interval"`
	PingTimeout    Duration `yaml:"ping_timeout"`
	MaxRateHz      float64  `yaml:"max_rate_hz"`
	StopOnClose    bool     `yaml:"stop_on_close"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TelemetryInterval paces /ws/telemetry frames.
	TelemetryInterval Duration `yaml:"telemetry_interval"`
}

type DeviceSettings struct {
	ProbeOnBoot  bool     `yaml:"probe_on_boot"`
	ProbeTimeout Duration `yaml:"probe_timeout"`
}

type LoggingSettings struct {
	SerialLog        bool `yaml:"serial_log"`
	SerialMaxPreview int  `yaml:"serial_max_preview"`
}

type JournalSettings struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Settings is the complete bridge configuration.
type Settings struct {
	Serial   SerialSettings   `yaml:"serial"`
	Servo    ServoSettings    `yaml:"servo"`
	Watchdog WatchdogSettings `yaml:"watchdog"`
	Safety   SafetySettings   `yaml:"safety"`
	WS       WSSettings       `yaml:"ws"`
	Device   DeviceSettings   `yaml:"device"`
	Logging  LoggingSettings  `yaml:"logging"`
	Journal  JournalSettings  `yaml:"journal"`
}

// Default returns the settings used when no file or environment is given.
func Default() *Settings {
	return &Settings{
		Serial: SerialSettings{
			Baud:           serialmux.DefaultBaudRate,
			Settle:         Duration(serialmux.DefaultSettle),
			CommandTimeout: Duration(serialmux.DefaultMaxWait),
			ReadPoll:       Duration(serialmux.DefaultReadPoll),
			MaxLine:        serialmux.DefaultMaxLine,
		},
		Servo: ServoSettings{
			Count:         4,
			DefaultMin:    0,
			DefaultMax:    180,
			Center:        90,
			SlewDPS:       0,
			MaxCmdHz:      0,
			RateLimitMode: string(actuator.RateLimitReject),
		},
		Watchdog: WatchdogSettings{
			Enabled:   true,
			Tick:      Duration(200 * time.Millisecond),
			MotorIdle: Duration(time.Second),
			ServoIdle: Duration(10 * time.Second),
		},
		Safety: SafetySettings{EstopEnabled: true},
		WS: WSSettings{
			PingInterval: Duration(5 * time.Second),
			PingTimeout:  Duration(15 * time.Second),
			MaxRateHz:    30,
			StopOnClose:  true,

			TelemetryInterval: Duration(time.Second),
		},
		Device: DeviceSettings{
			ProbeOnBoot:  true,
			ProbeTimeout: Duration(2500 * time.Millisecond),
		},
		Logging: LoggingSettings{SerialMaxPreview: 200},
		Journal: JournalSettings{Enabled: true, Path: "motorbridge.db"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Settings, error) {
	s := Default()
	if path != "" {
		if err := s.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := s.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return s, nil
}

func (s *Settings) loadFile(path string) error {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("config file must have .yaml or .yml extension, got %q", ext)
	}
	info, err := os.Stat(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return nil
}

// ApplyEnv applies the supported environment overrides using lookup.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("ARDUINO_PORT"); ok && strings.TrimSpace(v) != "" {
		s.Serial.Port = strings.TrimSpace(v)
	}
	if v, ok := lookup("ARDUINO_BAUD"); ok && strings.TrimSpace(v) != "" {
		baud, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("ARDUINO_BAUD: %w", err)
		}
		s.Serial.Baud = baud
	}
	if v, ok := lookup("SERVO_PWR_MODE"); ok {
		s.Servo.PowerMode = strings.TrimSpace(v)
	}
	for name, dst := range map[string]*bool{
		"ESTOP_ENABLED":    &s.Safety.EstopEnabled,
		"WATCHDOG_ENABLED": &s.Watchdog.Enabled,
		"SERIAL_LOG":       &s.Logging.SerialLog,
	} {
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		b, err := parseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = b
	}
	return nil
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", v)
}

// Validate checks ranges and enumerations.
func (s *Settings) Validate() error {
	if _, err := (serialmux.PortOptions{BaudRate: s.Serial.Baud}).Normalise(); err != nil {
		return err
	}
	if s.Serial.Settle < 0 {
		return fmt.Errorf("serial.settle must be non-negative, got %s", s.Serial.Settle.D())
	}
	if s.Serial.CommandTimeout <= 0 {
		return fmt.Errorf("serial.command_timeout must be positive, got %s", s.Serial.CommandTimeout.D())
	}
	if s.Serial.MaxLine < 16 {
		return fmt.Errorf("serial.max_line must be at least 16, got %d", s.Serial.MaxLine)
	}

	sv := s.Servo
	if sv.Count < 1 || sv.Count > maxServoCount {
		return fmt.Errorf("servo.count must be between 1 and %d, got %d", maxServoCount, sv.Count)
	}
	if sv.DefaultMin < 0 || sv.DefaultMax > 180 || sv.DefaultMin > sv.DefaultMax {
		return fmt.Errorf("servo default range %d..%d must lie within 0..180", sv.DefaultMin, sv.DefaultMax)
	}
	if sv.Center < 0 || sv.Center > 180 {
		return fmt.Errorf("servo.center must be between 0 and 180, got %d", sv.Center)
	}
	for id, lim := range sv.Limits {
		if id < 1 || id > sv.Count {
			return fmt.Errorf("servo.limits: id %d outside 1..%d", id, sv.Count)
		}
		if lim.Min < 0 || lim.Max > 180 {
			return fmt.Errorf("servo.limits[%d]: %d..%d must lie within 0..180", id, lim.Min, lim.Max)
		}
	}
	for id, deg := range sv.SafePose {
		if id < 1 || id > sv.Count {
			return fmt.Errorf("servo.safe_pose: id %d outside 1..%d", id, sv.Count)
		}
		if deg < 0 || deg > 180 {
			return fmt.Errorf("servo.safe_pose[%d]: %d outside 0..180", id, deg)
		}
	}
	if sv.SlewDPS < 0 {
		return fmt.Errorf("servo.slew_dps must be non-negative, got %g", sv.SlewDPS)
	}
	if sv.MaxCmdHz < 0 {
		return fmt.Errorf("servo.max_cmd_hz must be non-negative, got %g", sv.MaxCmdHz)
	}
	switch actuator.RateLimitMode(strings.ToLower(strings.TrimSpace(sv.RateLimitMode))) {
	case actuator.RateLimitReject, actuator.RateLimitSleep:
	default:
		return fmt.Errorf("servo.rate_limit_mode must be reject or sleep, got %q", sv.RateLimitMode)
	}
	if sv.PowerMode != "" {
		if _, ok := actuator.NormalizePowerMode(sv.PowerMode); !ok {
			return fmt.Errorf("servo.power_mode must be ARDUINO or EXTERNAL, got %q", sv.PowerMode)
		}
	}

	if s.Watchdog.Tick <= 0 {
		return fmt.Errorf("watchdog.tick must be positive, got %s", s.Watchdog.Tick.D())
	}
	if s.Watchdog.MotorIdle < 0 || s.Watchdog.ServoIdle < 0 {
		return fmt.Errorf("watchdog idle timeouts must be non-negative")
	}

	if s.WS.PingInterval <= 0 || s.WS.PingTimeout <= 0 {
		return fmt.Errorf("ws ping interval and timeout must be positive")
	}
	if s.WS.PingTimeout < s.WS.PingInterval {
		return fmt.Errorf("ws.ping_timeout %s is shorter than ws.ping_interval %s", s.WS.PingTimeout.D(), s.WS.PingInterval.D())
	}
	if s.WS.MaxRateHz <= 0 {
		return fmt.Errorf("ws.max_rate_hz must be positive, got %g", s.WS.MaxRateHz)
	}
	if s.WS.TelemetryInterval < Duration(100*time.Millisecond) {
		return fmt.Errorf("ws.telemetry_interval must be at least 100ms, got %s", s.WS.TelemetryInterval.D())
	}

	if s.Device.ProbeTimeout <= 0 {
		return fmt.Errorf("device.probe_timeout must be positive, got %s", s.Device.ProbeTimeout.D())
	}
	if s.Journal.Enabled && strings.TrimSpace(s.Journal.Path) == "" {
		return fmt.Errorf("journal.path is required when the journal is enabled")
	}
	return nil
}

// ActuatorConfig converts the servo and serial sections for the policy.
func (s *Settings) ActuatorConfig() actuator.Config {
	cfg := actuator.DefaultConfig()
	cfg.ServoCount = s.Servo.Count
	cfg.DefaultMin = s.Servo.DefaultMin
	cfg.DefaultMax = s.Servo.DefaultMax
	cfg.Center = s.Servo.Center
	cfg.SlewRate = s.Servo.SlewDPS
	cfg.MaxCmdHz = s.Servo.MaxCmdHz
	cfg.RateLimitMode = actuator.RateLimitMode(strings.ToLower(strings.TrimSpace(s.Servo.RateLimitMode)))
	if len(s.Servo.Limits) > 0 {
		cfg.Limits = make(map[int]actuator.Limit, len(s.Servo.Limits))
		for id, l := range s.Servo.Limits {
			cfg.Limits[id] = actuator.Limit{Min: l.Min, Max: l.Max}
		}
	}
	if len(s.Servo.SafePose) > 0 {
		cfg.SafePose = make(map[int]int, len(s.Servo.SafePose))
		for id, deg := range s.Servo.SafePose {
			cfg.SafePose[id] = deg
		}
	}
	cfg.MotorTimeout = s.Serial.CommandTimeout.D()
	cfg.ServoTimeout = s.Serial.CommandTimeout.D() + time.Second
	return cfg
}

// WatchdogConfig converts the watchdog and safety sections.
func (s *Settings) WatchdogConfig() safety.Config {
	return safety.Config{
		EstopEnabled:     s.Safety.EstopEnabled,
		WatchdogEnabled:  s.Watchdog.Enabled,
		Tick:             s.Watchdog.Tick.D(),
		MotorIdle:        s.Watchdog.MotorIdle.D(),
		ServoSafeEnabled: s.Watchdog.ServoSafeEnabled,
		ServoIdle:        s.Watchdog.ServoIdle.D(),
	}
}

// SessionConfig converts the ws section.
func (s *Settings) SessionConfig() session.Config {
	return session.Config{
		PingInterval:   s.WS.PingInterval.D(),
		PingTimeout:    s.WS.PingTimeout.D(),
		MaxRateHz:      s.WS.MaxRateHz,
		StopOnClose:    s.WS.StopOnClose,
		OriginPatterns: s.WS.AllowedOrigins,
	}
}

// PortOptions returns the serial port parameters and the framing options.
func (s *Settings) PortOptions() (serialmux.PortOptions, serialmux.LinkOptions) {
	return serialmux.PortOptions{BaudRate: s.Serial.Baud}, serialmux.LinkOptions{
		Settle:   s.Serial.Settle.D(),
		ReadPoll: s.Serial.ReadPoll.D(),
		MaxLine:  s.Serial.MaxLine,
	}
}
