package model

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Enum helpers.
const (
	SpawnExec      = "exec"
	SpawnInProcess = "inprocess"

	DefaultMonitorAcquisition = "monitor"
)

// Config is loaded once per process and passed to every component. Nothing
// mutates it after LoadConfig returns.
type Config struct {
	Version  int             `mapstructure:"version" yaml:"version"` // fixed 0 for now
	Verbose  bool            `mapstructure:"verbose" yaml:"verbose"`
	Paths    Paths           `mapstructure:"paths" yaml:"paths"`
	Monitor  Monitor         `mapstructure:"monitor" yaml:"monitor"`
	Manager  Manager         `mapstructure:"manager" yaml:"manager"`
	Worker   Worker          `mapstructure:"worker" yaml:"worker"`
	Schedule []ScheduleEntry `mapstructure:"schedule" yaml:"schedule,omitempty"`
}

// Paths of the on-disk state.
type Paths struct {
	// RunQueue holds the journals, the operator input log, the default
	// monitor run dictionary and the pending/ and started/ run queues.
	RunQueue string `mapstructure:"run_queue" yaml:"run_queue"`
	// Data is the root of the per-run output folders.
	Data string `mapstructure:"data" yaml:"data"`
	// Binary is the root of the binary trace folders, optional.
	Binary string `mapstructure:"binary" yaml:"binary,omitempty"`
}

// Monitor describes the background phase monitor. An empty RunDictionary
// makes the manager start in standby.
type Monitor struct {
	RunDictionary string `mapstructure:"run_dictionary" yaml:"run_dictionary"`
	Acquisition   string `mapstructure:"acquisition" yaml:"acquisition"`
}

// Manager holds the supervisor timeouts.
type Manager struct {
	Spawn               string        `mapstructure:"spawn" yaml:"spawn"` // "exec" | "inprocess"
	HandshakeTimeout    time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	GracefulStopTimeout time.Duration `mapstructure:"graceful_stop_timeout" yaml:"graceful_stop_timeout"`
	ForcedStopTimeout   time.Duration `mapstructure:"forced_stop_timeout" yaml:"forced_stop_timeout"`
	ShutdownAckTimeout  time.Duration `mapstructure:"shutdown_ack_timeout" yaml:"shutdown_ack_timeout"`
	JoinGrace           time.Duration `mapstructure:"join_grace" yaml:"join_grace"`
	AckTimeout          time.Duration `mapstructure:"ack_timeout" yaml:"ack_timeout"`
	LivenessInterval    time.Duration `mapstructure:"liveness_interval" yaml:"liveness_interval"`
	RequestInterval     time.Duration `mapstructure:"request_interval" yaml:"request_interval"`
}

// Worker configures the acquisition lifecycle.
type Worker struct {
	// StrictRunDictionary aborts the startup handshake when a mandatory key
	// is missing, otherwise the problem is only reported.
	StrictRunDictionary bool          `mapstructure:"strict_run_dictionary" yaml:"strict_run_dictionary"`
	PausePoll           time.Duration `mapstructure:"pause_poll" yaml:"pause_poll"`
	WatcherJoin         time.Duration `mapstructure:"watcher_join" yaml:"watcher_join"`
}

// ScheduleEntry enqueues a copy of RunDictionary on a cron expression or
// on a fixed interval (Go or ISO 8601 duration).
type ScheduleEntry struct {
	Name          string `mapstructure:"name" yaml:"name"`
	Cron          string `mapstructure:"cron" yaml:"cron,omitempty"`
	Every         string `mapstructure:"every" yaml:"every,omitempty"`
	RunDictionary string `mapstructure:"run_dictionary" yaml:"run_dictionary"`
}

// DefaultConfig returns the configuration written on the first start.
func DefaultConfig(root string) Config {
	return Config{
		Version: 0,
		Paths: Paths{
			RunQueue: filepath.Join(root, "queue"),
			Data:     filepath.Join(root, "data"),
		},
		Monitor: Monitor{
			Acquisition: DefaultMonitorAcquisition,
		},
		Manager: Manager{
			Spawn:               SpawnExec,
			HandshakeTimeout:    30 * time.Second,
			GracefulStopTimeout: 600 * time.Second,
			ForcedStopTimeout:   30 * time.Second,
			ShutdownAckTimeout:  30 * time.Second,
			JoinGrace:           10 * time.Second,
			AckTimeout:          120 * time.Second,
			LivenessInterval:    10 * time.Second,
			RequestInterval:     5 * time.Second,
		},
		Worker: Worker{
			PausePoll:   time.Second,
			WatcherJoin: 10 * time.Second,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig(".")
	v.SetDefault("version", 0)
	v.SetDefault("verbose", false)
	v.SetDefault("paths.run_queue", "")
	v.SetDefault("paths.data", "")
	v.SetDefault("paths.binary", "")
	v.SetDefault("monitor.run_dictionary", "")
	v.SetDefault("monitor.acquisition", d.Monitor.Acquisition)
	v.SetDefault("manager.spawn", d.Manager.Spawn)
	v.SetDefault("manager.handshake_timeout", d.Manager.HandshakeTimeout)
	v.SetDefault("manager.graceful_stop_timeout", d.Manager.GracefulStopTimeout)
	v.SetDefault("manager.forced_stop_timeout", d.Manager.ForcedStopTimeout)
	v.SetDefault("manager.shutdown_ack_timeout", d.Manager.ShutdownAckTimeout)
	v.SetDefault("manager.join_grace", d.Manager.JoinGrace)
	v.SetDefault("manager.ack_timeout", d.Manager.AckTimeout)
	v.SetDefault("manager.liveness_interval", d.Manager.LivenessInterval)
	v.SetDefault("manager.request_interval", d.Manager.RequestInterval)
	v.SetDefault("worker.strict_run_dictionary", false)
	v.SetDefault("worker.pause_poll", d.Worker.PausePoll)
	v.SetDefault("worker.watcher_join", d.Worker.WatcherJoin)
}

// LoadConfig reads YAML from r, applies defaults and ACQMAN_* environment
// overrides (ACQMAN_MANAGER_ACK_TIMEOUT=1m) and validates the result.
func LoadConfig(r io.Reader) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix("ACQMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadConfig(r); err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem found, not just the first one.
func (c Config) Validate() error {
	var errs []error
	if c.Version != 0 {
		errs = append(errs, fmt.Errorf("config version %d is not supported, expected 0", c.Version))
	}
	if c.Paths.RunQueue == "" {
		errs = append(errs, fmt.Errorf("paths.run_queue: %w", ErrRequired))
	}
	if c.Paths.Data == "" {
		errs = append(errs, fmt.Errorf("paths.data: %w", ErrRequired))
	}
	if c.Monitor.RunDictionary != "" && c.Monitor.Acquisition == "" {
		errs = append(errs, fmt.Errorf("monitor.acquisition: %w", ErrRequired))
	}
	switch c.Manager.Spawn {
	case SpawnExec, SpawnInProcess:
	default:
		errs = append(errs, fmt.Errorf("manager.spawn: invalid value %q: possible values (%s,%s)", c.Manager.Spawn, SpawnExec, SpawnInProcess))
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"manager.handshake_timeout", c.Manager.HandshakeTimeout},
		{"manager.graceful_stop_timeout", c.Manager.GracefulStopTimeout},
		{"manager.forced_stop_timeout", c.Manager.ForcedStopTimeout},
		{"manager.shutdown_ack_timeout", c.Manager.ShutdownAckTimeout},
		{"manager.join_grace", c.Manager.JoinGrace},
		{"manager.ack_timeout", c.Manager.AckTimeout},
		{"manager.liveness_interval", c.Manager.LivenessInterval},
		{"manager.request_interval", c.Manager.RequestInterval},
		{"worker.pause_poll", c.Worker.PausePoll},
		{"worker.watcher_join", c.Worker.WatcherJoin},
	}
	for _, d := range durations {
		if d.d <= 0 {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, ErrNotPositive))
		}
	}

	for i, s := range c.Schedule {
		if err := s.validate(); err != nil {
			errs = append(errs, fmt.Errorf("schedule[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (s ScheduleEntry) validate() error {
	if s.RunDictionary == "" {
		return fmt.Errorf("run_dictionary: %w", ErrRequired)
	}
	switch {
	case s.Cron != "" && s.Every != "":
		return errors.New("both cron and every are set")
	case s.Cron != "":
		_, err := ParseCron(s.Cron)
		if err != nil {
			return fmt.Errorf("parsing cron: %w", err)
		}
	case s.Every != "":
		_, err := ParseInterval(s.Every)
		if err != nil {
			return fmt.Errorf("parsing every: %w", err)
		}
	default:
		return errors.New("both cron and every are empty")
	}
	return nil
}

// RunQueuePath resolves name relative to the run queue folder.
func (c Config) RunQueuePath(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Paths.RunQueue, name)
}

// PendingDir holds run dictionaries waiting to be started.
func (c Config) PendingDir() string {
	return filepath.Join(c.Paths.RunQueue, "pending")
}

// StartedDir holds run dictionaries handed to the manager.
func (c Config) StartedDir() string {
	return filepath.Join(c.Paths.RunQueue, "started")
}

// Journal file names in the run queue folder.
const (
	RunLog       = "runlog.txt"
	ErrLog       = "err.txt"
	PhaseOut     = "phaseout.txt"
	PhaseErr     = "phaseerr.txt"
	UserInputLog = "userinput.txt"
)

// IsMonitor reports whether acquisition is the phase monitor.
func (c Config) IsMonitor(acquisition string) bool {
	return acquisition == c.Monitor.Acquisition
}

// Journals returns the status and error journal paths of a worker running
// acquisition.
func (c Config) Journals(acquisition string) (string, string) {
	if c.IsMonitor(acquisition) {
		return c.RunQueuePath(PhaseOut), c.RunQueuePath(PhaseErr)
	}
	return c.RunQueuePath(RunLog), c.RunQueuePath(ErrLog)
}
