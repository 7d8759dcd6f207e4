package app

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mingyuefenglou/slimerf/internal/wire"
)

// Config is the main application configuration.
type Config struct {
	Settings   Settings         `yaml:"settings"`
	Simulation SimulationConfig `yaml:"simulation"`
	Receiver   ReceiverConfig   `yaml:"receiver"`
	Trackers   []TrackerConfig  `yaml:"trackers"`
	API        APIConfig        `yaml:"api"`
	Storage    StorageConfig    `yaml:"storage"`
}

// Settings are global application settings.
type Settings struct {
	LogLevel string `yaml:"logLevel"`
}

// SimulationConfig shapes the simulated medium and the stepping loop.
type SimulationConfig struct {
	Seed        int64   `yaml:"seed"`
	DefaultLoss float64 `yaml:"defaultLoss"`

	// ChannelLoss overrides the loss probability per channel, to provoke
	// blacklisting.
	ChannelLoss map[uint8]float64 `yaml:"channelLoss"`

	QuantumUS   int64 `yaml:"quantumUS"`
	DurationSec int64 `yaml:"durationSec"` // 0 runs until interrupted
	RealTime    bool  `yaml:"realTime"`    // pace the virtual clock to wall time
}

// ReceiverConfig tunes the receiver engine.
type ReceiverConfig struct {
	MAC              string `yaml:"mac"`
	MaxTrackers      int    `yaml:"maxTrackers"`
	PairingWindowMS  int64  `yaml:"pairingWindowMS"`
	OfflineTimeoutMS int64  `yaml:"offlineTimeoutMS"`

	// AutoPair opens a pairing window on startup so unpaired simulated
	// trackers can join without an API call.
	AutoPair bool `yaml:"autoPair"`
}

// TrackerConfig declares one simulated tracker.
type TrackerConfig struct {
	Name             string `yaml:"name"`
	MAC              string `yaml:"mac"`
	RotationPeriodMS int64  `yaml:"rotationPeriodMS"`
}

// APIConfig configures the HTTP control surface.
type APIConfig struct {
	Listen string `yaml:"listen"` // empty disables the API
}

// StorageConfig configures session recording.
type StorageConfig struct {
	DataDirectory     string `yaml:"dataDirectory"`
	MaxBatchSize      int    `yaml:"maxBatchSize"`
	QualityIntervalMS int64  `yaml:"qualityIntervalMS"`
}

// LoadConfig reads and validates the YAML configuration at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}

	var config Config
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	config.applyDefaults()
	if err = config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Settings.LogLevel == "" {
		c.Settings.LogLevel = "info"
	}
	if c.Simulation.QuantumUS <= 0 {
		c.Simulation.QuantumUS = 50
	}
	if c.Receiver.MAC == "" {
		c.Receiver.MAC = "02:52:58:00:00:01"
	}
	if c.Storage.DataDirectory == "" {
		c.Storage.DataDirectory = "data"
	}
	if c.Storage.MaxBatchSize <= 0 {
		c.Storage.MaxBatchSize = 100
	}
	if c.Storage.QualityIntervalMS <= 0 {
		c.Storage.QualityIntervalMS = 1000
	}
}

func (c *Config) validate() error {
	if len(c.Trackers) == 0 {
		return fmt.Errorf("no trackers specified in configuration")
	}

	if _, err := parseMAC(c.Receiver.MAC); err != nil {
		return fmt.Errorf("receiver: %w", err)
	}

	seen := make(map[string]bool, len(c.Trackers))
	for i := range c.Trackers {
		t := &c.Trackers[i]
		if t.Name == "" {
			t.Name = fmt.Sprintf("tracker-%d", i)
		}
		if t.MAC == "" {
			// Locally administered, derived from the list position.
			t.MAC = fmt.Sprintf("02:11:00:00:%02X:%02X", (i>>8)&0xFF, i&0xFF)
		}
		if _, err := parseMAC(t.MAC); err != nil {
			return fmt.Errorf("tracker %s: %w", t.Name, err)
		}
		if seen[t.MAC] {
			return fmt.Errorf("tracker %s: duplicate MAC %s", t.Name, t.MAC)
		}
		seen[t.MAC] = true
	}
	return nil
}

func parseMAC(s string) (wire.MAC, error) {
	var mac wire.MAC

	hw, err := net.ParseMAC(s)
	if err != nil {
		return mac, fmt.Errorf("invalid MAC %q: %w", s, err)
	}
	if len(hw) != len(mac) {
		return mac, fmt.Errorf("invalid MAC %q: want 6 octets", s)
	}

	copy(mac[:], hw)
	return mac, nil
}
