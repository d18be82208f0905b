package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings shared by agent and gateway modes. Only the
// section matching the running mode is consulted.
type Config struct {
	DeviceID string        `json:"device_id"`
	Agent    AgentConfig   `json:"agent"`
	Gateway  GatewayConfig `json:"gateway"`
}

type AgentConfig struct {
	GatewayUDP  string        `json:"gateway_udp"`
	GatewayWS   string        `json:"gateway_ws"`
	KeyFile     string        `json:"key_file"`
	SampleEvery time.Duration `json:"sample_every"`
	HealthEvery time.Duration `json:"health_every"`
	RotateEvery time.Duration `json:"rotate_every"`
	STUNServers []string      `json:"stun_servers"`
	QueueSize   int           `json:"queue_size"`
	MaxRetries  int           `json:"max_retries"`
}

type GatewayConfig struct {
	UDPAddr        string        `json:"udp_addr"`
	WSAddr         string        `json:"ws_addr"`
	MetricsAddr    string        `json:"metrics_addr"`
	UpstreamURL    string        `json:"upstream_url"`
	KeysDir        string        `json:"keys_dir"`
	CachePath      string        `json:"cache_path"`
	KeyGrace       time.Duration `json:"key_grace"`
	PeerTTL        time.Duration `json:"peer_ttl"`
	CacheRetention time.Duration `json:"cache_retention"`
}

var DefaultConfig = Config{
	Agent: AgentConfig{
		GatewayUDP:  "127.0.0.1:9000",
		GatewayWS:   "ws://127.0.0.1:9443/ingest",
		SampleEvery: time.Second,
		HealthEvery: 30 * time.Second,
		RotateEvery: time.Hour,
		QueueSize:   10,
		MaxRetries:  3,
	},
	Gateway: GatewayConfig{
		UDPAddr:        ":9000",
		WSAddr:         ":9443",
		MetricsAddr:    ":9100",
		KeyGrace:       2 * time.Minute,
		PeerTTL:        24 * time.Hour,
		CacheRetention: 7 * 24 * time.Hour,
	},
}

func GetConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	configDir := filepath.Join(home, ".emberlink")
	return configDir, os.MkdirAll(configDir, 0755)
}

// Load reads the config file, creating one with defaults and a generated
// device ID on first run.
func Load() (*Config, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}
	return LoadFrom(filepath.Join(configDir, "config.json"))
}

// LoadFrom reads a config file at an explicit path, creating it with
// defaults if missing.
func LoadFrom(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := DefaultConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	if config.DeviceID == "" {
		config.DeviceID = generateDeviceID()
	}
	return &config, nil
}

// Save writes the config back to disk.
func Save(config *Config, path string) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func createDefault(path string) (*Config, error) {
	config := DefaultConfig
	config.DeviceID = generateDeviceID()
	config.Gateway.KeysDir = filepath.Join(filepath.Dir(path), "keys")
	config.Gateway.CachePath = filepath.Join(filepath.Dir(path), "cache.db")
	config.Agent.KeyFile = filepath.Join(filepath.Dir(path), "device.key")

	if err := Save(&config, path); err != nil {
		return nil, err
	}
	return &config, nil
}

func generateDeviceID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "device"
	}
	return hostname + "-" + uuid.NewString()[:8]
}
