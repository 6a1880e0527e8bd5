package config

import (
	"encoding/json"
	"time"
)

// Config is the root configuration for flowd.
type Config struct {
	Gateway GatewayConfig `json:"gateway"`
	Bus     BusConfig     `json:"bus"`
	Engine  EngineConfig  `json:"engine"`
	Storage StorageConfig `json:"storage"`
}

// GatewayConfig holds the gateway server settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// BusConfig holds message bus settings.
type BusConfig struct {
	BufferSize int `json:"buffer_size"`
}

// EngineConfig holds workflow engine timing settings.
type EngineConfig struct {
	SchedulerInterval Duration `json:"scheduler_interval,omitempty"`
	TimeoutInterval   Duration `json:"timeout_interval,omitempty"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	Path    string `json:"path"`     // database file (default $FLOWD_PATH/flowd.db)
	LogsDir string `json:"logs_dir"` // JSONL message logs (default $FLOWD_PATH/logs)
}

// Duration is a time.Duration that unmarshals from a JSON string like "5s".
type Duration time.Duration

// UnmarshalJSON parses a duration string, or a number taken as nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		parsed, err := time.ParseDuration(s[1 : len(s)-1])
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	if err := json.Unmarshal(data, &ns); err != nil {
		return err
	}
	*d = Duration(time.Duration(ns))
	return nil
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
