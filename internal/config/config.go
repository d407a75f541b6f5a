package config

import (
	"os"

	"github.com/zeromicro/go-zero/core/conf"
)

type Config struct {
	Host string `json:",default=0.0.0.0"`
	Port int    `json:",default=8090"`

	Auth struct {
		AccessSecret string
	}

	Database struct {
		SQLitePath string `json:",default=./data/relay.db"`
	}

	Providers struct {
		AnthropicAPIKey string `json:",optional"`
		OpenAIAPIKey    string `json:",optional"`
		PrimaryModel    string `json:",default=claude-sonnet-4-5"`
		FallbackModel   string `json:",default=gpt-4o-mini"`
		UtilityModel    string `json:",default=claude-haiku-4-5"`
	}

	Limits struct {
		PointsPerDollar      int   `json:",default=100"`
		SessionWindowSeconds int64 `json:",default=18000"`
		WeeklyWindowSeconds  int64 `json:",default=604800"`
		// Hard execution ceilings imposed by the host, per mode.
		AskMaxSeconds       int `json:",default=60"`
		AgentMaxSeconds     int `json:",default=300"`
		SafetyBufferSeconds int `json:",default=5"`
		CancelPollSeconds   int `json:",default=1"`
	}

	Stripe struct {
		APIKey string `json:",optional"`
	}

	Sweep struct {
		Schedule string `json:",default=@every 10m"`
		// Streams older than this with a live active-stream marker are
		// considered interrupted and cleared.
		StaleStreamSeconds int64 `json:",default=900"`
	}
}

// Load reads a YAML config file with environment variable expansion.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes with env expansion.
func LoadFromBytes(data []byte) (Config, error) {
	var c Config
	expanded := os.ExpandEnv(string(data))
	if err := conf.LoadFromYamlBytes([]byte(expanded), &c); err != nil {
		return c, err
	}
	return c, nil
}
