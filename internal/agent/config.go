package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds the engine limits. Every cycle in the state machine is
// bounded by one of these counters.
type Config struct {
	MaxSQLRetry        int    `json:"max_sql_retry"`
	MaxValidationRetry int    `json:"max_validation_retry"`
	MaxTableExpand     int    `json:"max_table_expand"`
	MaxTotalLoops      int    `json:"max_total_loops"`
	RetrieveK          int    `json:"retrieve_k"`
	TopK               int    `json:"top_k"`
	ExpandStep         int    `json:"expand_step"`
	MaxInputLength     int    `json:"max_input_length"`
	Timezone           string `json:"timezone"`
}

func (c Config) Merge(override Config) Config {
	result := c
	if override.MaxSQLRetry > 0 {
		result.MaxSQLRetry = override.MaxSQLRetry
	}
	if override.MaxValidationRetry > 0 {
		result.MaxValidationRetry = override.MaxValidationRetry
	}
	if override.MaxTableExpand > 0 {
		result.MaxTableExpand = override.MaxTableExpand
	}
	if override.MaxTotalLoops > 0 {
		result.MaxTotalLoops = override.MaxTotalLoops
	}
	if override.RetrieveK > 0 {
		result.RetrieveK = override.RetrieveK
	}
	if override.TopK > 0 {
		result.TopK = override.TopK
	}
	if override.ExpandStep > 0 {
		result.ExpandStep = override.ExpandStep
	}
	if override.MaxInputLength > 0 {
		result.MaxInputLength = override.MaxInputLength
	}
	if strings.TrimSpace(override.Timezone) != "" {
		result.Timezone = strings.TrimSpace(override.Timezone)
	}
	return result
}

func LoadConfig() (Config, error) {
	cfg := Config{}
	if path := strings.TrimSpace(os.Getenv("AGENT_CONFIG_FILE")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("agent config: read %s: %w", path, err)
		}
		var fileCfg Config
		if err := json.Unmarshal(data, &fileCfg); err != nil {
			return Config{}, fmt.Errorf("agent config: parse %s: %w", path, err)
		}
		cfg = cfg.Merge(fileCfg)
	}
	cfg = cfg.Merge(loadConfigEnv())
	cfg.applyDefaults()
	return cfg, nil
}

func loadConfigEnv() Config {
	cfg := Config{Timezone: strings.TrimSpace(os.Getenv("AGENT_TIMEZONE"))}
	cfg.MaxSQLRetry = envInt("AGENT_MAX_SQL_RETRY")
	cfg.MaxValidationRetry = envInt("AGENT_MAX_VALIDATION_RETRY")
	cfg.MaxTableExpand = envInt("AGENT_MAX_TABLE_EXPAND")
	cfg.MaxTotalLoops = envInt("AGENT_MAX_TOTAL_LOOPS")
	cfg.RetrieveK = envInt("AGENT_RETRIEVE_K")
	cfg.TopK = envInt("AGENT_TOP_K")
	cfg.ExpandStep = envInt("AGENT_EXPAND_STEP")
	cfg.MaxInputLength = envInt("AGENT_MAX_INPUT_LENGTH")
	return cfg
}

func envInt(key string) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return value
}

func (c *Config) applyDefaults() {
	if c.MaxSQLRetry <= 0 {
		c.MaxSQLRetry = 3
	}
	if c.MaxValidationRetry <= 0 {
		c.MaxValidationRetry = 2
	}
	if c.MaxTableExpand <= 0 {
		c.MaxTableExpand = 2
	}
	if c.MaxTotalLoops <= 0 {
		c.MaxTotalLoops = 10
	}
	if c.RetrieveK <= 0 {
		c.RetrieveK = 15
	}
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.ExpandStep <= 0 {
		c.ExpandStep = 5
	}
	if c.MaxInputLength <= 0 {
		c.MaxInputLength = 1000
	}
	if c.Timezone == "" {
		c.Timezone = "Asia/Seoul"
	}
}
