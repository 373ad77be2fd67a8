package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// PolicyRule mirrors one entry of the validation rules seed file.
type PolicyRule struct {
	Category          string   `mapstructure:"category"`
	MaxSizeBytes      int64    `mapstructure:"max_size_bytes"`
	AllowedMIMETypes  []string `mapstructure:"allowed_mime_types"`
	AllowedExtensions []string `mapstructure:"allowed_extensions"`
	RequireEncryption bool     `mapstructure:"require_encryption"`
	RequireScan       bool     `mapstructure:"require_scan"`
}

// LoadPolicyFile reads validation rules from a YAML (or JSON/TOML) file.
func LoadPolicyFile(path string) ([]PolicyRule, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read policy file %s: %w", path, err)
	}
	var rules []PolicyRule
	if err := v.UnmarshalKey("rules", &rules); err != nil {
		return nil, fmt.Errorf("decode policy file %s: %w", path, err)
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("policy file %s defines no rules", path)
	}
	return rules, nil
}
