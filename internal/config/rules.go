package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/parakit/para-sync/internal/realtime"
)

// LoadMergeRules reads the optional YAML merge-rules file. An empty path
// returns zero rules: the default merge then falls back to shallow key
// merging with no text fields.
//
// File format:
//
//	text_fields: [content]
//	types:
//	  note:
//	    text_fields: [title, body]
func LoadMergeRules(path string) (realtime.MergeRules, error) {
	var rules realtime.MergeRules

	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return rules, fmt.Errorf("reading rules file: %w", err)
	}

	if err := yaml.Unmarshal(data, &rules); err != nil {
		return rules, fmt.Errorf("parsing rules file: %w", err)
	}

	return rules, nil
}
