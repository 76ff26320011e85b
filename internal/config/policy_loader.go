package config

import (
	"fmt"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/pkggate/pkggate/internal/policy"
)

// LoadRuleSet reads a standalone policy document. The parser is chosen by
// file extension so operators can keep policy in YAML, JSON, or TOML. The
// rule set may sit at the document root or under a "rules" key.
func LoadRuleSet(path string) (policy.RuleSet, error) {
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = kjson.Parser()
	case ".toml":
		parser = toml.Parser()
	default:
		return policy.RuleSet{}, fmt.Errorf("config: policy file %s has unsupported extension", path)
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return policy.RuleSet{}, fmt.Errorf("config: load policy file %s: %w", path, err)
	}

	root := ""
	if k.Exists("rules") {
		root = "rules"
	}
	var rules policy.RuleSet
	if err := k.Unmarshal(root, &rules); err != nil {
		return policy.RuleSet{}, fmt.Errorf("config: parse policy file %s: %w", path, err)
	}
	return rules, nil
}
