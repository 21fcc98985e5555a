package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"parley/protocol"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// IntentConfig describes one intent the NLU app is trained on.
type IntentConfig struct {
	Description string   `yaml:"description"`
	Entities    []string `yaml:"entities"`
	Examples    []string `yaml:"examples"`
}

// EntityConfig describes one entity the NLU app extracts.
type EntityConfig struct {
	Description string   `yaml:"description"`
	Roles       []string `yaml:"roles"`
	Keywords    []string `yaml:"keywords"`
}

// TraitConfig describes one trait the NLU app reports.
type TraitConfig struct {
	Description string   `yaml:"description"`
	Values      []string `yaml:"values"`
}

// IntentParserConfig is the on-disk description of the NLU app.
type IntentParserConfig struct {
	Intents  map[string]IntentConfig `yaml:"intents"`
	Entities map[string]EntityConfig `yaml:"entities"`
	Traits   map[string]TraitConfig  `yaml:"traits"`
}

// LoadIntentConfig reads and validates the YAML intent configuration at path.
// The intents and entities sections are required; traits are optional.
func LoadIntentConfig(path string) (*IntentParserConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read intent config: %w", err)
	}
	return ParseIntentConfig(data)
}

// ParseIntentConfig decodes and validates YAML intent configuration.
func ParseIntentConfig(data []byte) (*IntentParserConfig, error) {
	var cfg IntentParserConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIntentConfig, err)
	}
	if cfg.Intents == nil {
		return nil, fmt.Errorf("%w: missing or invalid 'intents' section", ErrInvalidIntentConfig)
	}
	if cfg.Entities == nil {
		return nil, fmt.Errorf("%w: missing or invalid 'entities' section", ErrInvalidIntentConfig)
	}
	return &cfg, nil
}

// IntentMapping translates external NLU intent names into internal intents.
// It is built once at startup and never modified afterwards.
type IntentMapping struct {
	intents map[string]protocol.Intent
}

// NewIntentMapping builds the mapping for every intent named in cfg. Names that
// do not correspond to a known intent are mapped to chat with a warning.
func NewIntentMapping(cfg *IntentParserConfig, logger *logrus.Logger) *IntentMapping {
	intents := make(map[string]protocol.Intent, len(cfg.Intents))
	for name := range cfg.Intents {
		intent, ok := protocol.ParseIntent(name)
		if !ok {
			logger.WithField("intent", name).Warn("Unknown intent in configuration, mapping to chat")
			intent = protocol.IntentChat
		}
		intents[name] = intent
	}

	mapping := &IntentMapping{intents: intents}
	logger.WithFields(logrus.Fields{
		"mappingCount": len(intents),
		"intents":      mapping.Names(),
	}).Info("Intent mapping initialized")
	return mapping
}

// DefaultIntentMapping maps every known intent name to itself.
func DefaultIntentMapping() *IntentMapping {
	intents := make(map[string]protocol.Intent, len(protocol.KnownIntents))
	for _, intent := range protocol.KnownIntents {
		intents[string(intent)] = intent
	}
	return &IntentMapping{intents: intents}
}

// LoadIntentMapping builds the mapping from the config file at path. A missing
// file yields the default mapping; a malformed one is an error.
func LoadIntentMapping(path string, logger *logrus.Logger) (*IntentMapping, error) {
	cfg, err := LoadIntentConfig(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.WithField("configPath", path).Warn("Intent config not found, using built-in intent mapping")
		return DefaultIntentMapping(), nil
	}
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"configPath":  path,
		"intentCount": len(cfg.Intents),
		"entityCount": len(cfg.Entities),
		"traitCount":  len(cfg.Traits),
	}).Info("Intent parser configuration loaded")
	return NewIntentMapping(cfg, logger), nil
}

// Resolve returns the internal intent for an external intent name.
func (m *IntentMapping) Resolve(name string) (protocol.Intent, bool) {
	intent, ok := m.intents[name]
	return intent, ok
}

// Names returns the configured external intent names in sorted order.
func (m *IntentMapping) Names() []string {
	names := make([]string, 0, len(m.intents))
	for name := range m.intents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
