// Package config loads router configuration from a YAML settings document
// and exposes a read-only class registry, per spec §4.1.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/sitorouter/sitorouter/internal/errs"
)

// ClassKind is one of the three class kinds the router understands.
type ClassKind string

const (
	KindWork     ClassKind = "work"
	KindExchange ClassKind = "exchange"
	KindNotify   ClassKind = "notify"
)

// ClassConfig is the per-class configuration, a mix of fields common to all
// kinds and kind-specific ones (process_route for work, retry_max/retry_seconds
// for exchange).
type ClassConfig struct {
	Name       string    `yaml:"name"`
	Kind       ClassKind `yaml:"kind"`
	Exchange   string    `yaml:"exchange"`
	Queue      string    `yaml:"queue"`
	RouteKey   string    `yaml:"route_key"`
	ConsumePM  string    `yaml:"consume_pm"`
	ConsumeLib string    `yaml:"consume_lib"`

	ProcessRoute []string `yaml:"process_route"`
	AbortRoute   []string `yaml:"abort_route"`

	RetryMax     int `yaml:"retry_max"`
	RetrySeconds int `yaml:"retry_seconds"`

	DefaultCommon map[string]any `yaml:"default_common"`
	MinDelay      int            `yaml:"min_delay"`
}

// DefaultGlobalAbortRoute is the fallback abort route when a class defines
// none of its own.
var DefaultGlobalAbortRoute = []string{"RequestResults"}

// QueueRouterConfig is the mandatory `QueueRouter` settings section.
type QueueRouterConfig struct {
	ExchangeClass []ClassConfig `yaml:"exchange_class"`
	WorkClass     []ClassConfig `yaml:"work_class"`
	NotifyClass   []ClassConfig `yaml:"notify_class"`
	CargoKey      string        `yaml:"cargo_key"`
	SettingsKey   string        `yaml:"settings_key"`

	AMQPPublishExchange struct {
		Optional string `yaml:"optional"`
	} `yaml:"AMQP_Publish_exchange"`

	Include []string `yaml:"include"`
}

// Document is the top-level settings document shape.
type Document struct {
	QueueRouter QueueRouterConfig `yaml:"QueueRouter"`
}

// ClassRegistry maps class name to ClassConfig, read-only after construction.
type ClassRegistry struct {
	classes     map[string]ClassConfig
	CargoKey    string
	SettingsKey string
}

// Get looks up a class by name.
func (r *ClassRegistry) Get(name string) (ClassConfig, bool) {
	c, ok := r.classes[name]
	return c, ok
}

// ByKind returns all classes of a given kind. The registry is a map, so the
// order of the returned classes is not defined.
func (r *ClassRegistry) ByKind(kind ClassKind) []ClassConfig {
	var out []ClassConfig
	for _, c := range r.classes {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// AllExchanges returns the distinct exchange names referenced by any class.
func (r *ClassRegistry) AllExchanges() []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range r.classes {
		if c.Exchange == "" || seen[c.Exchange] {
			continue
		}
		seen[c.Exchange] = true
		out = append(out, c.Exchange)
	}
	return out
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	})
}

// Load reads the settings document at path (optionally pulling in
// `include:` files, merged additively), validates the mandatory
// QueueRouter keys, and builds the class registry.
func Load(path string) (*ClassRegistry, error) {
	doc, err := loadDocument(path, map[string]bool{})
	if err != nil {
		return nil, err
	}

	qr := doc.QueueRouter
	if qr.ExchangeClass == nil && qr.WorkClass == nil && qr.CargoKey == "" && qr.SettingsKey == "" {
		return nil, errs.New(errs.MissingConfig, "QueueRouter section is missing")
	}
	if qr.CargoKey == "" {
		return nil, errs.New(errs.MissingConfig, "QueueRouter.cargo_key is required")
	}
	if qr.SettingsKey == "" {
		return nil, errs.New(errs.MissingConfig, "QueueRouter.settings_key is required")
	}
	if len(qr.WorkClass) == 0 {
		return nil, errs.New(errs.MissingConfig, "QueueRouter.work_class is required")
	}
	if len(qr.ExchangeClass) == 0 {
		return nil, errs.New(errs.MissingConfig, "QueueRouter.exchange_class is required")
	}

	reg := &ClassRegistry{
		classes:     map[string]ClassConfig{},
		CargoKey:    qr.CargoKey,
		SettingsKey: qr.SettingsKey,
	}

	register := func(kind ClassKind, list []ClassConfig) error {
		for _, c := range list {
			if c.Name == "" {
				return errs.New(errs.MissingConfig, fmt.Sprintf("%s entry missing name", kind))
			}
			c.Kind = kind
			reg.classes[c.Name] = c
		}
		return nil
	}
	if err := register(KindExchange, qr.ExchangeClass); err != nil {
		return nil, err
	}
	if err := register(KindWork, qr.WorkClass); err != nil {
		return nil, err
	}
	if err := register(KindNotify, qr.NotifyClass); err != nil {
		return nil, err
	}

	return reg, nil
}

// LoadFromClasses builds a registry directly from class lists, bypassing
// YAML entirely. Used by tests that want a registry without a settings
// file on disk.
func LoadFromClasses(cargoKey, settingsKey string, work, exchange, notify []ClassConfig) (*ClassRegistry, error) {
	reg := &ClassRegistry{classes: map[string]ClassConfig{}, CargoKey: cargoKey, SettingsKey: settingsKey}
	register := func(kind ClassKind, list []ClassConfig) {
		for _, c := range list {
			c.Kind = kind
			reg.classes[c.Name] = c
		}
	}
	register(KindWork, work)
	register(KindExchange, exchange)
	register(KindNotify, notify)
	return reg, nil
}

func loadDocument(path string, visited map[string]bool) (*Document, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, errs.Wrap(errs.MissingConfig, "resolve config path", err)
	}
	if visited[absPath] {
		return &Document{}, nil
	}
	visited[absPath] = true

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, errs.Wrap(errs.MissingConfig, "read config file "+absPath, err)
	}
	interpolated := interpolateEnv(string(data))

	var doc Document
	if err := yaml.Unmarshal([]byte(interpolated), &doc); err != nil {
		return nil, errs.Wrap(errs.MissingConfig, "parse config yaml "+absPath, err)
	}

	baseDir := filepath.Dir(absPath)
	for _, inc := range doc.QueueRouter.Include {
		incPath := inc
		if !filepath.IsAbs(incPath) {
			incPath = filepath.Join(baseDir, incPath)
		}
		child, err := loadDocument(incPath, visited)
		if err != nil {
			return nil, err
		}
		doc.QueueRouter.ExchangeClass = append(doc.QueueRouter.ExchangeClass, child.QueueRouter.ExchangeClass...)
		doc.QueueRouter.WorkClass = append(doc.QueueRouter.WorkClass, child.QueueRouter.WorkClass...)
		doc.QueueRouter.NotifyClass = append(doc.QueueRouter.NotifyClass, child.QueueRouter.NotifyClass...)
	}

	return &doc, nil
}
