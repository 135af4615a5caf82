// catalog.go: Host-side plugin catalog loading
//
// A catalog lists the plugins a host runs, one entry per plugin binary,
// together with what the host sends during the lifecycle handshake. The
// bridge itself never interprets plugin_data: it is handed to Configure
// verbatim.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginbridge

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agilira/argus"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"gopkg.in/yaml.v3"
)

// maxCatalogSize bounds the catalog file read.
const maxCatalogSize = 10 * 1024 * 1024

// Catalog is the parsed content of a catalog file.
//
// Example (YAML):
//
//	trust_domain: example.org
//	plugins:
//	  - name: demo
//	    command: ./demo-plugin
//	    args: ["serve"]
//	    env:
//	      DEMO_HOME: ${HOME}/demo
//	    handshake:
//	      protocol_version: 1
//	      magic_cookie_key: X
//	      magic_cookie_value: X
//	    plugin_data: |
//	      selector_prefix = "demo"
//	    start_timeout: 10s
type Catalog struct {
	// TrustDomain is the default for entries that do not set one.
	TrustDomain string         `json:"trust_domain" yaml:"trust_domain"`
	Plugins     []CatalogEntry `json:"plugins" yaml:"plugins"`
}

// CatalogEntry describes one plugin.
type CatalogEntry struct {
	Name    string            `json:"name" yaml:"name"`
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir     string            `json:"dir,omitempty" yaml:"dir,omitempty"`

	Handshake HandshakeConfig `json:"handshake" yaml:"handshake"`

	TrustDomain string `json:"trust_domain,omitempty" yaml:"trust_domain,omitempty"`

	// PluginData is the opaque Configure payload.
	PluginData string `json:"plugin_data,omitempty" yaml:"plugin_data,omitempty"`

	BrokerMultiplex bool       `json:"broker_multiplex,omitempty" yaml:"broker_multiplex,omitempty"`
	PortRange       *PortRange `json:"port_range,omitempty" yaml:"port_range,omitempty"`

	// Durations use time.ParseDuration syntax ("10s", "500ms").
	StartTimeout string `json:"start_timeout,omitempty" yaml:"start_timeout,omitempty"`
	StopTimeout  string `json:"stop_timeout,omitempty" yaml:"stop_timeout,omitempty"`

	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// Validate checks every entry and rejects duplicate names.
func (c *Catalog) Validate() error {
	if c.TrustDomain != "" {
		if _, err := spiffeid.TrustDomainFromString(c.TrustDomain); err != nil {
			return NewConfigValidationError(fmt.Sprintf("invalid catalog trust domain %q", c.TrustDomain), err)
		}
	}
	seen := make(map[string]struct{}, len(c.Plugins))
	for i := range c.Plugins {
		entry := &c.Plugins[i]
		if err := entry.Validate(); err != nil {
			return err
		}
		if _, dup := seen[entry.Name]; dup {
			return NewConfigValidationError(fmt.Sprintf("duplicate catalog entry %q", entry.Name), nil)
		}
		seen[entry.Name] = struct{}{}
	}
	return nil
}

// Lookup returns the entry with the given name.
func (c *Catalog) Lookup(name string) (CatalogEntry, bool) {
	for _, entry := range c.Plugins {
		if entry.Name == name {
			return entry, true
		}
	}
	return CatalogEntry{}, false
}

// Enabled returns the entries not marked disabled, sorted by name.
func (c *Catalog) Enabled() []CatalogEntry {
	entries := make([]CatalogEntry, 0, len(c.Plugins))
	for _, entry := range c.Plugins {
		if !entry.Disabled {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// Validate checks a single entry.
func (e *CatalogEntry) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return NewConfigValidationError("catalog entry name is required", nil)
	}
	if e.Command == "" {
		return NewConfigValidationError(fmt.Sprintf("catalog entry %q: command is required", e.Name), nil)
	}
	if err := e.Handshake.Validate(); err != nil {
		return NewConfigValidationError(fmt.Sprintf("catalog entry %q: invalid handshake", e.Name), err)
	}
	if e.TrustDomain != "" {
		if _, err := spiffeid.TrustDomainFromString(e.TrustDomain); err != nil {
			return NewConfigValidationError(fmt.Sprintf("catalog entry %q: invalid trust domain %q", e.Name, e.TrustDomain), err)
		}
	}
	if err := e.PortRange.Validate(); err != nil {
		return err
	}
	for field, value := range map[string]string{"start_timeout": e.StartTimeout, "stop_timeout": e.StopTimeout} {
		if _, err := parseCatalogDuration(value); err != nil {
			return NewConfigValidationError(fmt.Sprintf("catalog entry %q: invalid %s %q", e.Name, field, value), err)
		}
	}
	return nil
}

// CoreConfiguration returns what the host sends in Configure for this
// entry. The entry trust domain wins over the catalog default.
func (e *CatalogEntry) CoreConfiguration(catalogTrustDomain string) CoreConfiguration {
	td := e.TrustDomain
	if td == "" {
		td = catalogTrustDomain
	}
	return CoreConfiguration{TrustDomain: td}
}

// ClientConfig builds an unstarted client configuration for the entry.
// Relative commands are resolved against baseDir.
func (e *CatalogEntry) ClientConfig(baseDir string, logger Logger) (ClientConfig, error) {
	if err := e.Validate(); err != nil {
		return ClientConfig{}, err
	}

	command := e.Command
	if !filepath.IsAbs(command) && strings.ContainsRune(command, filepath.Separator) && baseDir != "" {
		command = filepath.Join(baseDir, command)
	}
	cmd := exec.Command(command, e.Args...)
	cmd.Dir = e.Dir
	if len(e.Env) > 0 {
		keys := make([]string, 0, len(e.Env))
		for k := range e.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		cmd.Env = os.Environ()
		for _, k := range keys {
			cmd.Env = append(cmd.Env, k+"="+e.Env[k])
		}
	}

	startTimeout, _ := parseCatalogDuration(e.StartTimeout)
	stopTimeout, _ := parseCatalogDuration(e.StopTimeout)

	if logger != nil {
		logger = logger.With("plugin", e.Name)
	}
	config := ClientConfig{
		HandshakeConfig: e.Handshake,
		Cmd:             cmd,
		BrokerMultiplex: e.BrokerMultiplex,
		PortRange:       e.PortRange,
		StartTimeout:    startTimeout,
		StopTimeout:     stopTimeout,
		RelayPluginLogs: true,
		Logger:          logger,
	}
	config.ApplyDefaults()
	return config, nil
}

func parseCatalogDuration(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration")
	}
	return d, nil
}

// expandEnv expands ${VAR} references in every string field.
func (c *Catalog) expandEnv(options EnvConfigOptions) error {
	e := &envExpander{options: options}
	e.field("trust_domain", &c.TrustDomain)
	for i := range c.Plugins {
		entry := &c.Plugins[i]
		prefix := fmt.Sprintf("plugins[%d].", i)
		e.field(prefix+"command", &entry.Command)
		e.field(prefix+"dir", &entry.Dir)
		e.field(prefix+"trust_domain", &entry.TrustDomain)
		e.field(prefix+"plugin_data", &entry.PluginData)
		e.field(prefix+"handshake.magic_cookie_value", &entry.Handshake.MagicCookieValue)
		e.slice(prefix+"args", entry.Args)
		e.mapValues(prefix+"env", entry.Env)
	}
	return e.err
}

// LoadCatalog reads, parses, expands and validates a catalog file.
func LoadCatalog(path string, options EnvConfigOptions) (*Catalog, error) {
	securePath, err := validateCatalogPath(path)
	if err != nil {
		return nil, err
	}
	data, err := readCatalogFile(securePath)
	if err != nil {
		return nil, err
	}
	catalog, err := ParseCatalog(data, argus.DetectFormat(securePath))
	if err != nil {
		return nil, NewConfigParseError(securePath, err)
	}
	if err := catalog.expandEnv(options); err != nil {
		return nil, err
	}
	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	return catalog, nil
}

// ParseCatalog decodes catalog bytes. YAML goes through yaml.v3; every
// other format argus understands is parsed into a map and bound through
// JSON.
func ParseCatalog(data []byte, format argus.ConfigFormat) (*Catalog, error) {
	catalog := &Catalog{}
	switch format {
	case argus.FormatYAML:
		if err := yaml.Unmarshal(data, catalog); err != nil {
			return nil, fmt.Errorf("failed to parse YAML catalog: %w", err)
		}
	case argus.FormatJSON:
		if err := json.Unmarshal(data, catalog); err != nil {
			return nil, fmt.Errorf("failed to parse JSON catalog: %w", err)
		}
	default:
		configMap, err := argus.ParseConfig(data, format)
		if err != nil {
			return nil, err
		}
		if err := bindCatalog(configMap, catalog); err != nil {
			return nil, err
		}
	}
	return catalog, nil
}

func bindCatalog(configMap map[string]interface{}, catalog *Catalog) error {
	if configMap == nil {
		return fmt.Errorf("configuration map is nil")
	}
	jsonBytes, err := json.Marshal(configMap)
	if err != nil {
		return fmt.Errorf("failed to marshal config map to JSON: %w", err)
	}
	if err := json.Unmarshal(jsonBytes, catalog); err != nil {
		return fmt.Errorf("failed to unmarshal catalog: %w", err)
	}
	return nil
}

func validateCatalogPath(path string) (string, error) {
	if path == "" {
		return "", NewConfigValidationError("empty catalog path", nil)
	}
	if strings.Contains(path, "\x00") {
		return "", NewConfigValidationError("null byte detected in catalog path", nil)
	}
	if strings.Contains(path, "..") {
		return "", NewConfigValidationError("path traversal detected in catalog path", nil).
			WithContext("path", path)
	}
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", NewConfigValidationError("failed to resolve catalog path", err)
	}
	return absPath, nil
}

func readCatalogFile(path string) ([]byte, error) {
	file, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, NewConfigParseError(path, err)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return nil, NewConfigParseError(path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, NewConfigValidationError("catalog path is not a regular file", nil).WithContext("path", path)
	}
	if info.Size() > maxCatalogSize {
		return nil, NewConfigValidationError(
			fmt.Sprintf("catalog file too large: %d bytes (max %d)", info.Size(), maxCatalogSize), nil)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigParseError(path, err)
	}
	if len(content) == 0 {
		return nil, NewConfigValidationError("catalog file is empty", nil).WithContext("path", path)
	}
	return content, nil
}
