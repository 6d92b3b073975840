package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/tidwall/gjson"

	cerrors "github.com/wudi/ppvctl/internal/errors"
)

// meterSettingsSchema describes metered_switches_settings.json: a map from
// switch name to [cir, pir, cburst, pburst]. Bursts travel as i32 on the
// Thrift runtime, so they are integers capped at 2^31-1.
const meterSettingsSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"additionalProperties": {
		"type": "array",
		"minItems": 4,
		"maxItems": 4,
		"prefixItems": [
			{"$ref": "#/$defs/rate"},
			{"$ref": "#/$defs/rate"},
			{"$ref": "#/$defs/burst"},
			{"$ref": "#/$defs/burst"}
		],
		"items": false
	},
	"$defs": {
		"rate": {"type": "number", "minimum": 0},
		"burst": {"type": "integer", "minimum": 0, "maximum": 2147483647}
	}
}`

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cerrors.Configuration("read configuration", fmt.Sprintf("failed to read config file %s: %v", path, err))
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes, loads the referenced meter
// settings and topology files, and validates the result.
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	// Unmarshal YAML into config
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, cerrors.Configuration("parse configuration", fmt.Sprintf("failed to parse YAML: %v", err))
	}

	if err := resolveCredentials(cfg); err != nil {
		return nil, err
	}

	if cfg.Fabric.TopologyFile != "" {
		if err := ApplyTopologyFile(cfg, cfg.Fabric.TopologyFile); err != nil {
			return nil, err
		}
	}

	rates, err := LoadMeterSettings(cfg.Metering.SettingsFile)
	if err != nil {
		return nil, err
	}
	cfg.Metering.Rates = rates

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// LoadMeterSettings reads the metering assignment file. A missing file is a
// configuration error naming the file and how to fix it.
func LoadMeterSettings(path string) (map[string]MeterRateSpec, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, cerrors.Configuration("load meter settings",
			fmt.Sprintf("could not find %q; make sure this file exists in the project directory (it can be copied from the repository)", path))
	}
	if err != nil {
		return nil, cerrors.Configuration("load meter settings", fmt.Sprintf("%s: %v", path, err))
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, cerrors.Configuration("load meter settings", fmt.Sprintf("%s: invalid JSON: %v", path, err))
	}
	if err := meterSchema().Validate(inst); err != nil {
		return nil, cerrors.Configuration("load meter settings", fmt.Sprintf("%s: %v", path, err))
	}

	var raw map[string][]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, cerrors.Configuration("load meter settings", fmt.Sprintf("%s: %v", path, err))
	}

	rates := make(map[string]MeterRateSpec, len(raw))
	for sw, v := range raw {
		rates[sw] = MeterRateSpec{
			CIR:    v[0],
			PIR:    v[1],
			CBurst: uint32(v[2]),
			PBurst: uint32(v[3]),
		}
	}
	return rates, nil
}

func meterSchema() *jsonschema.Schema {
	var doc any
	if err := json.Unmarshal([]byte(meterSettingsSchema), &doc); err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("meter_settings.json", doc); err != nil {
		panic(err)
	}
	sch, err := c.Compile("meter_settings.json")
	if err != nil {
		panic(err)
	}
	return sch
}

// ApplyTopologyFile fills missing switch endpoints from a p4utils
// topology.json. Explicit endpoint fields in the YAML are kept.
func ApplyTopologyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return cerrors.Configuration("load topology", fmt.Sprintf("%s: %v", path, err))
	}
	if !gjson.ValidBytes(data) {
		return cerrors.Configuration("load topology", fmt.Sprintf("%s: invalid JSON", path))
	}
	doc := gjson.ParseBytes(data)

	if cfg.Topology.Endpoints == nil {
		cfg.Topology.Endpoints = make(map[string]Endpoint)
	}
	for _, sw := range cfg.SwitchNames() {
		node := doc.Get(fmt.Sprintf(`nodes.#(id==%q)`, sw))
		if !node.Exists() {
			continue
		}
		ep := cfg.Topology.Endpoints[sw]
		if ep.DeviceID == 0 {
			ep.DeviceID = node.Get("device_id").Uint()
		}
		if ep.GRPC == "" && node.Get("grpc_port").Exists() {
			ep.GRPC = fmt.Sprintf("%s:%d", hostOr(node.Get("grpc_ip").String()), node.Get("grpc_port").Int())
		}
		if ep.Thrift == "" && node.Get("thrift_port").Exists() {
			ep.Thrift = fmt.Sprintf("%s:%d", hostOr(node.Get("thrift_ip").String()), node.Get("thrift_port").Int())
		}
		if ep.P4Info == "" {
			ep.P4Info = node.Get("p4rt_path").String()
		}
		if ep.DeviceConfig == "" {
			ep.DeviceConfig = node.Get("json_path").String()
		}
		cfg.Topology.Endpoints[sw] = ep
	}
	return nil
}

func hostOr(ip string) string {
	if ip == "" {
		return "127.0.0.1"
	}
	return ip
}
