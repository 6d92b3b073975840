package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	cerrors "github.com/wudi/ppvctl/internal/errors"
)

// credentialRef matches a whole-value credential reference such as
// ${env:PPV_REDIS_PASSWORD} or ${file:/run/secrets/mqtt}.
var credentialRef = regexp.MustCompile(`^\$\{(env|file):(.+)\}$`)

// credentialSource looks up the value behind one reference scheme.
type credentialSource func(ref string) (string, error)

var credentialSources = map[string]credentialSource{
	"env": func(name string) (string, error) {
		v, ok := os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("environment variable %q not set", name)
		}
		return v, nil
	},
	"file": func(path string) (string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading credential file: %w", err)
		}
		return strings.TrimRight(string(data), " \t\r\n"), nil
	},
}

// resolveCredential returns v unchanged unless it is a reference.
func resolveCredential(v string) (string, error) {
	m := credentialRef.FindStringSubmatch(v)
	if m == nil {
		return v, nil
	}
	return credentialSources[m[1]](m[2])
}

// resolveCredentials replaces references in the sink credentials. Disabled
// sinks are skipped so an unset variable does not block startup.
func resolveCredentials(cfg *Config) error {
	fields := []struct {
		path    string
		enabled bool
		value   *string
	}{
		{"publish.redis.password", cfg.Publish.Redis.Enabled, &cfg.Publish.Redis.Password},
		{"publish.mqtt.username", cfg.Publish.MQTT.Enabled, &cfg.Publish.MQTT.Username},
		{"publish.mqtt.password", cfg.Publish.MQTT.Enabled, &cfg.Publish.MQTT.Password},
	}
	var problems []string
	for _, f := range fields {
		if !f.enabled {
			continue
		}
		v, err := resolveCredential(*f.value)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", f.path, err))
			continue
		}
		*f.value = v
	}
	if len(problems) > 0 {
		return cerrors.Configuration("resolve credentials", problems...)
	}
	return nil
}
