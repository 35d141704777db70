// Package config loads process configuration from the environment.
package config

import (
	"net"
	"os"
	"reflect"
	"strings"
)

// Config holds the settings for both the gateway and agent processes.
// Fields tagged with options "file" also accept a _FILE (or __FILE)
// variant whose value is a path to read the secret from; the file wins
// over the direct variable, and __FILE wins over _FILE.
type Config struct {
	Environment string `env:"ENVIRONMENT" default:"production" options:"lower"`
	LogLevel    string `env:"LOG_LEVEL" default:"info" options:"lower"`
	LogJSON     bool   `env:"LOG_JSON" default:"false"`

	GatewayAPIKey           string `env:"Gateway__ApiKey" options:"file"`
	GatewayCaddyAdminURL    string `env:"Gateway__CaddyAdminUrl" default:"http://localhost:2019"`
	GatewayListenPort       string `env:"Gateway__ListenPort" default:"8080"`
	GatewayInternalHost     string `env:"Gateway__InternalHost" default:"localhost"`
	GatewayAllowRemoteUpdate bool  `env:"Gateway__AllowRemoteUpdate" default:"false"`
	GatewayUpdateSignalPath string `env:"Gateway__UpdateSignalPath" default:"/opt/octoporty/data/update-signal"`
	GatewayLogRingSize      int    `env:"Gateway__LogRingSize" default:"10000"`

	AgentGatewayURL      string `env:"Agent__GatewayUrl"`
	AgentAPIKey          string `env:"Agent__ApiKey" options:"file"`
	AgentListenPort      string `env:"Agent__ListenPort" default:"8081"`
	AgentMappingsPath    string `env:"Agent__MappingsPath" default:"/opt/octoporty/data/mappings.json"`
	AgentLandingPagePath string `env:"Agent__LandingPagePath"`

	Listen string `env:"LISTEN"`
}

// Load reads the configuration from the environment, applying defaults
// for unset variables.
func Load() *Config {
	cfg := &Config{}

	v := reflect.ValueOf(cfg).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		key := field.Tag.Get("env")
		if key == "" {
			continue
		}

		opts := strings.Split(field.Tag.Get("options"), ",")
		raw, ok := lookup(key, hasOption(opts, "file"))
		if !ok {
			raw = field.Tag.Get("default")
		}
		if hasOption(opts, "lower") {
			raw = strings.ToLower(raw)
		}

		switch field.Type.Kind() {
		case reflect.String:
			v.Field(i).SetString(raw)
		case reflect.Bool:
			v.Field(i).SetBool(parseBool(raw))
		case reflect.Int:
			v.Field(i).SetInt(int64(parseInt(raw)))
		}
	}
	return cfg
}

// GatewayListenAddr returns the gateway's host:port bind address.
func (c *Config) GatewayListenAddr() string {
	return listenAddr(c.Listen, c.GatewayListenPort)
}

// AgentListenAddr returns the agent's host:port bind address.
func (c *Config) AgentListenAddr() string {
	return listenAddr(c.Listen, c.AgentListenPort)
}

// GatewayUpstreamDial returns the address edge-proxy routes dial to reach
// the gateway from inside the deployment network.
func (c *Config) GatewayUpstreamDial() string {
	return net.JoinHostPort(c.GatewayInternalHost, c.GatewayListenPort)
}

func listenAddr(listen, port string) string {
	if port == "" {
		port = "8080"
	}
	if listen == "" {
		return ":" + port
	}
	return net.JoinHostPort(listen, port)
}

// lookup resolves one variable. When fileOK, the __FILE then _FILE
// variants are consulted first; their value is a path whose trimmed
// contents become the setting.
func lookup(key string, fileOK bool) (string, bool) {
	if fileOK {
		for _, suffix := range []string{"__FILE", "_FILE"} {
			path, ok := os.LookupEnv(key + suffix)
			if !ok || path == "" {
				continue
			}
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			return strings.TrimSpace(string(data)), true
		}
	}
	val, ok := os.LookupEnv(key)
	return val, ok
}

func hasOption(opts []string, name string) bool {
	for _, o := range opts {
		if strings.TrimSpace(o) == name {
			return true
		}
	}
	return false
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "t", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseInt(s string) int {
	n := 0
	for _, r := range strings.TrimSpace(s) {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
