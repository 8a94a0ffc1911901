// Package config loads process configuration from the environment via
// struct tags, grounded on absmach-magistrala/cmd/opcua/main.go's
// env.Parse(&cfg) idiom.
package config

import (
	"github.com/caarlos0/env/v10"
)

// Transport is the subset of uatransport.Config an operator tunes per
// deployment, plus the endpoint and security settings for bringing up a
// client or server. cmd/uaecho does not read SecurityPolicy or SecurityMode;
// it always runs with the None policy and mode.
type Transport struct {
	LogLevel    string `env:"UA_LOG_LEVEL"    envDefault:"info"`
	EndpointURL string `env:"UA_ENDPOINT_URL" envDefault:"opc.tcp://localhost:4840"`
	ListenAddr  string `env:"UA_LISTEN_ADDR"  envDefault:":4840"`

	MaxChunkSize   uint32 `env:"UA_MAX_CHUNK_SIZE"    envDefault:"65536"`
	MaxChunkCount  uint32 `env:"UA_MAX_CHUNK_COUNT"   envDefault:"64"`
	MaxMessageSize uint32 `env:"UA_MAX_MESSAGE_SIZE"  envDefault:"67108864"`

	SecurityPolicy      string `env:"UA_SECURITY_POLICY"       envDefault:"None"`
	SecurityMode        string `env:"UA_SECURITY_MODE"         envDefault:"None"`
	TokenLifetimeMillis uint32 `env:"UA_TOKEN_LIFETIME_MILLIS" envDefault:"3600000"`

	MetricsAddr string `env:"UA_METRICS_ADDR" envDefault:":9464"`
}

// Load parses a Transport from the process environment.
func Load() (Transport, error) {
	cfg := Transport{}
	if err := env.Parse(&cfg); err != nil {
		return Transport{}, err
	}
	return cfg, nil
}
