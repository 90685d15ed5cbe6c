package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		DriverType:       "postgres",
		ControlPlaneAddr: "127.0.0.1:8090",
		SecretToken:      "s3cr3t",
		Postgres: PostgresConfig{
			TargetAddr:      "127.0.0.1",
			TargetPort:      5432,
			TargetUsername:  "rowguard",
			ProxyListenPort: 6432,
		},
	}
}

func TestConfig_Validate_RequiresCoreFields(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing driver type", func(c *Config) { c.DriverType = "" }, true},
		{"wrong driver type", func(c *Config) { c.DriverType = "mysql" }, true},
		{"missing controlplane addr", func(c *Config) { c.ControlPlaneAddr = "" }, true},
		{"malformed controlplane addr", func(c *Config) { c.ControlPlaneAddr = "not-a-hostport" }, true},
		{"missing secret token", func(c *Config) { c.SecretToken = "" }, true},
		{"missing target addr", func(c *Config) { c.Postgres.TargetAddr = "" }, true},
		{"missing listen port", func(c *Config) { c.Postgres.ProxyListenPort = 0 }, true},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_SetDefaults(t *testing.T) {
	cfg := validConfig()
	cfg.SetDefaults()

	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, "text", cfg.Log.Format)
	require.Equal(t, "0.0.0.0", cfg.Postgres.ProxyListenAddr)
	require.Equal(t, "stdout", cfg.Audit.Sink)
	require.Equal(t, 32, cfg.Audit.ChannelSize)
	require.Equal(t, "2m", cfg.TableInfoRefresh)
}

func TestConfig_SetDevDefaults_OnlyAppliesWhenDevMode(t *testing.T) {
	cfg := &Config{}
	cfg.SetDevDefaults()
	require.Empty(t, cfg.ControlPlaneAddr, "dev defaults must not apply when DevMode is false")

	cfg.DevMode = true
	cfg.SetDevDefaults()
	require.NotEmpty(t, cfg.ControlPlaneAddr)
	require.NotEmpty(t, cfg.SecretToken)
}

func TestConfig_TLSConfig_RequiresCertAndKeyWhenEnabled(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.TLS.Enabled = true
	require.Error(t, cfg.Validate())

	cfg.Postgres.TLS.CertFile = "/tmp/cert.pem"
	cfg.Postgres.TLS.KeyFile = "/tmp/key.pem"
	require.NoError(t, cfg.Validate())
}
