package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // streak timezones must resolve on minimal images

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port      string `yaml:"port"`
		PublicURL string `yaml:"publicURL"`
		// TrustedProxies lists CIDRs or IPs allowed to set X-Forwarded-For.
		TrustedProxies []string `yaml:"trustedProxies"`
	} `yaml:"server"`
	Storage struct {
		// Backend is one of memory, postgres, redis.
		Backend string `yaml:"backend"`
	} `yaml:"storage"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Catalog struct {
		TTL string `yaml:"ttl"`
	} `yaml:"catalog"`
	Auth struct {
		JWTSecret string `yaml:"jwtSecret"`
		Issuer    string `yaml:"issuer"`
		TokenTTL  string `yaml:"tokenTTL"`
	} `yaml:"auth"`
	Proctor struct {
		TabSwitchLimit int    `yaml:"tabSwitchLimit"`
		LateGrace      string `yaml:"lateGrace"`
	} `yaml:"proctor"`
	Certificates struct {
		CodePrefix        string `yaml:"codePrefix"`
		Validity          string `yaml:"validity"`
		VerifyURLTemplate string `yaml:"verifyURLTemplate"`
	} `yaml:"certificates"`
	Streak struct {
		Timezone string `yaml:"timezone"`
	} `yaml:"streak"`
	Verification struct {
		PerMinute int `yaml:"perMinute"`
		Burst     int `yaml:"burst"`
	} `yaml:"verification"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns the settings used when no file is present.
func Default() Config {
	cfg := Config{}
	cfg.Server.Port = "8080"
	cfg.Storage.Backend = "memory"
	cfg.Catalog.TTL = "10m"
	cfg.Auth.Issuer = "skillvault"
	cfg.Auth.TokenTTL = "24h"
	cfg.Proctor.TabSwitchLimit = 3
	cfg.Proctor.LateGrace = "1m"
	cfg.Certificates.CodePrefix = "SV"
	cfg.Certificates.Validity = "17520h"
	cfg.Certificates.VerifyURLTemplate = "http://localhost:8080/verify/{code}"
	cfg.Streak.Timezone = "UTC"
	cfg.Verification.PerMinute = 30
	cfg.Verification.Burst = 10
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	return cfg
}

// Load reads YAML config from path on top of the defaults, then applies environment
// overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, err
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.PublicURL, "PUBLIC_URL")
	setString(&cfg.Storage.Backend, "STORAGE_BACKEND")
	setString(&cfg.Postgres.URL, "DATABASE_URL")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Streak.Timezone, "STREAK_TIMEZONE")
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		cfg.Server.TrustedProxies = strings.Split(v, ",")
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate rejects combinations the server cannot start with.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Postgres.URL == "" {
			return fmt.Errorf("storage backend postgres requires postgres.url")
		}
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("storage backend redis requires redis.addr")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if _, err := time.LoadLocation(c.Streak.Timezone); err != nil {
		return fmt.Errorf("streak timezone: %w", err)
	}
	if _, err := c.TrustedProxyNets(); err != nil {
		return err
	}
	return nil
}

// TrustedProxyNets parses server.trustedProxies. A bare IP is a single-host network.
func (c Config) TrustedProxyNets() ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(c.Server.TrustedProxies))
	for _, raw := range c.Server.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			ip := net.ParseIP(raw)
			if ip == nil {
				return nil, fmt.Errorf("trusted proxy %q is not an IP or CIDR", raw)
			}
			bits := 8 * net.IPv6len
			if ip.To4() != nil {
				ip, bits = ip.To4(), 8*net.IPv4len
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

// StreakLocation resolves the configured streak timezone.
func (c Config) StreakLocation() *time.Location {
	loc, err := time.LoadLocation(c.Streak.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
