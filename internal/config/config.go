// Package config loads service configuration from AUTHGATE_* environment
// variables and the optional YAML role table.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"authgate.dev/internal/auth"
)

// Config is the resolved runtime configuration.
type Config struct {
	Addr string
	DSN  string

	Issuer   string
	Audience string
	Alg      string
	Secret   string
	// PEM file paths, used when Alg is RS256.
	PrivateKeyFile string
	PublicKeyFile  string
	KeyID          string
	TokenTTL       time.Duration

	// Brute-force guard.
	MaxAttempts   int
	FailureWindow time.Duration
	LockoutPeriod time.Duration

	// Dual sliding window limiter.
	SustainedCap    int
	SustainedWindow time.Duration
	BurstCap        int
	BurstWindow     time.Duration

	// Outer per-IP HTTP limiter.
	HTTPRateLimit float64
	HTTPRateBurst int

	RolesFile      string
	AuditQueueSize int
}

// Load reads the environment, applying defaults suited for local runs.
// AUTHGATE_JWT_SECRET (or key files in RS256 mode) must be provided.
func Load() (Config, error) {
	cfg := Config{
		Addr:            getenv("AUTHGATE_ADDR", ":8080"),
		DSN:             os.Getenv("AUTHGATE_PG_DSN"),
		Issuer:          getenv("AUTHGATE_JWT_ISSUER", "authgate"),
		Audience:        getenv("AUTHGATE_JWT_AUDIENCE", "internal-api"),
		Alg:             getenv("AUTHGATE_JWT_ALG", auth.AlgHS256),
		Secret:          os.Getenv("AUTHGATE_JWT_SECRET"),
		PrivateKeyFile:  os.Getenv("AUTHGATE_JWT_PRIVATE_KEY_FILE"),
		PublicKeyFile:   os.Getenv("AUTHGATE_JWT_PUBLIC_KEY_FILE"),
		KeyID:           os.Getenv("AUTHGATE_JWT_KEY_ID"),
		TokenTTL:        getdur("AUTHGATE_TOKEN_TTL", 15*time.Minute),
		MaxAttempts:     getint("AUTHGATE_LOCKOUT_MAX_ATTEMPTS", 5),
		FailureWindow:   getdur("AUTHGATE_LOCKOUT_WINDOW", 15*time.Minute),
		LockoutPeriod:   getdur("AUTHGATE_LOCKOUT_PERIOD", 5*time.Minute),
		SustainedCap:    getint("AUTHGATE_RATE_SUSTAINED_CAP", 100),
		SustainedWindow: getdur("AUTHGATE_RATE_SUSTAINED_WINDOW", time.Minute),
		BurstCap:        getint("AUTHGATE_RATE_BURST_CAP", 10),
		BurstWindow:     getdur("AUTHGATE_RATE_BURST_WINDOW", time.Second),
		HTTPRateLimit:   getfloat("AUTHGATE_HTTP_RATE_LIMIT", 50),
		HTTPRateBurst:   getint("AUTHGATE_HTTP_RATE_BURST", 100),
		RolesFile:       os.Getenv("AUTHGATE_ROLES_FILE"),
		AuditQueueSize:  getint("AUTHGATE_AUDIT_QUEUE_SIZE", 256),
	}

	switch cfg.Alg {
	case auth.AlgHS256:
		if strings.TrimSpace(cfg.Secret) == "" {
			return Config{}, fmt.Errorf("config: AUTHGATE_JWT_SECRET is required for %s", auth.AlgHS256)
		}
	case auth.AlgRS256:
		if cfg.PrivateKeyFile == "" || cfg.PublicKeyFile == "" {
			return Config{}, fmt.Errorf("config: AUTHGATE_JWT_PRIVATE_KEY_FILE and AUTHGATE_JWT_PUBLIC_KEY_FILE are required for %s", auth.AlgRS256)
		}
	default:
		return Config{}, fmt.Errorf("config: unsupported AUTHGATE_JWT_ALG %q", cfg.Alg)
	}
	return cfg, nil
}

// roleDocument is the YAML shape of the role table file.
type roleDocument struct {
	Roles         map[string]auth.RoleConfig `yaml:"roles"`
	GroupMappings map[string]string          `yaml:"group_mappings"`
	DefaultRole   string                     `yaml:"default_role"`
}

// LoadRoleTable reads the role table from the YAML file, or returns the
// compiled-in defaults when the path is empty.
func LoadRoleTable(path string) (*auth.RoleTable, error) {
	if path == "" {
		return defaultRoleTable()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read role table: %w", err)
	}
	var doc roleDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse role table: %w", err)
	}
	if doc.DefaultRole == "" {
		doc.DefaultRole = "readonly"
	}
	table, err := auth.NewRoleTable(doc.Roles, doc.GroupMappings, doc.DefaultRole)
	if err != nil {
		return nil, fmt.Errorf("config: role table %s: %w", path, err)
	}
	return table, nil
}

// defaultRoleTable mirrors ops/roles/roles.yaml so a bare binary still has
// a sensible permission model.
func defaultRoleTable() (*auth.RoleTable, error) {
	roles := map[string]auth.RoleConfig{
		"admin": {
			Scopes:      []string{"*"},
			Description: "Full administrative access",
		},
		"hr_admin": {
			Scopes:      []string{"api:hr:read", "api:hr:write", "api:employee:read", "api:employee:write"},
			Description: "HR management access",
		},
		"hr_user": {
			Scopes:      []string{"api:hr:read", "api:employee:read"},
			Description: "HR read access",
		},
		"finance_admin": {
			Scopes:      []string{"api:finance:read", "api:finance:write", "api:reports:read"},
			Description: "Finance management access",
		},
		"finance_user": {
			Scopes:      []string{"api:finance:read", "api:reports:read"},
			Description: "Finance read access",
		},
		"it_admin": {
			Scopes:      []string{"api:admin:read", "api:admin:write", "api:users:read", "api:users:write", "audit:read"},
			Description: "IT administration access",
		},
		"employee": {
			Scopes:      []string{"api:employee:read", "api:profile:read", "api:profile:write"},
			Description: "Regular employee access",
		},
		"contractor": {
			Scopes:      []string{"api:profile:read"},
			Description: "Limited contractor access",
		},
		"readonly": {
			Scopes:      []string{"api:read"},
			Description: "Read-only fallback",
		},
	}
	groupMappings := map[string]string{
		"Administrators": "admin",
		"HR-Admins":      "hr_admin",
		"HR-Team":        "hr_user",
		"Finance-Admins": "finance_admin",
		"Finance-Team":   "finance_user",
		"IT-Support":     "it_admin",
		"Employees":      "employee",
		"Contractors":    "contractor",
	}
	return auth.NewRoleTable(roles, groupMappings, "readonly")
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getfloat(key string, fallback float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getdur(key string, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
