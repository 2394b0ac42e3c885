package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Database
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// JWT
	JWTSecret        string
	JWTAccessExpiry  time.Duration
	JWTRefreshExpiry time.Duration

	// Directory (OData system of record)
	DirectoryTenantID     string
	DirectoryClientID     string
	DirectoryClientSecret string
	DirectoryOrgURL       string
	DirectoryEnabled      bool
	DirectoryLinkEntity   string
	DirectorySponsorField string

	// Warehouse (mirrored SQL store)
	WarehouseHost           string
	WarehousePort           string
	WarehouseDB             string
	WarehouseEnabled        bool
	WarehouseContactTables  string
	WarehouseSponsorColumns string

	// Identity lease
	LeaseTTL                time.Duration
	IncludeUnverifiedEmails bool

	// Cache
	RedisAddr string

	// Server
	Port        string
	CORSOrigins string
}

func Load() *Config {
	return &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DBName:     getEnv("DB_NAME", "vossieparent"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		JWTSecret:        getEnv("JWT_SECRET", ""),
		JWTAccessExpiry:  parseDuration(getEnv("JWT_ACCESS_EXPIRY", "15m")),
		JWTRefreshExpiry: parseDuration(getEnv("JWT_REFRESH_EXPIRY", "168h")),

		DirectoryTenantID:     getEnv("DIR_TENANT_ID", ""),
		DirectoryClientID:     getEnv("DIR_CLIENT_ID", ""),
		DirectoryClientSecret: getEnv("DIR_CLIENT_SECRET", ""),
		DirectoryOrgURL:       strings.TrimRight(getEnv("DIR_ORG_URL", ""), "/"),
		DirectoryEnabled:      parseBool(getEnv("DIR_ENABLED", "true")),
		DirectoryLinkEntity:   getEnv("DIR_LINK_ENTITY", "new_parentstudentlinks"),
		DirectorySponsorField: getEnv("DIR_SPONSOR_FIELD", "edv_sponsoremail1"),

		WarehouseHost:           getEnv("WAREHOUSE_HOST", ""),
		WarehousePort:           getEnv("WAREHOUSE_PORT", "1433"),
		WarehouseDB:             getEnv("WAREHOUSE_DB", ""),
		WarehouseEnabled:        parseBool(getEnv("WAREHOUSE_ENABLED", "true")),
		WarehouseContactTables:  getEnv("WAREHOUSE_CONTACT_TABLES", "PP.contact"),
		WarehouseSponsorColumns: getEnv("WAREHOUSE_SPONSOR_COLUMNS", "btfh_sponsor1email,btfh_sponsor2email"),

		LeaseTTL:                time.Duration(parseInt(getEnv("IDENTITY_LEASE_TTL_SECONDS", "3600"))) * time.Second,
		IncludeUnverifiedEmails: parseBool(getEnv("INCLUDE_UNVERIFIED_ALT_EMAILS", "false")),

		RedisAddr: getEnv("REDIS_ADDR", ""),

		Port:        getEnv("PORT", "8080"),
		CORSOrigins: getEnv("CORS_ORIGINS", "*"),
	}
}

func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" port=" + c.DBPort +
		" sslmode=" + c.DBSSLMode +
		" TimeZone=UTC"
}

// DirectoryScope derives the client-credentials scope from the org URL.
func (c *Config) DirectoryScope() string {
	if c.DirectoryOrgURL == "" {
		return ""
	}
	return c.DirectoryOrgURL + "/.default"
}

func (c *Config) DirectoryConfigured() bool {
	return c.DirectoryEnabled && c.DirectoryOrgURL != ""
}

func (c *Config) WarehouseConfigured() bool {
	return c.WarehouseEnabled && c.WarehouseHost != "" && c.WarehouseDB != ""
}

// ExternalSourceConfigured reports whether any external system of record
// is reachable; with none, permission checks run in local-only trust mode.
func (c *Config) ExternalSourceConfigured() bool {
	return c.DirectoryConfigured() || c.WarehouseConfigured()
}

// Table is a schema-qualified warehouse table.
type Table struct {
	Schema string
	Name   string
}

// ContactTables parses WAREHOUSE_CONTACT_TABLES ("PP.contact,LH.contact")
// preserving the configured priority order.
func (c *Config) ContactTables() []Table {
	var out []Table
	for _, item := range strings.Split(c.WarehouseContactTables, ",") {
		item = strings.TrimSpace(item)
		if item == "" || !strings.Contains(item, ".") {
			continue
		}
		parts := strings.SplitN(item, ".", 2)
		out = append(out, Table{
			Schema: strings.Trim(parts[0], "[]"),
			Name:   strings.Trim(parts[1], "[]"),
		})
	}
	return out
}

// SponsorColumns parses the configured candidate sponsor-email columns.
func (c *Config) SponsorColumns() []string {
	var out []string
	for _, col := range strings.Split(c.WarehouseSponsorColumns, ",") {
		if col = strings.TrimSpace(col); col != "" {
			out = append(out, col)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func parseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 15 * time.Minute
	}
	return d
}

func parseInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 3600
	}
	return n
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false
	}
	return b
}
