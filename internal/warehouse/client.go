package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/azuread"

	"github.com/rsteenberg/vossieparent/internal/config"
	"github.com/rsteenberg/vossieparent/internal/directory"
)

// databaseScope is the token audience for the warehouse's token-auth
// fallback connection path.
const databaseScope = "https://database.windows.net/.default"

const queryLimit = 100

// Row is a single warehouse record keyed by column name, with []byte
// values converted to string.
type Row map[string]any

// Catalog answers column-metadata questions. The live client implements
// it against INFORMATION_SCHEMA; tests substitute a fake.
type Catalog interface {
	Columns(ctx context.Context, schema, table string) ([]string, error)
}

// Client queries the mirrored relational store. It connects lazily with
// two strategies: native service-principal auth first, then a
// database-scoped access token from the shared TokenProvider.
type Client struct {
	cfg    *config.Config
	tokens *directory.TokenProvider

	mu sync.Mutex
	db *sql.DB

	catalog Catalog
}

func NewClient(cfg *config.Config, tokens *directory.TokenProvider) *Client {
	c := &Client{cfg: cfg, tokens: tokens}
	c.catalog = c
	return c
}

func (c *Client) Enabled() bool {
	return c.cfg.WarehouseConfigured()
}

func (c *Client) server() string {
	host := c.cfg.WarehouseHost
	if !strings.HasPrefix(host, "tcp:") {
		host = "tcp:" + host
	}
	if !strings.Contains(host, ",") {
		host += "," + c.cfg.WarehousePort
	}
	return host
}

func (c *Client) baseDSN() string {
	return strings.Join([]string{
		"server=" + c.server(),
		"database=" + c.cfg.WarehouseDB,
		"encrypt=true",
		"TrustServerCertificate=false",
		"dial timeout=30",
	}, ";")
}

// Connect returns a working connection pool or an error. The service
// principal path is tried first; on failure the pool is rebuilt around
// an access-token connector fed by the token provider.
func (c *Client) Connect(ctx context.Context) (*sql.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db != nil {
		if err := c.db.PingContext(ctx); err == nil {
			return c.db, nil
		}
		c.db.Close()
		c.db = nil
	}

	if !c.cfg.WarehouseConfigured() {
		return nil, config.Errorf("WAREHOUSE_HOST/WAREHOUSE_DB", "warehouse is not configured")
	}
	if c.cfg.DirectoryTenantID == "" || c.cfg.DirectoryClientID == "" || c.cfg.DirectoryClientSecret == "" {
		return nil, config.Errorf("DIR_TENANT_ID/DIR_CLIENT_ID/DIR_CLIENT_SECRET", "warehouse auth reuses the directory service principal; credentials missing")
	}

	spDSN := c.baseDSN() + strings.Join([]string{
		"",
		"fedauth=ActiveDirectoryServicePrincipal",
		"user id=" + c.cfg.DirectoryClientID + "@" + c.cfg.DirectoryTenantID,
		"password=" + c.cfg.DirectoryClientSecret,
	}, ";")

	db, err := sql.Open(azuread.DriverName, spDSN)
	if err == nil {
		if pingErr := db.PingContext(ctx); pingErr == nil {
			c.db = db
			slog.Info("warehouse connected", "source", "warehouse", "auth", "service_principal")
			return db, nil
		} else {
			err = pingErr
		}
		db.Close()
	}
	slog.Warn("warehouse service-principal connect failed, trying access token",
		"source", "warehouse", "error", err.Error())

	connector, err := mssql.NewAccessTokenConnector(c.baseDSN(), func() (string, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return c.tokens.Token(ctx, databaseScope)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build token connector: %w", err)
	}
	db = sql.OpenDB(connector)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("warehouse token connect failed: %w", err)
	}
	c.db = db
	slog.Info("warehouse connected", "source", "warehouse", "auth", "access_token")
	return db, nil
}

// Columns lists a table's columns from the catalog metadata.
func (c *Client) Columns(ctx context.Context, schema, table string) ([]string, error) {
	db, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		"SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2",
		schema, table)
	if err != nil {
		return nil, fmt.Errorf("column discovery failed for %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// ContactByID queries each candidate table in configured priority order
// and returns the first match; results are never merged across tables.
func (c *Client) ContactByID(ctx context.Context, contactID string) (Row, error) {
	if contactID == "" {
		return nil, nil
	}
	var firstErr error
	for _, t := range c.cfg.ContactTables() {
		query := fmt.Sprintf("SELECT TOP 1 * FROM [%s].[%s] WHERE contactid = @p1", t.Schema, t.Name)
		rows, err := c.query(ctx, query, contactID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			slog.Warn("warehouse contact lookup failed",
				"source", "warehouse", "table", t.Schema+"."+t.Name, "error", err.Error())
			continue
		}
		if len(rows) > 0 {
			return rows[0], nil
		}
	}
	return nil, firstErr
}

// ContactsBySponsorEmail queries candidate tables in priority order and
// returns as soon as one table yields a non-empty result. Per-table
// failures are logged and skipped; if every table failed the first
// error surfaces so callers can count the source as erroring.
func (c *Client) ContactsBySponsorEmail(ctx context.Context, email string) ([]Row, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, nil
	}

	var firstErr error
	failed := 0
	tables := c.cfg.ContactTables()
	for _, t := range tables {
		cols, err := c.sponsorColumns(ctx, t.Schema, t.Name)
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			slog.Warn("warehouse sponsor column discovery failed",
				"source", "warehouse", "table", t.Schema+"."+t.Name, "error", err.Error())
			continue
		}
		if len(cols) == 0 {
			continue
		}

		preds := make([]string, len(cols))
		args := make([]any, len(cols))
		for i, col := range cols {
			preds[i] = fmt.Sprintf("LOWER(LTRIM(RTRIM([%s]))) = @p%d", col, i+1)
			args[i] = email
		}
		query := fmt.Sprintf("SELECT TOP %d * FROM [%s].[%s] WHERE (%s)",
			queryLimit, t.Schema, t.Name, strings.Join(preds, " OR "))

		rows, err := c.query(ctx, query, args...)
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			slog.Warn("warehouse sponsor query failed",
				"source", "warehouse", "table", t.Schema+"."+t.Name, "error", err.Error())
			continue
		}
		if len(rows) > 0 {
			slog.Info("warehouse sponsor match",
				"source", "warehouse", "table", t.Schema+"."+t.Name,
				"matches", len(rows), "columns", strings.Join(cols, ","))
			return rows, nil
		}
	}
	if failed == len(tables) && firstErr != nil {
		return nil, firstErr
	}
	return nil, nil
}

func (c *Client) sponsorColumns(ctx context.Context, schema, table string) ([]string, error) {
	cols, err := c.catalog.Columns(ctx, schema, table)
	if err != nil {
		return nil, err
	}
	return SponsorColumns(cols, c.cfg.SponsorColumns()), nil
}

// SelectAll streams every row of a table; used by the contact sync.
func (c *Client) SelectAll(ctx context.Context, t config.Table) ([]Row, error) {
	return c.query(ctx, fmt.Sprintf("SELECT * FROM [%s].[%s]", t.Schema, t.Name))
}

func (c *Client) query(ctx context.Context, query string, args ...any) ([]Row, error) {
	db, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Field does a case-insensitive column lookup and returns the value as
// a trimmed string; empty when absent or nil.
func Field(row Row, name string) string {
	for k, v := range row {
		if !strings.EqualFold(k, name) {
			continue
		}
		if v == nil {
			return ""
		}
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
	return ""
}
