// contactsync mirrors the first candidate warehouse table into the
// local contacts table, feeding the resolver's cache-first path.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm/clause"

	"github.com/rsteenberg/vossieparent/internal/cache"
	"github.com/rsteenberg/vossieparent/internal/config"
	"github.com/rsteenberg/vossieparent/internal/database"
	"github.com/rsteenberg/vossieparent/internal/directory"
	"github.com/rsteenberg/vossieparent/internal/logging"
	"github.com/rsteenberg/vossieparent/internal/models"
	"github.com/rsteenberg/vossieparent/internal/warehouse"
)

const batchSize = 500

func main() {
	logging.Setup()

	cfg := config.Load()
	if !cfg.WarehouseConfigured() {
		slog.Error("warehouse is not configured; nothing to sync")
		os.Exit(1)
	}
	tables := cfg.ContactTables()
	if len(tables) == 0 {
		slog.Error("no candidate tables configured", "setting", "WAREHOUSE_CONTACT_TABLES")
		os.Exit(1)
	}

	if err := database.Connect(cfg); err != nil {
		slog.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	if err := database.Migrate(); err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}

	tokens := directory.NewTokenProvider(cfg, cache.NewMemory())
	client := warehouse.NewClient(cfg, tokens)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	// Primary table is the first in priority order.
	table := tables[0]
	slog.Info("starting contact sync", "table", table.Schema+"."+table.Name)

	rows, err := client.SelectAll(ctx, table)
	if err != nil {
		slog.Error("warehouse read failed", "error", err)
		os.Exit(1)
	}

	var batch []models.Contact
	synced := 0
	for _, row := range rows {
		contactID := warehouse.Field(row, "contactid")
		if contactID == "" {
			continue
		}

		raw, err := json.Marshal(cleanRow(row))
		if err != nil {
			raw = []byte("{}")
		}

		batch = append(batch, models.Contact{
			ID:            uuid.New(),
			ContactID:     contactID,
			FirstName:     optional(warehouse.Field(row, "firstname")),
			LastName:      optional(warehouse.Field(row, "lastname")),
			Email:         optional(warehouse.Field(row, "emailaddress1")),
			Sponsor1Email: optional(warehouse.Field(row, "btfh_sponsor1email")),
			Sponsor2Email: optional(warehouse.Field(row, "btfh_sponsor2email")),
			Raw:           datatypes.JSON(raw),
		})

		if len(batch) >= batchSize {
			if err := flush(batch); err != nil {
				slog.Error("contact upsert failed", "error", err)
				os.Exit(1)
			}
			synced += len(batch)
			batch = batch[:0]
			slog.Info("progress", "synced", synced)
		}
	}
	if len(batch) > 0 {
		if err := flush(batch); err != nil {
			slog.Error("contact upsert failed", "error", err)
			os.Exit(1)
		}
		synced += len(batch)
	}

	slog.Info("contact sync complete", "synced", synced)
}

func flush(batch []models.Contact) error {
	return database.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "contact_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"first_name", "last_name", "email",
			"sponsor1_email", "sponsor2_email", "raw", "updated_at",
		}),
	}).Create(&batch).Error
}

// cleanRow makes warehouse values JSON-friendly.
func cleanRow(row warehouse.Row) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		switch val := v.(type) {
		case time.Time:
			out[k] = val.Format(time.RFC3339)
		case []byte:
			out[k] = string(val)
		default:
			out[k] = v
		}
	}
	return out
}

func optional(s string) *string {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return &s
}
