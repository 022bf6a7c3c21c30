package models

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Operation kinds recorded for user-facing history.
const (
	KindDeposit  = "deposit"
	KindWithdraw = "withdraw"
	KindTransfer = "transfer"
	KindLock     = "lock"
	KindUnlock   = "unlock"
	KindApproval = "approval"
	KindRecover  = "recover"
	KindHarvest  = "harvest"
)

// Operation is one balance-affecting action on a rebasing asset. Amounts are
// decimal strings so postgres and sqlite store them identically.
type Operation struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Asset        string    `gorm:"size:32;index:idx_operation_asset_account" json:"asset"`
	Kind         string    `gorm:"size:16;index" json:"kind"`
	Account      string    `gorm:"size:96;index:idx_operation_asset_account" json:"account"`
	Counterparty string    `gorm:"size:96" json:"counterparty"`
	Amount       string    `gorm:"size:80" json:"amount"`
	Underlying   string    `gorm:"size:80" json:"underlying"`
	Fee          string    `gorm:"size:80" json:"fee"`
	Backend      string    `gorm:"size:64" json:"backend"`
	Referral     string    `gorm:"size:128" json:"referral"`
	CreatedAt    time.Time `gorm:"index" json:"createdAt"`
}

// RebaseRecord captures one supply change.
type RebaseRecord struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Asset       string    `gorm:"size:32;index" json:"asset"`
	Backend     string    `gorm:"size:64" json:"backend"`
	Gross       string    `gorm:"size:80" json:"gross"`
	Fee         string    `gorm:"size:80" json:"fee"`
	Distributed string    `gorm:"size:80" json:"distributed"`
	SupplyAfter string    `gorm:"size:80" json:"supplyAfter"`
	Harvested   string    `gorm:"size:80" json:"harvested"`
	CreatedAt   time.Time `gorm:"index" json:"createdAt"`
}

// MigrationRecord captures backing moved between backends.
type MigrationRecord struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Asset     string    `gorm:"size:32;index" json:"asset"`
	From      string    `gorm:"column:from_backend;size:64" json:"from"`
	To        string    `gorm:"column:to_backend;size:64" json:"to"`
	Requested string    `gorm:"size:80" json:"requested"`
	Received  string    `gorm:"size:80" json:"received"`
	Shortfall string    `gorm:"size:80" json:"shortfall"`
	Deposited string    `gorm:"size:80" json:"deposited"`
	Buffered  string    `gorm:"size:80" json:"buffered"`
	CreatedAt time.Time `gorm:"index" json:"createdAt"`
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Operation{},
		&RebaseRecord{},
		&MigrationRecord{},
	)
}

// Open connects to the configured database and migrates the schema.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("models: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("models: open %s: %w", driver, err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("models: migrate: %w", err)
	}
	return db, nil
}

// History lists operations for an asset, newest first. An empty account
// lists every account.
func History(ctx context.Context, db *gorm.DB, asset, account string, limit int) ([]Operation, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := db.WithContext(ctx).Where("asset = ?", asset)
	if account != "" {
		q = q.Where("account = ? OR counterparty = ?", account, account)
	}
	var ops []Operation
	if err := q.Order("created_at desc").Limit(limit).Find(&ops).Error; err != nil {
		return nil, err
	}
	return ops, nil
}

// Rebases lists recorded rebases for an asset, newest first.
func Rebases(ctx context.Context, db *gorm.DB, asset string, limit int) ([]RebaseRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []RebaseRecord
	err := db.WithContext(ctx).Where("asset = ?", asset).Order("created_at desc").Limit(limit).Find(&out).Error
	return out, err
}

// Migrations lists recorded migrations for an asset, newest first.
func Migrations(ctx context.Context, db *gorm.DB, asset string) ([]MigrationRecord, error) {
	var out []MigrationRecord
	err := db.WithContext(ctx).Where("asset = ?", asset).Order("created_at desc").Find(&out).Error
	return out, err
}
