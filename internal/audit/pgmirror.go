package audit

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type auditRow struct {
	ID            uint      `gorm:"primaryKey;column:id"`
	Kind          string    `gorm:"column:kind;index"`
	Pair          string    `gorm:"column:pair;index"`
	CorrelationID string    `gorm:"column:correlation_id;index"`
	At            time.Time `gorm:"column:at;index"`
	Payload       string    `gorm:"column:payload;type:jsonb"`
}

func (auditRow) TableName() string { return "audit_records" }

// PGMirror copies audit records into Postgres for querying. The JSONL files
// stay the source of truth.
type PGMirror struct {
	db *gorm.DB
}

// PGMirrorFromEnv connects using AUDIT_PG_DSN.
func PGMirrorFromEnv() (*PGMirror, error) {
	dsn := os.Getenv("AUDIT_PG_DSN")
	if dsn == "" {
		return nil, errors.New("AUDIT_PG_DSN is not set")
	}
	return OpenPGMirror(dsn)
}

func OpenPGMirror(dsn string) (*PGMirror, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&auditRow{}); err != nil {
		return nil, err
	}
	return &PGMirror{db: db}, nil
}

func (m *PGMirror) Mirror(ctx context.Context, r Record) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	row := auditRow{Kind: string(r.Kind), Pair: r.Pair, At: r.At, Payload: string(payload), CorrelationID: correlationID(r)}
	return m.db.WithContext(ctx).Create(&row).Error
}

// Count returns the number of mirrored records of kind.
func (m *PGMirror) Count(ctx context.Context, kind Kind) (int64, error) {
	var n int64
	err := m.db.WithContext(ctx).Model(&auditRow{}).Where("kind = ?", string(kind)).Count(&n).Error
	return n, err
}

func (m *PGMirror) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func correlationID(r Record) string {
	switch {
	case r.Ledger != nil && r.Ledger.Order != nil:
		return r.Ledger.Order.CorrelationID
	case r.Ledger != nil && r.Ledger.Update != nil:
		return r.Ledger.Update.CorrelationID
	case r.Ledger != nil:
		return r.Ledger.CorrelationID
	case r.Discrepancy != nil:
		return r.Discrepancy.CorrelationID
	}
	return ""
}
