package database

import (
	"testing"
)

func TestNewDatabaseMigrates(t *testing.T) {
	db, err := NewDatabase("file:migrations_test?mode=memory&cache=shared", false)
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}

	for _, table := range []string{"entries", "external_transfers", "order_records", "trade_records", "idempotency_records"} {
		if !db.Migrator().HasTable(table) {
			t.Errorf("table %s missing", table)
		}
	}
	for table, idx := range map[string]string{
		"entries":             "idx_entries_kind",
		"order_records":       "idx_order_records_user_sequence",
		"idempotency_records": "idx_idempotency_records_expires_at",
	} {
		if !db.Migrator().HasIndex(table, idx) {
			t.Errorf("index %s on %s missing", idx, table)
		}
	}

	// migrations are safe to run twice
	if _, err := NewDatabase("file:migrations_test?mode=memory&cache=shared", false); err != nil {
		t.Errorf("second NewDatabase: %v", err)
	}
}
