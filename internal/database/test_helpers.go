package database

import (
	"path/filepath"
	"testing"

	"gorm.io/gorm"
)

// OpenForTest opens a migrated sqlite database in a temp dir that is closed
// when the test finishes.
func OpenForTest(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := Open(Options{
		Path:   filepath.Join(t.TempDir(), "test.db"),
		Silent: true,
	})
	if err != nil {
		t.Fatalf("Failed to init database: %v", err)
	}
	t.Cleanup(func() { Close(db) })
	return db
}

// SeedAccount creates an account with the given balance and one instance in
// the given status. The instance's proxy secret is "secret-" + name.
func SeedAccount(t testing.TB, db *gorm.DB, name string, creditsCents int64, status string) (*Account, *Instance) {
	t.Helper()
	acct := &Account{ID: "acct-" + name, Email: name + "@example.com"}
	if err := db.Create(acct).Error; err != nil {
		t.Fatalf("create account: %v", err)
	}
	if err := db.Create(&Balance{AccountID: acct.ID, CreditsCents: creditsCents}).Error; err != nil {
		t.Fatalf("create balance: %v", err)
	}
	inst := &Instance{
		ID:          "inst-" + name,
		AccountID:   acct.ID,
		Name:        name,
		Status:      status,
		Model:       "claude-sonnet-4-5",
		ProxySecret: "secret-" + name,
		BillingMode: BillingPlatform,
	}
	if err := db.Create(inst).Error; err != nil {
		t.Fatalf("create instance: %v", err)
	}
	return acct, inst
}
