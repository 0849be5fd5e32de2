package db

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { Close(gdb) })
	return gdb
}

func TestAutoMigrate_CreatesTables(t *testing.T) {
	gdb := openTestDB(t)
	for _, model := range Tables() {
		if !gdb.Migrator().HasTable(model) {
			t.Fatalf("expected table for %T", model)
		}
	}
}

func TestDropAll_RemovesTables(t *testing.T) {
	gdb := openTestDB(t)
	if err := DropAll(gdb); err != nil {
		t.Fatalf("DropAll: %v", err)
	}
	for _, model := range Tables() {
		if gdb.Migrator().HasTable(model) {
			t.Fatalf("table for %T still exists", model)
		}
	}
}

func TestClose_LogsOnce(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	var buf bytes.Buffer
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	Close(gdb)
	if n := strings.Count(buf.String(), "Database connection closed"); n != 1 {
		t.Fatalf("close logged %d times, want 1: %q", n, buf.String())
	}
	sqlDB, _ := gdb.DB()
	if err := sqlDB.Ping(); err == nil {
		t.Fatal("connection still open after Close")
	}
}
