package main

import (
	"bytes"
	"errors"
	"log"
	"os"
	"strings"
	"testing"

	"gorm.io/gorm"

	"github.com/KAsare1/medibook-server/config"
	"github.com/KAsare1/medibook-server/db/dbtest"
)

func TestRunWithDB_ClosesOnce(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name    string
		fnErr   error
		wantErr error
	}{
		{"success", nil, nil},
		{"command error", boom, boom},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			gdb := dbtest.New(t)

			var buf bytes.Buffer
			log.SetOutput(&buf)
			t.Cleanup(func() { log.SetOutput(os.Stderr) })

			err := runWithDB(config.Config{}, gdb, func(_ config.Config, DB *gorm.DB) error {
				if DB != gdb {
					t.Fatal("command got a different pool")
				}
				return tc.fnErr
			})
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if n := strings.Count(buf.String(), "Database connection closed"); n != 1 {
				t.Fatalf("close logged %d times, want 1: %q", n, buf.String())
			}
			sqlDB, _ := gdb.DB()
			if err := sqlDB.Ping(); err == nil {
				t.Fatal("connection still open after the command")
			}
		})
	}
}
