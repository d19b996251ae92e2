package db

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/zulandar/mimic/internal/config"
	"github.com/zulandar/mimic/internal/models"
)

func mysqlCfg(host string, port int, name string) config.DatabaseConfig {
	return config.DatabaseConfig{Driver: "mysql", Host: host, Port: port, User: "root", Name: name}
}

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.DatabaseConfig
		want string
	}{
		{
			name: "default local",
			cfg:  mysqlCfg("127.0.0.1", 3306, "mimic"),
			want: "root@tcp(127.0.0.1:3306)/mimic?parseTime=true",
		},
		{
			name: "custom host and port",
			cfg:  mysqlCfg("10.0.0.5", 3307, "mimic_prod"),
			want: "root@tcp(10.0.0.5:3307)/mimic_prod?parseTime=true",
		},
		{
			name: "with password",
			cfg:  config.DatabaseConfig{Driver: "mysql", Host: "db.internal", Port: 3306, User: "mimic", Password: "s3cret", Name: "mimic"},
			want: "mimic:s3cret@tcp(db.internal:3306)/mimic?parseTime=true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DSN(tt.cfg); got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDialector_UnknownDriver(t *testing.T) {
	_, err := Dialector(config.DatabaseConfig{Driver: "postgres"})
	if err == nil || !strings.Contains(err.Error(), "unsupported driver") {
		t.Errorf("error = %v, want unsupported driver", err)
	}
}

func TestAllModels_Count(t *testing.T) {
	if n := len(AllModels()); n != 5 {
		t.Errorf("AllModels() returned %d models, want 5", n)
	}
}

func TestConnectAndMigrate_SQLite(t *testing.T) {
	cfg := config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "mimic.db")}
	db, err := ConnectAndMigrate(cfg)
	if err != nil {
		t.Fatalf("ConnectAndMigrate: %v", err)
	}
	for _, m := range AllModels() {
		if !db.Migrator().HasTable(m) {
			t.Errorf("table for %T not created", m)
		}
	}

	run := models.BuildRun{ID: "run-1", Source: "_chat.txt", Target: "Usuyus", Policy: "ratio"}
	if err := db.Create(&run).Error; err != nil {
		t.Fatalf("create run: %v", err)
	}
	var got models.BuildRun
	if err := db.First(&got, "id = ?", "run-1").Error; err != nil {
		t.Fatalf("read run: %v", err)
	}
	if got.Target != "Usuyus" {
		t.Errorf("Target = %q", got.Target)
	}

	// Migrating twice is a no-op.
	if err := AutoMigrate(db); err != nil {
		t.Errorf("second AutoMigrate: %v", err)
	}
}

func TestConnect_MySQLError(t *testing.T) {
	// Port 1 is unlikely to have a MySQL server.
	_, err := Connect(mysqlCfg("127.0.0.1", 1, "nonexistent"))
	if err == nil {
		t.Fatal("expected error connecting to invalid port")
	}
	if !strings.Contains(err.Error(), "db: connect to mysql 127.0.0.1:1/nonexistent") {
		t.Errorf("error = %q", err.Error())
	}
}
