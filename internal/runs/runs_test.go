package runs

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/mimic/internal/dataset"
	"github.com/zulandar/mimic/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	// Every pooled connection to :memory: is a separate database.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.BuildRun{}, &models.Example{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	return db
}

func sampleExamples() []dataset.TrainingData {
	sys := dataset.SystemTurn("be Usuyus")
	q := dataset.ChatMessage{Role: dataset.RoleUser, Content: "naber", Name: "Eray"}
	a := dataset.ChatMessage{Role: dataset.RoleAssistant, Content: "iyi", Name: "Usuyus"}
	return []dataset.TrainingData{
		{Turns: []dataset.ChatMessage{sys, q, a}},
		{Turns: []dataset.ChatMessage{sys, q, a, q, a}},
	}
}

func sampleRecord() Record {
	return Record{
		Source:   "_chat.txt",
		Target:   "Usuyus",
		Policy:   "ratio",
		Messages: 120,
		Groups:   40,
		Contexts: 9,
		Accepted: 2,
		Rejected: map[string]int{"no target turn": 6, "mention": 1},
		Examples: sampleExamples(),
	}
}

func TestSave_NilDB(t *testing.T) {
	_, err := Save(nil, sampleRecord())
	if err == nil || !strings.Contains(err.Error(), "db is required") {
		t.Errorf("error = %v", err)
	}
}

func TestSave_AndReadBack(t *testing.T) {
	db := openTestDB(t)
	run, err := Save(db, sampleRecord())
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if len(run.ID) != 36 {
		t.Errorf("ID = %q, want a uuid", run.ID)
	}
	if run.Examples != 2 {
		t.Errorf("Examples = %d, want 2", run.Examples)
	}

	got, err := Get(db, run.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Target != "Usuyus" || got.Messages != 120 {
		t.Errorf("Get = %+v", got)
	}
	rej, err := Rejections(got)
	if err != nil {
		t.Fatalf("Rejections: %v", err)
	}
	if rej["no target turn"] != 6 || rej["mention"] != 1 {
		t.Errorf("Rejections = %v", rej)
	}

	rows, err := Examples(db, run.ID)
	if err != nil {
		t.Fatalf("Examples: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	if rows[1].Position != 1 || rows[1].Turns != 5 || rows[1].AssistantTurns != 2 {
		t.Errorf("rows[1] = %+v", rows[1])
	}

	ds, err := Dataset(db, run.ID, false)
	if err != nil {
		t.Fatalf("Dataset: %v", err)
	}
	if len(ds) != 2 || ds[0].Turns[1].Content != "naber" {
		t.Errorf("Dataset = %+v", ds)
	}
}

func TestGet_NotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := Get(db, "missing")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %v, want not found", err)
	}
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error %v does not wrap ErrNotFound", err)
	}
}

func TestRejections(t *testing.T) {
	got, err := Rejections(&models.BuildRun{ID: "r1"})
	if err != nil || len(got) != 0 {
		t.Errorf("empty column = %v, %v; want empty map", got, err)
	}

	_, err = Rejections(&models.BuildRun{ID: "r2", Rejected: "{not json"})
	if err == nil {
		t.Fatal("expected error for corrupt rejected column")
	}
	if !strings.Contains(err.Error(), "decode rejections of r2") {
		t.Errorf("error = %v", err)
	}
}

func TestList_NewestFirst(t *testing.T) {
	db := openTestDB(t)
	old := models.BuildRun{ID: "old", Source: "a", Target: "T", Policy: "all", CreatedAt: time.Now().Add(-time.Hour)}
	recent := models.BuildRun{ID: "new", Source: "b", Target: "T", Policy: "all", CreatedAt: time.Now()}
	if err := db.Create(&old).Error; err != nil {
		t.Fatal(err)
	}
	if err := db.Create(&recent).Error; err != nil {
		t.Fatal(err)
	}

	list, err := List(db, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != "new" {
		t.Errorf("List = %+v", list)
	}
	limited, _ := List(db, 1)
	if len(limited) != 1 {
		t.Errorf("List(1) len = %d", len(limited))
	}
}

func TestFlag(t *testing.T) {
	db := openTestDB(t)
	run, err := Save(db, sampleRecord())
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := Flag(db, run.ID, 0, []string{"harassment", "hate"}); err != nil {
		t.Fatalf("Flag: %v", err)
	}

	rows, _ := Examples(db, run.ID)
	if !rows[0].Flagged || rows[0].Categories != "harassment,hate" {
		t.Errorf("rows[0] = %+v", rows[0])
	}
	if rows[1].Flagged {
		t.Error("rows[1] flagged")
	}

	clean, _ := Dataset(db, run.ID, false)
	if len(clean) != 1 {
		t.Errorf("Dataset without flagged = %d, want 1", len(clean))
	}
	all, _ := Dataset(db, run.ID, true)
	if len(all) != 2 {
		t.Errorf("Dataset with flagged = %d, want 2", len(all))
	}

	if err := Flag(db, run.ID, 99, nil); err == nil {
		t.Error("expected error for missing example")
	}
}
