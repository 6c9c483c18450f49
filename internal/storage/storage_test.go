package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/quantumlife/pulse/internal/core"
)

// testDB creates an in-memory database for testing
func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return db
}

var created = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func sampleRule(id string, priority int) core.Rule {
	return core.Rule{
		ID:             id,
		Name:           "Rule " + id,
		Enabled:        true,
		Priority:       priority,
		ConditionLogic: core.LogicAny,
		Conditions: []core.Condition{
			{Type: core.ConditionKeyword, Operator: core.OpContains, Value: core.ListValue("urgent", "asap")},
			{Type: core.ConditionTime, Operator: core.OpBetween, Value: core.RangeValue("18:00", "09:00")},
		},
		Actions: []core.Action{
			core.Reply("On it", 0),
			core.DelayResponse(30),
			core.Notify("Urgent", "", core.UrgencyHigh),
		},
		Schedule:  &core.Schedule{Enabled: true, StartTime: "08:00", EndTime: "20:00", Days: []string{"mon", "tue"}},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// =============================================================================
// DB Tests
// =============================================================================

func TestDB_Open_InMemory(t *testing.T) {
	db, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	if db.conn == nil {
		t.Error("db.conn should not be nil")
	}
	if !db.isMemory {
		t.Error("db.isMemory should be true for in-memory database")
	}
	if db.Driver() != DriverModernc {
		t.Errorf("Driver() = %q, want %q", db.Driver(), DriverModernc)
	}
}

func TestDB_Open_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "test.db")

	db, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	if db.isMemory {
		t.Error("db.isMemory should be false for file database")
	}
	if db.path != path {
		t.Errorf("db.path = %v, want %v", db.path, path)
	}
	if err := db.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestDB_Open_UnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "postgres", InMemory: true}); err == nil {
		t.Fatal("Open() with an unknown driver should fail")
	}
}

func TestDB_Open_CgoDriver(t *testing.T) {
	db, err := Open(Config{Driver: DriverCgo, InMemory: true})
	if err != nil {
		t.Skipf("cgo sqlite driver unavailable: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(context.Background()); err != nil {
		t.Skipf("cgo sqlite driver unavailable: %v", err)
	}

	store := NewRuleStore(db)
	ctx := context.Background()
	if err := store.SaveRule(ctx, sampleRule("cgo", 1)); err != nil {
		t.Fatalf("SaveRule() error = %v", err)
	}
	got, err := store.GetRule(ctx, "cgo")
	if err != nil {
		t.Fatalf("GetRule() error = %v", err)
	}
	if diff := cmp.Diff(sampleRule("cgo", 1), got); diff != "" {
		t.Errorf("rule mismatch (-want +got):\n%s", diff)
	}
}

func TestDB_Transaction(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	insert := func(tx *sql.Tx, id string) error {
		_, err := tx.Exec(`INSERT INTO notifications (id, title, created_at) VALUES (?, ?, ?)`,
			id, "title", FormatTime(created))
		return err
	}
	count := func(id string) int {
		var n int
		db.conn.QueryRow("SELECT COUNT(*) FROM notifications WHERE id = ?", id).Scan(&n)
		return n
	}

	t.Run("commit", func(t *testing.T) {
		err := db.Transaction(ctx, func(tx *sql.Tx) error { return insert(tx, "kept") })
		if err != nil {
			t.Fatalf("Transaction() error = %v", err)
		}
		if count("kept") != 1 {
			t.Error("Transaction should have committed the insert")
		}
	})

	t.Run("rollback", func(t *testing.T) {
		boom := errors.New("boom")
		err := db.Transaction(ctx, func(tx *sql.Tx) error {
			if err := insert(tx, "dropped"); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Transaction() error = %v, want %v", err, boom)
		}
		if count("dropped") != 0 {
			t.Error("Transaction should have rolled back the insert")
		}
	})
}

func TestDB_Migrate(t *testing.T) {
	db, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := db.Migrate(ctx); err != nil {
			t.Fatalf("Migrate() run %d error = %v", i+1, err)
		}
	}

	var applied int
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM _migrations").Scan(&applied); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	available, err := availableMigrations()
	if err != nil {
		t.Fatalf("availableMigrations() error = %v", err)
	}
	if applied != len(available) {
		t.Errorf("applied %d migrations, want %d", applied, len(available))
	}

	for _, table := range []string{"rules", "notifications"} {
		var name string
		err := db.conn.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestTimeColumns(t *testing.T) {
	ts := time.Date(2026, 6, 1, 9, 30, 15, 123456789, time.FixedZone("X", 3600))

	got, err := ParseTime(FormatTime(ts))
	if err != nil {
		t.Fatalf("ParseTime() error = %v", err)
	}
	if !got.Equal(ts) {
		t.Errorf("ParseTime(FormatTime()) = %v, want %v", got, ts)
	}

	if v := NullTime(nil); v.Valid {
		t.Error("NullTime(nil) should be NULL")
	}
	p, err := ParseNullTime(NullTime(&ts))
	if err != nil || p == nil || !p.Equal(ts) {
		t.Errorf("ParseNullTime() = %v, %v", p, err)
	}
}

// =============================================================================
// RuleStore Tests
// =============================================================================

func TestRuleStore_SaveAndList(t *testing.T) {
	store := NewRuleStore(testDB(t))
	ctx := context.Background()

	b := sampleRule("b", 1)
	a := sampleRule("a", 1)
	c := sampleRule("c", 0)
	c.Schedule = nil
	c.Enabled = false
	for _, r := range []core.Rule{b, a, c} {
		if err := store.SaveRule(ctx, r); err != nil {
			t.Fatalf("SaveRule(%s) error = %v", r.ID, err)
		}
	}

	got, err := store.ListRules(ctx)
	if err != nil {
		t.Fatalf("ListRules() error = %v", err)
	}
	if diff := cmp.Diff([]core.Rule{c, a, b}, got); diff != "" {
		t.Errorf("ListRules() mismatch (-want +got):\n%s", diff)
	}

	n, err := store.Count(ctx)
	if err != nil || n != 3 {
		t.Errorf("Count() = %d, %v; want 3", n, err)
	}
}

func TestRuleStore_SaveUpserts(t *testing.T) {
	store := NewRuleStore(testDB(t))
	ctx := context.Background()

	rule := sampleRule("r1", 5)
	if err := store.SaveRule(ctx, rule); err != nil {
		t.Fatalf("SaveRule() error = %v", err)
	}

	rule.Name = "Renamed"
	rule.Actions = []core.Action{core.Archive()}
	rule.UpdatedAt = created.Add(time.Hour)
	if err := store.SaveRule(ctx, rule); err != nil {
		t.Fatalf("SaveRule() update error = %v", err)
	}

	got, err := store.GetRule(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRule() error = %v", err)
	}
	if diff := cmp.Diff(rule, got); diff != "" {
		t.Errorf("GetRule() mismatch (-want +got):\n%s", diff)
	}
}

func TestRuleStore_GetMissing(t *testing.T) {
	store := NewRuleStore(testDB(t))

	_, err := store.GetRule(context.Background(), "nope")
	if !errors.Is(err, core.ErrRuleNotFound) {
		t.Errorf("GetRule() error = %v, want ErrRuleNotFound", err)
	}
}

func TestRuleStore_RecordTrigger(t *testing.T) {
	store := NewRuleStore(testDB(t))
	ctx := context.Background()

	if err := store.SaveRule(ctx, sampleRule("r1", 1)); err != nil {
		t.Fatalf("SaveRule() error = %v", err)
	}
	fired := created.Add(2 * time.Hour)
	if err := store.RecordTrigger(ctx, "r1", 7, fired); err != nil {
		t.Fatalf("RecordTrigger() error = %v", err)
	}

	got, err := store.GetRule(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRule() error = %v", err)
	}
	if got.TriggerCount != 7 {
		t.Errorf("TriggerCount = %d, want 7", got.TriggerCount)
	}
	if got.LastTriggeredAt == nil || !got.LastTriggeredAt.Equal(fired) {
		t.Errorf("LastTriggeredAt = %v, want %v", got.LastTriggeredAt, fired)
	}

	if err := store.RecordTrigger(ctx, "missing", 1, fired); !errors.Is(err, core.ErrRuleNotFound) {
		t.Errorf("RecordTrigger(missing) error = %v, want ErrRuleNotFound", err)
	}
}

func TestRuleStore_Delete(t *testing.T) {
	store := NewRuleStore(testDB(t))
	ctx := context.Background()

	if err := store.SaveRule(ctx, sampleRule("r1", 1)); err != nil {
		t.Fatalf("SaveRule() error = %v", err)
	}
	if err := store.DeleteRule(ctx, "r1"); err != nil {
		t.Fatalf("DeleteRule() error = %v", err)
	}
	if err := store.DeleteRule(ctx, "r1"); err != nil {
		t.Errorf("DeleteRule() twice error = %v", err)
	}
	if _, err := store.GetRule(ctx, "r1"); !errors.Is(err, core.ErrRuleNotFound) {
		t.Errorf("GetRule() after delete error = %v", err)
	}
}

func TestRuleStore_UndecodableRowsFailClosed(t *testing.T) {
	db := testDB(t)
	store := NewRuleStore(db)
	ctx := context.Background()

	_, err := db.conn.Exec(`
		INSERT INTO rules (id, name, conditions, actions, schedule, created_at, updated_at)
		VALUES ('broken', 'Broken', '{"not":"a list"}', '[{"type":"teleport","config":{}}]', 'garbage', ?, ?)
	`, FormatTime(created), FormatTime(created))
	if err != nil {
		t.Fatalf("insert broken row: %v", err)
	}

	got, err := store.GetRule(ctx, "broken")
	if err != nil {
		t.Fatalf("GetRule() error = %v", err)
	}
	if len(got.Conditions) != 0 || len(got.Actions) != 0 {
		t.Errorf("broken JSON should decode to no conditions/actions, got %+v", got)
	}
	if got.Schedule == nil || !got.Schedule.Enabled {
		t.Fatalf("broken schedule should be kept enabled, got %+v", got.Schedule)
	}
}
