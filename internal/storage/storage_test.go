package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/hifadhi/internal/plugin"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := OpenSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "hifadhi.db")}, logger)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func TestStoreDriverAndPing(t *testing.T) {
	st := openTestStore(t)
	if st.Driver() != "sqlite" {
		t.Errorf("driver = %q", st.Driver())
	}
	if err := st.Ping(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}
}

func TestPluginCRUD(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	p := &plugin.Plugin{Name: "s3-backup", Source: "function enumerate() end"}
	if err := st.Plugins().Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.ID == uuid.Nil {
		t.Fatal("create must assign an id")
	}

	got, err := st.Plugins().Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "s3-backup" || got.Source != p.Source {
		t.Errorf("got %+v", got)
	}

	got.Source = "function enumerate() emit_item_id('x') end"
	if err := st.Plugins().Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, err := st.Plugins().Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if again.Source != got.Source {
		t.Error("update not persisted")
	}

	list, err := st.Plugins().List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("list = %d entries, want 1", len(list))
	}

	if err := st.Plugins().Delete(ctx, p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.Plugins().Get(ctx, p.ID); !errors.Is(err, plugin.ErrNotFound) {
		t.Errorf("get after delete = %v, want ErrNotFound", err)
	}
}

func TestPluginNotFoundMapping(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.Plugins().Get(ctx, uuid.New()); !errors.Is(err, plugin.ErrNotFound) {
		t.Errorf("get = %v, want ErrNotFound", err)
	}
	if err := st.Plugins().Delete(ctx, uuid.New()); !errors.Is(err, plugin.ErrNotFound) {
		t.Errorf("delete = %v, want ErrNotFound", err)
	}
	if err := st.Plugins().Update(ctx, &plugin.Plugin{ID: uuid.New(), Name: "ghost"}); !errors.Is(err, plugin.ErrNotFound) {
		t.Errorf("update = %v, want ErrNotFound", err)
	}
}

func TestPluginNameUnique(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.Plugins().Create(ctx, &plugin.Plugin{Name: "dup", Source: "x = 1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.Plugins().Create(ctx, &plugin.Plugin{Name: "dup", Source: "x = 2"}); err == nil {
		t.Error("duplicate name should be rejected")
	}
}

func TestRunRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	p := &plugin.Plugin{Name: "gdrive", Source: "function enumerate() end"}
	if err := st.Plugins().Create(ctx, p); err != nil {
		t.Fatalf("create plugin: %v", err)
	}

	started := time.Now().UTC().Truncate(time.Second)
	run := &plugin.Run{
		ID:         uuid.New(),
		PluginID:   p.ID,
		PluginName: p.Name,
		Status:     plugin.RunRunning,
		StartedAt:  started,
	}
	if err := st.Runs().Create(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	finished := started.Add(3 * time.Second)
	run.Status = plugin.RunCompleted
	run.Discovered = 2
	run.Fetched = 1
	run.Skipped = 1
	run.Items = []plugin.ItemResult{
		{ItemID: "a", Status: plugin.ItemFetched, Name: "a.txt", Path: "/a", Size: 10},
		{ItemID: "b", Status: plugin.ItemSkipped, Reason: "descriptor has no checksum"},
	}
	run.FinishedAt = &finished
	if err := st.Runs().Update(ctx, run); err != nil {
		t.Fatalf("update run: %v", err)
	}

	got, err := st.Runs().Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != plugin.RunCompleted || got.Discovered != 2 || got.Fetched != 1 || got.Skipped != 1 {
		t.Errorf("got %+v", got)
	}
	if len(got.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(got.Items))
	}
	if got.Items[1].Reason != "descriptor has no checksum" {
		t.Errorf("item log lost detail: %+v", got.Items[1])
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt not persisted")
	}
}

func TestRunListByPlugin(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	p := &plugin.Plugin{Name: "dropbox", Source: "function enumerate() end"}
	if err := st.Plugins().Create(ctx, p); err != nil {
		t.Fatalf("create plugin: %v", err)
	}

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		run := &plugin.Run{
			ID:        uuid.New(),
			PluginID:  p.ID,
			Status:    plugin.RunCompleted,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := st.Runs().Create(ctx, run); err != nil {
			t.Fatalf("create run %d: %v", i, err)
		}
	}

	runs, err := st.Runs().ListByPlugin(ctx, p.ID, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("list = %d entries, want 2", len(runs))
	}
	if runs[0].StartedAt.Before(runs[1].StartedAt) {
		t.Error("runs should come back newest first")
	}

	other, err := st.Runs().ListByPlugin(ctx, uuid.New(), 0)
	if err != nil {
		t.Fatalf("list other: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("unrelated plugin got %d runs", len(other))
	}
}

func TestRunNotFound(t *testing.T) {
	st := openTestStore(t)
	if _, err := st.Runs().Get(context.Background(), uuid.New()); !errors.Is(err, plugin.ErrNotFound) {
		t.Errorf("get = %v, want ErrNotFound", err)
	}
}
