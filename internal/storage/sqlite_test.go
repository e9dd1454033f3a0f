package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

// testStore opens a store on a temporary database with the default
// registry and initialized schema.
func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(path, DefaultRegistry())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return store
}

func testPage(url string) map[string]any {
	return map[string]any{
		"url":       url,
		"fullUrl":   "https://" + url,
		"fullTitle": "Title of " + url,
		"text":      "body text",
	}
}

func TestCreateObject_Roundtrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.CreateObject(ctx, "pages", testPage("example.com/a")); err != nil {
		t.Fatalf("CreateObject() failed: %v", err)
	}

	got, err := store.GetByPK(ctx, "pages", "example.com/a")
	if err != nil {
		t.Fatalf("GetByPK() failed: %v", err)
	}
	if got["fullTitle"] != "Title of example.com/a" {
		t.Errorf("fullTitle = %v, want %q", got["fullTitle"], "Title of example.com/a")
	}
}

func TestGetByPK_NotFound(t *testing.T) {
	store := testStore(t)

	_, err := store.GetByPK(context.Background(), "pages", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByPK() error = %v, want ErrNotFound", err)
	}
}

func TestUpdateObject_MergesFields(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.CreateObject(ctx, "pages", testPage("example.com/a")); err != nil {
		t.Fatalf("CreateObject() failed: %v", err)
	}
	if err := store.UpdateObject(ctx, "pages", "example.com/a", map[string]any{
		"fullTitle": "Renamed",
	}); err != nil {
		t.Fatalf("UpdateObject() failed: %v", err)
	}

	got, err := store.GetByPK(ctx, "pages", "example.com/a")
	if err != nil {
		t.Fatalf("GetByPK() failed: %v", err)
	}
	if got["fullTitle"] != "Renamed" {
		t.Errorf("fullTitle = %v, want %q", got["fullTitle"], "Renamed")
	}
	if got["text"] != "body text" {
		t.Errorf("text = %v, want untouched original", got["text"])
	}
}

func TestChangeNotifications_LocalMutationsOnly(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	var events []ChangeEvent
	store.OnPostChange(func(ctx context.Context, event ChangeEvent) {
		events = append(events, event)
	})

	if err := store.CreateObject(ctx, "pages", testPage("example.com/a")); err != nil {
		t.Fatalf("CreateObject() failed: %v", err)
	}
	if err := store.UpdateObject(ctx, "pages", "example.com/a", map[string]any{"lang": "en"}); err != nil {
		t.Fatalf("UpdateObject() failed: %v", err)
	}
	if err := store.DeleteObject(ctx, "pages", "example.com/a"); err != nil {
		t.Fatalf("DeleteObject() failed: %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("got %d change events, want 3", len(events))
	}
	wantTypes := []ChangeType{ChangeCreate, ChangeModify, ChangeDelete}
	for i, want := range wantTypes {
		if events[i].Changes[0].Type != want {
			t.Errorf("event %d type = %v, want %v", i, events[i].Changes[0].Type, want)
		}
	}

	// Remote integration must not echo back into the change stream.
	events = nil
	if err := store.WriteIncoming(ctx, "pages", testPage("example.com/b"), nil); err != nil {
		t.Fatalf("WriteIncoming() failed: %v", err)
	}
	if err := store.DeleteObjects(ctx, "pages", map[string]any{"url": "example.com/b"}); err != nil {
		t.Fatalf("DeleteObjects() failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("remote writes raised %d change events, want 0", len(events))
	}
}

func TestWriteIncoming_WhereReplacesRowWithDifferentKey(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.WriteIncoming(ctx, "pages", testPage("example.com/old"), nil); err != nil {
		t.Fatalf("WriteIncoming() failed: %v", err)
	}

	replacement := testPage("example.com/new")
	where := map[string]any{"url": "example.com/old"}
	if err := store.WriteIncoming(ctx, "pages", replacement, where); err != nil {
		t.Fatalf("WriteIncoming() with where failed: %v", err)
	}

	if _, err := store.GetByPK(ctx, "pages", "example.com/old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old row still present, err = %v", err)
	}
	if _, err := store.GetByPK(ctx, "pages", "example.com/new"); err != nil {
		t.Errorf("new row missing: %v", err)
	}
}

func TestFindObjects_Where(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for _, url := range []string{"a.com/1", "a.com/2", "b.com/1"} {
		page := testPage(url)
		page["domain"] = url[:5]
		if err := store.CreateObject(ctx, "pages", page); err != nil {
			t.Fatalf("CreateObject() failed: %v", err)
		}
	}

	got, err := store.FindObjects(ctx, "pages", map[string]any{"domain": "a.com"})
	if err != nil {
		t.Fatalf("FindObjects() failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %d objects, want 2", len(got))
	}

	all, err := store.FindObjects(ctx, "pages", nil)
	if err != nil {
		t.Fatalf("FindObjects(nil) failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("got %d objects, want 3", len(all))
	}
}

func TestCompositePK_Roundtrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	visit := map[string]any{"url": "example.com/a", "time": int64(1234), "duration": int64(5)}
	if err := store.CreateObject(ctx, "visits", visit); err != nil {
		t.Fatalf("CreateObject() failed: %v", err)
	}

	got, err := store.GetByPK(ctx, "visits", []any{"example.com/a", int64(1234)})
	if err != nil {
		t.Fatalf("GetByPK() composite failed: %v", err)
	}
	if got["duration"] != float64(5) && got["duration"] != int64(5) {
		t.Errorf("duration = %v (%T), want 5", got["duration"], got["duration"])
	}

	if err := store.DeleteObject(ctx, "visits", []any{"example.com/a", int64(1234)}); err != nil {
		t.Fatalf("DeleteObject() composite failed: %v", err)
	}
	if _, err := store.GetByPK(ctx, "visits", []any{"example.com/a", int64(1234)}); !errors.Is(err, ErrNotFound) {
		t.Errorf("composite row still present, err = %v", err)
	}
}

func TestSettings_UnsetReturnsZeroValues(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	settings := NewSettings(store.RawDB())
	if err := settings.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	if got, err := settings.GetString(ctx, SettingDeviceID); err != nil || got != "" {
		t.Errorf("GetString(unset) = %q, %v; want \"\", nil", got, err)
	}
	if got, err := settings.GetInt64(ctx, SettingLastSeen); err != nil || got != 0 {
		t.Errorf("GetInt64(unset) = %d, %v; want 0, nil", got, err)
	}
	if got, err := settings.GetBool(ctx, SettingIsSetUp); err != nil || got {
		t.Errorf("GetBool(unset) = %v, %v; want false, nil", got, err)
	}

	if err := settings.Set(ctx, SettingLastSeen, int64(42)); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if got, _ := settings.GetInt64(ctx, SettingLastSeen); got != 42 {
		t.Errorf("GetInt64() = %d, want 42", got)
	}
}
