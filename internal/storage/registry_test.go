package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultRegistry_StripAndTerms(t *testing.T) {
	registry := DefaultRegistry()

	pages, ok := registry.Collection("pages")
	if !ok {
		t.Fatal("pages collection missing")
	}
	if !pages.IsStrippedField("text") {
		t.Error("pages.text should be stripped from pushes")
	}
	if !pages.IsTermsField("titleTerms") {
		t.Error("pages.titleTerms should be a terms field")
	}
	if pages.IsTermsField("fullTitle") {
		t.Error("pages.fullTitle is not a terms field")
	}

	icons, ok := registry.Collection("icons")
	if !ok {
		t.Fatal("icons collection missing")
	}
	if !icons.IsStrippedField("payload") {
		t.Error("icons.payload should be stripped from pushes")
	}
}

func TestWhereByPK(t *testing.T) {
	registry := DefaultRegistry()

	pages, _ := registry.Collection("pages")
	where, err := pages.WhereByPK("example.com/a")
	if err != nil {
		t.Fatalf("WhereByPK() failed: %v", err)
	}
	if where["url"] != "example.com/a" {
		t.Errorf("where = %v, want url key", where)
	}

	visits, _ := registry.Collection("visits")
	where, err = visits.WhereByPK([]any{"example.com/a", int64(99)})
	if err != nil {
		t.Fatalf("WhereByPK() composite failed: %v", err)
	}
	if where["url"] != "example.com/a" || where["time"] != int64(99) {
		t.Errorf("composite where = %v", where)
	}

	if _, err := visits.WhereByPK("bare"); err == nil {
		t.Error("composite WhereByPK() accepted a bare value")
	}
}

func TestPKOf(t *testing.T) {
	registry := DefaultRegistry()

	visits, _ := registry.Collection("visits")
	pk, err := visits.PKOf(map[string]any{"url": "a", "time": int64(1)})
	if err != nil {
		t.Fatalf("PKOf() failed: %v", err)
	}
	values, ok := pk.([]any)
	if !ok || len(values) != 2 {
		t.Fatalf("PKOf() = %v, want two-value composite", pk)
	}

	if _, err := visits.PKOf(map[string]any{"url": "a"}); err == nil {
		t.Error("PKOf() accepted an object missing a key field")
	}
}

func TestSchemaVersion_IsNewestCollectionVersion(t *testing.T) {
	registry := DefaultRegistry()

	version := registry.SchemaVersion()
	if version.IsZero() {
		t.Fatal("SchemaVersion() is zero")
	}
	for _, name := range registry.Names() {
		coll, _ := registry.Collection(name)
		if coll.Version.After(version) {
			t.Errorf("collection %s is newer than SchemaVersion()", name)
		}
	}
}

func TestLoadRegistry_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	doc := `
collections:
  notes:
    version: 2024-03-01T00:00:00Z
    pk: [id]
    fields:
      id: string
      body: string
      createdAt: timestamp
    terms: [bodyTerms]
    strip: [body]
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	registry, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry() failed: %v", err)
	}

	notes, ok := registry.Collection("notes")
	if !ok {
		t.Fatal("notes collection missing")
	}
	want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if !notes.Version.Equal(want) {
		t.Errorf("version = %v, want %v", notes.Version, want)
	}
	if notes.Fields["createdAt"] != FieldTimestamp {
		t.Errorf("createdAt type = %v, want timestamp", notes.Fields["createdAt"])
	}
	if !notes.IsStrippedField("body") {
		t.Error("body should be stripped")
	}
}
