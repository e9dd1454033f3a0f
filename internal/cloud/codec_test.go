package cloud

import (
	"context"
	"testing"
	"time"
)

func TestActionCodec_Roundtrip(t *testing.T) {
	version := time.Date(2023, 5, 2, 0, 0, 0, 0, time.UTC)
	action := PushObjectAction{Updates: []Update{
		OverwriteUpdate{
			UpdateInfo: UpdateInfo{
				Collection:    "pages",
				SchemaVersion: version,
				DeviceID:      "dev-1",
				AppVersion:    "0.4.0",
			},
			Object: map[string]any{"url": "example.com/a", "fullTitle": "A"},
			Media:  map[string]MediaRef{"text": {Path: "/pages/x/text", Type: MediaText}},
		},
		DeleteUpdate{
			UpdateInfo: UpdateInfo{Collection: "pages", SchemaVersion: version, DeviceID: "dev-1"},
			Where:      map[string]any{"url": "example.com/b"},
		},
	}}

	body, err := EncodeAction(action)
	if err != nil {
		t.Fatalf("EncodeAction() failed: %v", err)
	}
	decoded, err := DecodeAction(body)
	if err != nil {
		t.Fatalf("DecodeAction() failed: %v", err)
	}

	push, ok := decoded.(PushObjectAction)
	if !ok {
		t.Fatalf("decoded type = %T, want PushObjectAction", decoded)
	}
	if len(push.Updates) != 2 {
		t.Fatalf("decoded %d updates, want 2", len(push.Updates))
	}

	overwrite, ok := push.Updates[0].(OverwriteUpdate)
	if !ok {
		t.Fatalf("update 0 type = %T, want OverwriteUpdate", push.Updates[0])
	}
	if overwrite.Object["url"] != "example.com/a" {
		t.Errorf("object url = %v", overwrite.Object["url"])
	}
	if ref := overwrite.Media["text"]; ref.Path != "/pages/x/text" || ref.Type != MediaText {
		t.Errorf("media ref = %+v", ref)
	}
	if !overwrite.SchemaVersion.Equal(version) {
		t.Errorf("schema version = %v, want %v", overwrite.SchemaVersion, version)
	}

	del, ok := push.Updates[1].(DeleteUpdate)
	if !ok {
		t.Fatalf("update 1 type = %T, want DeleteUpdate", push.Updates[1])
	}
	if del.Where["url"] != "example.com/b" {
		t.Errorf("delete where = %v", del.Where)
	}
}

func TestInstructionsCodec_Roundtrip(t *testing.T) {
	action := ExecuteInstructionsAction{Instructions: []ClientInstruction{{
		Collection:   "docContent",
		Storage:      TierPersistent,
		UploadWhere:  map[string]any{"url": "example.com/a"},
		UploadField:  "content",
		UploadPath:   "/doc/abc/content",
		UploadAsJSON: true,
	}}}

	body, err := EncodeAction(action)
	if err != nil {
		t.Fatalf("EncodeAction() failed: %v", err)
	}
	decoded, err := DecodeAction(body)
	if err != nil {
		t.Fatalf("DecodeAction() failed: %v", err)
	}

	instructions, ok := decoded.(ExecuteInstructionsAction)
	if !ok {
		t.Fatalf("decoded type = %T, want ExecuteInstructionsAction", decoded)
	}
	got := instructions.Instructions[0]
	if got.UploadPath != "/doc/abc/content" || !got.UploadAsJSON || got.Storage != TierPersistent {
		t.Errorf("instruction = %+v", got)
	}
}

func TestDecodeAction_UnknownType(t *testing.T) {
	if _, err := DecodeAction([]byte(`{"type":"mystery"}`)); err == nil {
		t.Error("DecodeAction() accepted an unknown type")
	}
	if _, err := DecodeAction([]byte(`not json`)); err == nil {
		t.Error("DecodeAction() accepted malformed JSON")
	}
}

func TestUpdateInfo_TierDefaultsToNormal(t *testing.T) {
	if got := (UpdateInfo{}).Tier(); got != TierNormal {
		t.Errorf("Tier() = %v, want normal", got)
	}
	if got := (UpdateInfo{Storage: TierPersistent}).Tier(); got != TierPersistent {
		t.Errorf("Tier() = %v, want persistent", got)
	}
}

func TestPrepareUpload(t *testing.T) {
	payload, contentType, err := PrepareUpload("hello", false, "")
	if err != nil {
		t.Fatalf("PrepareUpload(string) failed: %v", err)
	}
	if string(payload) != "hello" || contentType != "text/plain" {
		t.Errorf("got %q, %q", payload, contentType)
	}

	payload, contentType, err = PrepareUpload(map[string]any{"a": 1}, true, "")
	if err != nil {
		t.Fatalf("PrepareUpload(json) failed: %v", err)
	}
	if string(payload) != `{"a":1}` || contentType != "application/json" {
		t.Errorf("got %q, %q", payload, contentType)
	}

	if _, _, err := PrepareUpload(42, false, ""); err == nil {
		t.Error("PrepareUpload() accepted a non-blob non-string value")
	}
	if _, _, err := PrepareUpload(nil, false, ""); err == nil {
		t.Error("PrepareUpload() accepted nil")
	}
}

func TestCoerceDownloaded(t *testing.T) {
	if got, err := CoerceDownloaded([]byte("text"), MediaText); err != nil || got != "text" {
		t.Errorf("CoerceDownloaded(text) = %v, %v", got, err)
	}

	got, err := CoerceDownloaded([]byte(`{"k":"v"}`), MediaJSON)
	if err != nil {
		t.Fatalf("CoerceDownloaded(json) failed: %v", err)
	}
	parsed, ok := got.(map[string]any)
	if !ok || parsed["k"] != "v" {
		t.Errorf("CoerceDownloaded(json) = %v", got)
	}

	if _, err := CoerceDownloaded([]byte("not json"), MediaJSON); err == nil {
		t.Error("CoerceDownloaded() accepted malformed JSON")
	}

	raw, err := CoerceDownloaded([]byte{1, 2}, MediaBlob)
	if err != nil {
		t.Fatalf("CoerceDownloaded(blob) failed: %v", err)
	}
	if b, ok := raw.([]byte); !ok || len(b) != 2 {
		t.Errorf("CoerceDownloaded(blob) = %v", raw)
	}
}

func TestPipelineMutex_WaitObservesQuiescence(t *testing.T) {
	m := newPipelineMutex()
	ctx := context.Background()

	release, err := m.Lock(ctx)
	if err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}

	waited := make(chan error, 1)
	go func() { waited <- m.Wait(ctx) }()

	select {
	case <-waited:
		t.Fatal("Wait() returned while the mutex was held")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	if err := <-waited; err != nil {
		t.Fatalf("Wait() failed: %v", err)
	}

	// Wait must not keep the mutex.
	if _, err := m.Lock(ctx); err != nil {
		t.Fatalf("Lock() after Wait() failed: %v", err)
	}
}

func TestPipelineMutex_LockHonorsContext(t *testing.T) {
	m := newPipelineMutex()
	release, err := m.Lock(context.Background())
	if err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := m.Lock(ctx); err == nil {
		t.Error("Lock() succeeded on a held mutex with an expired context")
	}
}
