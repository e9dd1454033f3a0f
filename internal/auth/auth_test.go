package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// signToken issues an HS256 token with the given identity. The secret
// is irrelevant: the store parses unverified.
func signToken(t *testing.T, userID, deviceID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"dev": deviceID,
		"iat": time.Now().Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("SignedString() failed: %v", err)
	}
	return signed
}

// writeToken replaces the token file atomically, the way sign-in does.
func writeToken(t *testing.T, path, token string) {
	t.Helper()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(token), 0600); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("Rename() failed: %v", err)
	}
}

func startStore(t *testing.T, path string) *TokenStore {
	t.Helper()
	store := NewTokenStore(path, nil)
	if err := store.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func waitForChange(t *testing.T, store *TokenStore) Change {
	t.Helper()
	select {
	case change := <-store.Changes():
		return change
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a change notification")
		return Change{}
	}
}

func TestParseIdentity(t *testing.T) {
	token := signToken(t, "user-1", "device-1")

	userID, deviceID, err := ParseIdentity(token)
	if err != nil {
		t.Fatalf("ParseIdentity() failed: %v", err)
	}
	if userID != "user-1" {
		t.Errorf("userID = %q, want %q", userID, "user-1")
	}
	if deviceID != "device-1" {
		t.Errorf("deviceID = %q, want %q", deviceID, "device-1")
	}
}

func TestParseIdentity_Garbage(t *testing.T) {
	if _, _, err := ParseIdentity("not-a-token"); err == nil {
		t.Error("ParseIdentity() accepted garbage")
	}
}

func TestTokenStore_LoadsExistingToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	writeToken(t, path, signToken(t, "user-1", "device-1"))

	store := startStore(t, path)
	ctx := context.Background()

	userID, err := store.CurrentUserID(ctx)
	if err != nil {
		t.Fatalf("CurrentUserID() failed: %v", err)
	}
	if userID != "user-1" {
		t.Errorf("CurrentUserID() = %q, want %q", userID, "user-1")
	}
	deviceID, err := store.CurrentDeviceID(ctx)
	if err != nil {
		t.Fatalf("CurrentDeviceID() failed: %v", err)
	}
	if deviceID != "device-1" {
		t.Errorf("CurrentDeviceID() = %q, want %q", deviceID, "device-1")
	}
}

func TestTokenStore_MissingFileMeansSignedOut(t *testing.T) {
	store := startStore(t, filepath.Join(t.TempDir(), "token"))

	userID, err := store.CurrentUserID(context.Background())
	if err != nil {
		t.Fatalf("CurrentUserID() failed: %v", err)
	}
	if userID != "" {
		t.Errorf("CurrentUserID() = %q, want signed out", userID)
	}
	token, err := store.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() failed: %v", err)
	}
	if token != "" {
		t.Errorf("Token() = %q, want empty", token)
	}
}

func TestTokenStore_NotifiesOnSignIn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	store := startStore(t, path)

	writeToken(t, path, signToken(t, "user-2", "device-2"))

	change := waitForChange(t, store)
	if change.UserID != "user-2" || change.DeviceID != "device-2" {
		t.Errorf("change = %+v, want user-2/device-2", change)
	}

	userID, _ := store.CurrentUserID(context.Background())
	if userID != "user-2" {
		t.Errorf("CurrentUserID() = %q, want %q", userID, "user-2")
	}
}

func TestTokenStore_NotifiesOnSignOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	writeToken(t, path, signToken(t, "user-1", "device-1"))
	store := startStore(t, path)

	// Sign-out truncates the file.
	writeToken(t, path, "")

	change := waitForChange(t, store)
	if change.UserID != "" {
		t.Errorf("change.UserID = %q, want signed out", change.UserID)
	}
}
