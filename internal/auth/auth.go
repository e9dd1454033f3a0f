// Package auth supplies the sync engine's view of authentication
// state: who the current user is, which device identity was issued to
// this installation, and a stream of change notifications whenever
// either of those moves.
//
// The concrete provider watches a token file on disk. The file holds a
// single JWT issued at sign-in; an empty or missing file means signed
// out. Parsing is unverified: the token is only an identity hint for
// the local engine, the backend verifies it on every call.
package auth

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/golang-jwt/jwt/v5"
)

// deviceClaim is the JWT claim carrying the backend-issued device id.
const deviceClaim = "dev"

// Change is one authentication-state transition. An empty UserID means
// the user signed out. DeviceID carries the device identity current at
// the time of the change.
type Change struct {
	UserID   string
	DeviceID string
}

// Provider is the engine-facing authentication surface.
type Provider interface {
	// Changes returns the stream of authentication-state transitions.
	Changes() <-chan Change

	// CurrentUserID returns the signed-in user, or "" if signed out.
	CurrentUserID(ctx context.Context) (string, error)

	// CurrentDeviceID returns the device identity issued to this
	// installation, or "" if none has been issued yet.
	CurrentDeviceID(ctx context.Context) (string, error)

	// Token returns the raw credential for backend calls, or "" if
	// signed out.
	Token(ctx context.Context) (string, error)
}

// TokenStore is a file-backed Provider. It loads the token once at
// start and re-reads it whenever the file changes on disk.
type TokenStore struct {
	path    string
	logger  *log.Logger
	watcher *fsnotify.Watcher
	changes chan Change

	mu       sync.RWMutex
	token    string
	userID   string
	deviceID string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTokenStore creates a token store for the given file path.
// If logger is nil, a default logger writing to stderr is used.
func NewTokenStore(path string, logger *log.Logger) *TokenStore {
	if logger == nil {
		logger = log.New(os.Stderr, "[auth] ", log.LstdFlags)
	}
	return &TokenStore{
		path:    path,
		logger:  logger,
		changes: make(chan Change, 16),
	}
}

// Start loads the current token and begins watching the file for
// changes. The watch runs until ctx is cancelled or Close is called.
func (s *TokenStore) Start(ctx context.Context) error {
	if err := s.reload(false); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the parent directory: sign-in replaces the file
	// atomically, which a file-level watch would lose.
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch token directory: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.watcher = watcher
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.watchLoop(ctx)
	return nil
}

// Close stops the file watcher.
func (s *TokenStore) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

func (s *TokenStore) watchLoop(ctx context.Context) {
	defer close(s.done)
	defer s.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.reload(true); err != nil {
				s.logger.Printf("Warning: failed to reload token: %v", err)
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Printf("Watcher error: %v", err)
		}
	}
}

// reload re-reads the token file and, when the identity changed and
// notify is set, emits a change notification.
func (s *TokenStore) reload(notify bool) error {
	raw, err := os.ReadFile(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read token file: %w", err)
	}

	token := strings.TrimSpace(string(raw))
	userID, deviceID := "", ""
	if token != "" {
		userID, deviceID, err = ParseIdentity(token)
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	changed := userID != s.userID || deviceID != s.deviceID
	s.token = token
	s.userID = userID
	s.deviceID = deviceID
	s.mu.Unlock()

	if !notify || !changed {
		return nil
	}

	change := Change{UserID: userID, DeviceID: deviceID}
	select {
	case s.changes <- change:
	default:
		s.logger.Println("Warning: change channel full, dropping notification")
	}
	return nil
}

// Changes implements Provider.
func (s *TokenStore) Changes() <-chan Change {
	return s.changes
}

// CurrentUserID implements Provider.
func (s *TokenStore) CurrentUserID(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID, nil
}

// Token implements Provider.
func (s *TokenStore) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

// CurrentDeviceID implements Provider. The device id is the one
// carried by the current token.
func (s *TokenStore) CurrentDeviceID(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceID, nil
}

// ParseIdentity extracts the user id (subject) and device id claims
// from a JWT without verifying its signature.
func ParseIdentity(token string) (userID, deviceID string, err error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return "", "", fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", fmt.Errorf("unexpected claims type %T", parsed.Claims)
	}

	userID, err = claims.GetSubject()
	if err != nil {
		return "", "", fmt.Errorf("failed to read subject claim: %w", err)
	}
	if dev, ok := claims[deviceClaim].(string); ok {
		deviceID = dev
	}
	return userID, deviceID, nil
}
