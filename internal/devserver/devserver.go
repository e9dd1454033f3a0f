// Package devserver is an in-memory reference implementation of the
// sync server protocol, for local development and end-to-end tests.
// It keeps every user's update log in memory, streams live pushes to
// the user's other devices and issues device tokens. Nothing is
// persisted; restarting the server resets all cursors.
package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/pagevault/pagevault/internal/cloud"
)

// Config configures a Server.
type Config struct {
	// TokenSecret signs issued device tokens.
	TokenSecret []byte

	// MediaThreshold is the field size in bytes above which a pushed
	// field is stripped and returned as an upload instruction
	// (default: 16 KiB).
	MediaThreshold int

	// Logger for server activity (default: stderr logger).
	Logger *log.Logger
}

// storedUpdate is one accepted update with its position in the user's
// log.
type storedUpdate struct {
	seq      int64
	deviceID string
	body     []byte // encoded update envelope
}

// userLog is one user's ordered update history plus their connected
// stream clients.
type userLog struct {
	mu      sync.Mutex
	nextSeq int64
	updates []storedUpdate
	streams map[*streamClient]struct{}
}

// Server implements the sync protocol in memory.
type Server struct {
	config Config
	logger *log.Logger
	router chi.Router

	mu    sync.Mutex
	users map[string]*userLog
}

// New creates a dev server.
func New(config Config) *Server {
	if config.MediaThreshold == 0 {
		config.MediaThreshold = 16 << 10
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[devserver] ", log.LstdFlags)
	}

	s := &Server{
		config: config,
		logger: config.Logger,
		users:  make(map[string]*userLog),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/auth/device", s.handleIssueDevice)
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/sync/push", s.handlePush)
		r.Get("/sync/bulk", s.handleBulk)
		r.Get("/sync/stream", s.handleStream)
		r.Get("/sync/usage", s.handleUsage)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) userLogFor(userID string) *userLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	ul, ok := s.users[userID]
	if !ok {
		ul = &userLog{nextSeq: 1, streams: make(map[*streamClient]struct{})}
		s.users[userID] = ul
	}
	return ul
}

type ctxKey int

const identityKey ctxKey = 0

type identity struct {
	userID   string
	deviceID string
}

// requireAuth validates the bearer token and stashes the caller's
// identity in the request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		claims := jwt.MapClaims{}
		_, err := jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})).ParseWithClaims(
			raw, claims, func(*jwt.Token) (any, error) { return s.config.TokenSecret, nil })
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		userID, _ := claims.GetSubject()
		if userID == "" {
			http.Error(w, "token has no subject", http.StatusUnauthorized)
			return
		}
		deviceID, _ := claims["dev"].(string)

		ctx := withIdentity(r.Context(), identity{userID: userID, deviceID: deviceID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func withIdentity(ctx context.Context, id identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func identityFrom(r *http.Request) identity {
	id, _ := r.Context().Value(identityKey).(identity)
	return id
}

type issueDeviceRequest struct {
	UserID string `json:"userId"`
}

type issueDeviceResponse struct {
	Token    string `json:"token"`
	DeviceID string `json:"deviceId"`
}

// handleIssueDevice mints a device identity for a user and returns a
// signed token carrying both.
func (s *Server) handleIssueDevice(w http.ResponseWriter, r *http.Request) {
	var req issueDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}

	deviceID := uuid.NewString()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": req.UserID,
		"dev": deviceID,
		"iat": time.Now().Unix(),
	})
	signed, err := token.SignedString(s.config.TokenSecret)
	if err != nil {
		http.Error(w, "failed to sign token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, issueDeviceResponse{Token: signed, DeviceID: deviceID})
}

type pushResponse struct {
	ClientInstructions []cloud.ClientInstruction `json:"clientInstructions"`
}

// handlePush appends a batch of updates to the caller's log, strips
// oversized fields into upload instructions and fans the batch out to
// the user's other connected devices.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)

	body, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	updates, err := cloud.DecodeUpdates(body)
	if err != nil {
		http.Error(w, fmt.Sprintf("malformed updates: %v", err), http.StatusBadRequest)
		return
	}

	var instructions []cloud.ClientInstruction
	accepted := make([]cloud.Update, 0, len(updates))
	for _, update := range updates {
		update, extracted := s.extractLargeFields(update)
		instructions = append(instructions, extracted...)
		accepted = append(accepted, update)
	}

	ul := s.userLogFor(id.userID)
	stored := make([]storedUpdate, 0, len(accepted))

	ul.mu.Lock()
	for _, update := range accepted {
		encoded, err := cloud.EncodeUpdate(update)
		if err != nil {
			ul.mu.Unlock()
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		stored = append(stored, storedUpdate{
			seq:      ul.nextSeq,
			deviceID: update.Info().DeviceID,
			body:     encoded,
		})
		ul.nextSeq++
	}
	ul.updates = append(ul.updates, stored...)
	streams := make([]*streamClient, 0, len(ul.streams))
	for client := range ul.streams {
		streams = append(streams, client)
	}
	ul.mu.Unlock()

	for _, client := range streams {
		client.notify()
	}

	writeJSON(w, pushResponse{ClientInstructions: instructions})
}

// extractLargeFields replaces oversized string fields of an overwrite
// update with upload instructions, the way the production server keeps
// bulk content out of the update log.
func (s *Server) extractLargeFields(update cloud.Update) (cloud.Update, []cloud.ClientInstruction) {
	overwrite, ok := update.(cloud.OverwriteUpdate)
	if !ok {
		return update, nil
	}

	var instructions []cloud.ClientInstruction
	for field, value := range overwrite.Object {
		text, ok := value.(string)
		if !ok || len(text) < s.config.MediaThreshold {
			continue
		}

		path := fmt.Sprintf("/%s/%s/%s", overwrite.Collection, uuid.NewString(), field)
		where := overwrite.Where
		if where == nil {
			where = map[string]any{}
			for k, v := range overwrite.Object {
				if k != field {
					where[k] = v
				}
			}
		}
		instructions = append(instructions, cloud.ClientInstruction{
			Storage:     overwrite.Storage,
			Collection:  overwrite.Collection,
			UploadWhere: where,
			UploadField: field,
			UploadPath:  path,
		})

		if overwrite.Media == nil {
			overwrite.Media = make(map[string]cloud.MediaRef)
		}
		overwrite.Media[field] = cloud.MediaRef{Path: path, Type: cloud.MediaText}
		delete(overwrite.Object, field)
	}
	return overwrite, instructions
}

type batchResponse struct {
	Batch    json.RawMessage `json:"batch"`
	LastSeen int64           `json:"lastSeen"`
}

// updatesAfter returns the caller-visible updates after the cursor:
// everything the user's other devices pushed.
func (ul *userLog) updatesAfter(since int64, excludeDevice string) ([]json.RawMessage, int64) {
	ul.mu.Lock()
	defer ul.mu.Unlock()

	var bodies []json.RawMessage
	lastSeen := since
	for _, u := range ul.updates {
		if u.seq <= since {
			continue
		}
		lastSeen = u.seq
		if excludeDevice != "" && u.deviceID == excludeDevice {
			continue
		}
		bodies = append(bodies, json.RawMessage(u.body))
	}
	return bodies, lastSeen
}

func encodeBatch(bodies []json.RawMessage, lastSeen int64) ([]byte, error) {
	batch, err := json.Marshal(bodies)
	if err != nil {
		return nil, err
	}
	if bodies == nil {
		batch = []byte("[]")
	}
	return json.Marshal(batchResponse{Batch: batch, LastSeen: lastSeen})
}

// handleBulk returns everything after the cursor in one response.
func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)

	ul := s.userLogFor(id.userID)
	bodies, lastSeen := ul.updatesAfter(since, id.deviceID)

	data, err := encodeBatch(bodies, lastSeen)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// handleUsage reports the user's stored update count as used blocks.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	ul := s.userLogFor(id.userID)

	ul.mu.Lock()
	used := len(ul.updates)
	ul.mu.Unlock()

	writeJSON(w, map[string]int{"usedBlocks": used})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Connection-level failure; nothing left to report to the peer.
		return
	}
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return data, nil
}
