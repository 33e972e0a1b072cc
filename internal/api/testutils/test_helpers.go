package testutils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pagepass/server/internal/api"
	"github.com/pagepass/server/internal/config"
	"github.com/pagepass/server/internal/models"
	"github.com/pagepass/server/internal/repository"
	"github.com/pagepass/server/internal/service"
	"github.com/pagepass/server/internal/utils"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// FakeClock is a manually advanced Clock so tests can cross the offer and
// reminder thresholds without waiting.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// NotifyEvent is one recorded notification.
type NotifyEvent struct {
	UserID  string
	Kind    string
	Payload map[string]string
}

// RecordingNotifier captures notifications for assertions.
type RecordingNotifier struct {
	mu     sync.Mutex
	events []NotifyEvent
}

func (n *RecordingNotifier) Notify(_ context.Context, userID, kind string, payload map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, NotifyEvent{UserID: userID, Kind: kind, Payload: payload})
}

// Events returns a copy of everything recorded so far.
func (n *RecordingNotifier) Events() []NotifyEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]NotifyEvent(nil), n.events...)
}

// CountByKind returns how many notifications of the given kind were sent
// to the given user.
func (n *RecordingNotifier) CountByKind(userID, kind string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, e := range n.events {
		if e.UserID == userID && e.Kind == kind {
			count++
		}
	}
	return count
}

// TestContext holds all dependencies for tests
type TestContext struct {
	Router     *gin.Engine
	Repository repository.Repository
	Service    service.Service
	JWTSecret  []byte
	DB         *sqlx.DB
	Clock      *FakeClock
	Notifier   *RecordingNotifier
}

// SetupTestContext creates a new test context with initialized dependencies
func SetupTestContext(t *testing.T) *TestContext {
	// Load configuration from environment
	cfg := config.LoadConfig()

	// Override with test-specific config
	if cfg.Database.DBName == "pagepass" && cfg.Database.TestDBName != "" {
		cfg.Database.DBName = cfg.Database.TestDBName
	} else if cfg.Database.TestDBName == "" {
		// Fallback to hardcoded test DB if not in environment
		cfg.Database.DBName = "pagepass_test"
	}

	// Use a test JWT secret
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = "test-secret-key"
	}

	// Set up database
	db, err := config.SetupDatabase(cfg)
	require.NoError(t, err, "Failed to set up test database")

	// Create repository
	repo := repository.NewPostgresRepository(db)
	cleanupTestDatabase(t, repo)

	// Create service with a fake clock and a recording notifier
	clock := NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	notifier := &RecordingNotifier{}
	svc := service.NewDefaultService(repo, notifier, clock, utils.NewLogger(), cfg.Auth.JWTSecret)

	// Create API handler
	handler := api.NewHandler(svc)

	// Set up Gin router
	gin.SetMode(gin.TestMode)
	router := gin.Default()

	// Add middleware for JWT secret
	router.Use(func(c *gin.Context) {
		c.Set("jwtSecret", []byte(cfg.Auth.JWTSecret))
		c.Next()
	})

	// Set up routes
	handler.SetupRoutes(router)

	return &TestContext{
		Router:     router,
		Repository: repo,
		Service:    svc,
		JWTSecret:  []byte(cfg.Auth.JWTSecret),
		DB:         db,
		Clock:      clock,
		Notifier:   notifier,
	}
}

// CleanupTestContext cleans up test resources
func CleanupTestContext(t *TestContext) {
	if t.DB != nil {
		cleanupTestDatabase(nil, t.Repository)
		t.DB.Close()
	}
}

// cleanupTestDatabase removes any existing test users and data
func cleanupTestDatabase(t *testing.T, repo repository.Repository) {
	// Execute cleanup SQL directly through the DB connection
	if pgRepo, ok := repo.(*repository.PostgresRepository); ok {
		db := pgRepo.GetDB()

		tables := []string{"queue_entries", "handoff_confirmations", "books", "users"}
		for _, table := range tables {
			_, err := db.Exec("DELETE FROM " + table)
			if t != nil && err != nil {
				t.Logf("Warning: Failed to clean %s: %v", table, err)
			}
		}
	}
}

// NewUser creates a user directly in the repository and returns the id and
// a valid bearer token. Circulation tests need several of these.
func (tc *TestContext) NewUser(t *testing.T, name string) (string, string) {
	hashedPassword, _ := bcrypt.GenerateFromPassword([]byte("testpassword"), bcrypt.DefaultCost)

	user := &models.User{
		ID:       uuid.New().String(),
		Email:    fmt.Sprintf("%s-%s@example.com", name, uuid.New().String()[:8]),
		Name:     name,
		Password: string(hashedPassword),
	}

	err := tc.Repository.CreateUser(context.Background(), user)
	require.NoError(t, err, "Failed to create test user")

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": user.ID,
		"exp": time.Now().Add(24 * time.Hour).Unix(),
		"iat": time.Now().Unix(),
	})

	tokenString, err := token.SignedString(tc.JWTSecret)
	require.NoError(t, err, "Failed to generate JWT token")

	return user.ID, tokenString
}

// AddBook puts a book on the owner's shelf through the API and returns its id.
func (tc *TestContext) AddBook(t *testing.T, ownerToken, title string, giftOnBorrow bool) string {
	w := PerformRequest(tc.Router, http.MethodPost, "/api/books", models.AddBookRequest{
		Title:        title,
		Author:       "Test Author",
		GiftOnBorrow: giftOnBorrow,
	}, AuthHeaders(ownerToken))
	require.Equal(t, http.StatusOK, w.Code, "Failed to add book: %s", w.Body.String())

	var snapshot models.BookSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snapshot))
	return snapshot.Book.ID
}

// GetSnapshot fetches the current book snapshot through the API.
func (tc *TestContext) GetSnapshot(t *testing.T, token, bookID string) models.BookSnapshot {
	w := PerformRequest(tc.Router, http.MethodGet, "/api/books/"+bookID, nil, AuthHeaders(token))
	require.Equal(t, http.StatusOK, w.Code, "Failed to get book: %s", w.Body.String())

	var snapshot models.BookSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snapshot))
	return snapshot
}

// Confirm confirms a handoff as the given party through the API.
func (tc *TestContext) Confirm(t *testing.T, token, handoffID, party string) models.BookSnapshot {
	w := PerformRequest(tc.Router, http.MethodPost, "/api/handoffs/"+handoffID+"/confirm",
		models.ConfirmHandoffRequest{Party: party}, AuthHeaders(token))
	require.Equal(t, http.StatusOK, w.Code, "Failed to confirm handoff: %s", w.Body.String())

	var snapshot models.BookSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snapshot))
	return snapshot
}

// PerformRequest executes an HTTP request against the router
func PerformRequest(r http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer

	if body != nil {
		jsonBody, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(jsonBody)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, _ := http.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// AuthHeaders returns headers with Authorization token
func AuthHeaders(token string) map[string]string {
	return map[string]string{
		"Authorization": fmt.Sprintf("Bearer %s", token),
	}
}
