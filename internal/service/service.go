package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pagepass/server/internal/models"
	"github.com/pagepass/server/internal/notify"
	"github.com/pagepass/server/internal/repository"
	"github.com/pagepass/server/internal/utils"
	"golang.org/x/crypto/bcrypt"
)

// Circulation thresholds. All comparisons go through the injected Clock.
const (
	loanPeriod         = 30 * 24 * time.Hour
	offerTimeout       = 48 * time.Hour
	handoffReminder1   = 48 * time.Hour
	handoffReminder2   = 96 * time.Hour
	softReminderFirst  = 21 * 24 * time.Hour
	softReminderRepeat = 14 * 24 * time.Hour

	// A waiter's third pass demotes them to position 2 instead of
	// advancing past them.
	demotionPassCount = 3
	demotedPosition   = 2
)

// Service defines all the business logic operations
type Service interface {
	// Authentication
	SignUp(ctx context.Context, req models.SignUpRequest) (*models.AuthResponse, error)
	Login(ctx context.Context, req models.LoginRequest) (*models.AuthResponse, error)

	// Shelf operations
	AddBook(ctx context.Context, ownerID string, req models.AddBookRequest) (*models.BookSnapshot, error)
	RemoveBook(ctx context.Context, userID, bookID string) (*models.BookSnapshot, error)
	GetBook(ctx context.Context, bookID string) (*models.BookSnapshot, error)
	ListBooks(ctx context.Context) ([]models.Book, error)

	// Circulation commands
	RequestBorrow(ctx context.Context, bookID, requesterID string) (*models.BookSnapshot, error)
	JoinQueue(ctx context.Context, bookID, userID string) (*models.BookSnapshot, error)
	LeaveQueue(ctx context.Context, bookID, userID string) (*models.BookSnapshot, error)
	RecallBook(ctx context.Context, bookID, userID string) (*models.BookSnapshot, error)
	CancelRecall(ctx context.Context, bookID, userID string) (*models.BookSnapshot, error)
	ReadyToPass(ctx context.Context, bookID, userID string) (*models.BookSnapshot, error)
	StillReading(ctx context.Context, bookID, userID string) (*models.BookSnapshot, error)
	AcceptOffer(ctx context.Context, bookID, userID string) (*models.BookSnapshot, error)
	PassOffer(ctx context.Context, bookID, userID, reason string) (*models.BookSnapshot, error)
	ConfirmHandoff(ctx context.Context, handoffID, userID, party string) (*models.BookSnapshot, error)

	// Sweep entry points, intended for periodic invocation
	RunOfferTimeoutSweep(ctx context.Context) (int, error)
	RunReminderSweep(ctx context.Context) (int, error)
}

// DefaultService implements the Service interface
type DefaultService struct {
	repo          repository.Repository
	notifier      notify.Notifier
	clock         Clock
	logger        *utils.Logger
	jwtSecret     []byte
	tokenDuration time.Duration
}

// NewDefaultService creates a new DefaultService
func NewDefaultService(repo repository.Repository, notifier notify.Notifier, clock Clock, logger *utils.Logger, jwtSecret string) Service {
	return &DefaultService{
		repo:          repo,
		notifier:      notifier,
		clock:         clock,
		logger:        logger,
		jwtSecret:     []byte(jwtSecret),
		tokenDuration: 24 * time.Hour, // 24 hours token validity
	}
}

// Authentication methods
func (s *DefaultService) SignUp(ctx context.Context, req models.SignUpRequest) (*models.AuthResponse, error) {
	// Check if user already exists
	existingUser, err := s.repo.GetUserByEmail(ctx, req.Email)
	if err != nil {
		return nil, fmt.Errorf("error checking user existence: %w", err)
	}

	if existingUser != nil {
		return nil, ErrEmailTaken
	}

	// Hash the password
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("error hashing password: %w", err)
	}

	// Create the user
	user := &models.User{
		ID:       uuid.New().String(),
		Email:    req.Email,
		Name:     req.Name,
		Password: string(hashedPassword),
	}

	if err := s.repo.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("error creating user: %w", err)
	}

	return &models.AuthResponse{
		Status: "success",
		UserID: user.ID,
		Email:  user.Email,
		Name:   user.Name,
	}, nil
}

func (s *DefaultService) Login(ctx context.Context, req models.LoginRequest) (*models.AuthResponse, error) {
	// Get the user
	user, err := s.repo.GetUserByEmail(ctx, req.Email)
	if err != nil {
		return nil, fmt.Errorf("error getting user: %w", err)
	}

	if user == nil {
		return nil, errors.New("invalid email or password")
	}

	// Verify password
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		return nil, errors.New("invalid email or password")
	}

	// Generate JWT token
	token, err := s.generateJWT(user)
	if err != nil {
		return nil, fmt.Errorf("error generating token: %w", err)
	}

	return &models.AuthResponse{
		Status:    "success",
		UserID:    user.ID,
		Token:     token,
		ExpiresIn: int(s.tokenDuration.Seconds()),
	}, nil
}

// Helper methods
func (s *DefaultService) generateJWT(user *models.User) (string, error) {
	expirationTime := time.Now().Add(s.tokenDuration)

	claims := jwt.MapClaims{
		"sub": user.ID, // subject
		"exp": expirationTime.Unix(),
		"iat": time.Now().Unix(), // issued at
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// note is a notification queued during a transaction and delivered after
// commit, so delivery can never affect the state transition.
type note struct {
	userID  string
	kind    string
	payload map[string]string
}

func (s *DefaultService) send(ctx context.Context, notes []note) {
	for _, n := range notes {
		s.notifier.Notify(ctx, n.userID, n.kind, n.payload)
	}
}

// snapshot assembles the caller-facing view of a book: custody fields,
// the queue in position order, and the open handoff if any.
func (s *DefaultService) snapshot(ctx context.Context, repo repository.Repository, bookID string) (*models.BookSnapshot, error) {
	book, err := repo.GetBook(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("error getting book: %w", err)
	}
	if book == nil {
		return nil, ErrBookNotFound
	}

	queue, err := repo.GetQueue(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("error getting queue: %w", err)
	}

	openHandoff, err := repo.GetOpenHandoffByBook(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("error getting open handoff: %w", err)
	}

	return &models.BookSnapshot{
		Status:      "success",
		Book:        *book,
		Queue:       queue,
		OpenHandoff: openHandoff,
	}, nil
}
