package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pagepass/server/internal/models"
)

// ErrStaleState is returned when a conditional write found the row in a
// different state than the caller expected. The caller must re-read and
// report the actual outcome.
var ErrStaleState = errors.New("stale state: row changed since it was read")

// Repository interface defines the methods that any repository implementation must satisfy
type Repository interface {
	// User operations
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)

	// Transactions. The repository passed to fn is bound to the transaction;
	// per-book row locks taken inside it are held until fn returns.
	WithTx(ctx context.Context, fn func(Repository) error) error

	// Book operations
	CreateBook(ctx context.Context, book *models.Book) error
	GetBook(ctx context.Context, bookID string) (*models.Book, error)
	GetBookForUpdate(ctx context.Context, bookID string) (*models.Book, error)
	UpdateBookCustody(ctx context.Context, book *models.Book, expectedStatus string) error
	ListBooks(ctx context.Context) ([]models.Book, error)
	ListBooksByStatus(ctx context.Context, status string) ([]models.Book, error)
	StampSoftReminder(ctx context.Context, bookID string, prev *time.Time, now time.Time) (bool, error)

	// Queue operations
	GetQueue(ctx context.Context, bookID string) ([]models.QueueEntry, error)
	GetQueueEntry(ctx context.Context, bookID, userID string) (*models.QueueEntry, error)
	InsertQueueEntry(ctx context.Context, entry *models.QueueEntry) error
	RemoveQueueEntry(ctx context.Context, bookID, userID string) (bool, error)
	SetQueuePassCount(ctx context.Context, bookID, userID string, passCount int) error
	MoveQueueEntry(ctx context.Context, bookID, userID string, newPosition int) error

	// Handoff operations
	CreateHandoff(ctx context.Context, handoff *models.HandoffConfirmation) error
	GetHandoff(ctx context.Context, handoffID string) (*models.HandoffConfirmation, error)
	GetHandoffForUpdate(ctx context.Context, handoffID string) (*models.HandoffConfirmation, error)
	GetOpenHandoffByBook(ctx context.Context, bookID string) (*models.HandoffConfirmation, error)
	ListOpenHandoffs(ctx context.Context) ([]models.HandoffConfirmation, error)
	UpdateOpenHandoff(ctx context.Context, handoff *models.HandoffConfirmation) error
	StampHandoffReminder(ctx context.Context, handoffID, column string, at time.Time) (bool, error)
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx, so repository methods
// work identically inside and outside a transaction.
type queryer interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// PostgresRepository implements the Repository interface using PostgreSQL
type PostgresRepository struct {
	db *sqlx.DB
	q  queryer
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{
		db: db,
		q:  db,
	}
}

// GetDB returns the underlying database connection
func (r *PostgresRepository) GetDB() *sqlx.DB {
	return r.db
}

// WithTx runs fn with a transaction-bound repository. The transaction is
// rolled back if fn returns an error and committed otherwise.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(Repository) error) error {
	if _, inTx := r.q.(*sqlx.Tx); inTx {
		// Already transactional; nest logically, not physically.
		return fn(r)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			tx.Rollback()
			return
		}
	}()

	txRepo := &PostgresRepository{db: r.db, q: tx}
	if err = fn(txRepo); err != nil {
		return err
	}

	return tx.Commit()
}

// User repository methods
func (r *PostgresRepository) CreateUser(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (id, email, name, password, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	// Generate a new UUID if not provided
	if user.ID == "" {
		user.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := r.q.ExecContext(ctx, query,
		user.ID, user.Email, user.Name, user.Password, user.CreatedAt, user.UpdatedAt)

	return err
}

func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT * FROM users WHERE email = $1`

	var user models.User
	err := r.q.GetContext(ctx, &user, query, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // User not found
		}
		return nil, err
	}

	return &user, nil
}

func (r *PostgresRepository) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT * FROM users WHERE id = $1`

	var user models.User
	err := r.q.GetContext(ctx, &user, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // User not found
		}
		return nil, err
	}

	return &user, nil
}

// Book repository methods
func (r *PostgresRepository) CreateBook(ctx context.Context, book *models.Book) error {
	query := `
		INSERT INTO books (id, title, author, owner_id, status, current_borrower_id,
			next_recipient_id, due_date, borrowed_at, owner_recall_active, offered_at,
			last_soft_reminder_at, gift_on_borrow, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	if book.ID == "" {
		book.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	book.CreatedAt = now
	book.UpdatedAt = now

	_, err := r.q.ExecContext(ctx, query,
		book.ID, book.Title, book.Author, book.OwnerID, book.Status,
		book.CurrentBorrowerID, book.NextRecipientID, book.DueDate, book.BorrowedAt,
		book.OwnerRecallActive, book.OfferedAt, book.LastSoftReminderAt,
		book.GiftOnBorrow, book.CreatedAt, book.UpdatedAt)

	return err
}

func (r *PostgresRepository) GetBook(ctx context.Context, bookID string) (*models.Book, error) {
	query := `SELECT * FROM books WHERE id = $1`

	var book models.Book
	err := r.q.GetContext(ctx, &book, query, bookID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Book not found
		}
		return nil, err
	}

	return &book, nil
}

// GetBookForUpdate locks the book row for the rest of the transaction. All
// custody mutations for a book are serialized through this lock.
func (r *PostgresRepository) GetBookForUpdate(ctx context.Context, bookID string) (*models.Book, error) {
	if _, inTx := r.q.(*sqlx.Tx); !inTx {
		return nil, errors.New("GetBookForUpdate requires a transaction")
	}

	query := `SELECT * FROM books WHERE id = $1 FOR UPDATE`

	var book models.Book
	err := r.q.GetContext(ctx, &book, query, bookID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Book not found
		}
		return nil, err
	}

	return &book, nil
}

// UpdateBookCustody writes the book's custody fields, conditioned on the
// status the caller read. Returns ErrStaleState if another transition got
// there first.
func (r *PostgresRepository) UpdateBookCustody(ctx context.Context, book *models.Book, expectedStatus string) error {
	query := `
		UPDATE books
		SET status = $1, owner_id = $2, current_borrower_id = $3,
			next_recipient_id = $4, due_date = $5, borrowed_at = $6,
			owner_recall_active = $7, offered_at = $8, last_soft_reminder_at = $9,
			gift_on_borrow = $10, updated_at = $11
		WHERE id = $12 AND status = $13
	`

	book.UpdatedAt = time.Now().UTC()

	result, err := r.q.ExecContext(ctx, query,
		book.Status, book.OwnerID, book.CurrentBorrowerID, book.NextRecipientID,
		book.DueDate, book.BorrowedAt, book.OwnerRecallActive, book.OfferedAt,
		book.LastSoftReminderAt, book.GiftOnBorrow, book.UpdatedAt,
		book.ID, expectedStatus)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrStaleState
	}

	return nil
}

func (r *PostgresRepository) ListBooks(ctx context.Context) ([]models.Book, error) {
	query := `SELECT * FROM books WHERE status <> 'off_shelf' ORDER BY created_at`

	var books []models.Book
	err := r.q.SelectContext(ctx, &books, query)
	if err != nil {
		return nil, err
	}

	return books, nil
}

func (r *PostgresRepository) ListBooksByStatus(ctx context.Context, status string) ([]models.Book, error) {
	query := `SELECT * FROM books WHERE status = $1 ORDER BY created_at`

	var books []models.Book
	err := r.q.SelectContext(ctx, &books, query, status)
	if err != nil {
		return nil, err
	}

	return books, nil
}

// StampSoftReminder records a soft reminder, conditioned on the previous
// reminder timestamp so overlapping sweep runs stamp at most once.
func (r *PostgresRepository) StampSoftReminder(ctx context.Context, bookID string, prev *time.Time, now time.Time) (bool, error) {
	query := `
		UPDATE books
		SET last_soft_reminder_at = $1, updated_at = $1
		WHERE id = $2 AND status = 'borrowed'
			AND last_soft_reminder_at IS NOT DISTINCT FROM $3
	`

	result, err := r.q.ExecContext(ctx, query, now, bookID, prev)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows > 0, nil
}

// Queue repository methods
func (r *PostgresRepository) GetQueue(ctx context.Context, bookID string) ([]models.QueueEntry, error) {
	query := `SELECT * FROM queue_entries WHERE book_id = $1 ORDER BY position`

	var entries []models.QueueEntry
	err := r.q.SelectContext(ctx, &entries, query, bookID)
	if err != nil {
		return nil, err
	}

	return entries, nil
}

func (r *PostgresRepository) GetQueueEntry(ctx context.Context, bookID, userID string) (*models.QueueEntry, error) {
	query := `SELECT * FROM queue_entries WHERE book_id = $1 AND user_id = $2`

	var entry models.QueueEntry
	err := r.q.GetContext(ctx, &entry, query, bookID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not queued
		}
		return nil, err
	}

	return &entry, nil
}

// InsertQueueEntry appends the entry at the next free position and fills
// Position and JoinedAt on the passed entry.
func (r *PostgresRepository) InsertQueueEntry(ctx context.Context, entry *models.QueueEntry) error {
	query := `
		INSERT INTO queue_entries (book_id, user_id, position, pass_count, joined_at)
		VALUES ($1, $2,
			(SELECT COALESCE(MAX(position), 0) + 1 FROM queue_entries WHERE book_id = $1::varchar),
			$3, $4)
		RETURNING position
	`

	entry.JoinedAt = time.Now().UTC()

	err := r.q.QueryRowxContext(ctx, query,
		entry.BookID, entry.UserID, entry.PassCount, entry.JoinedAt).Scan(&entry.Position)
	if err != nil {
		return fmt.Errorf("error inserting queue entry: %w", err)
	}

	return nil
}

// RemoveQueueEntry deletes the entry and compacts the positions behind it
// so the sequence stays dense.
func (r *PostgresRepository) RemoveQueueEntry(ctx context.Context, bookID, userID string) (bool, error) {
	var position int
	err := r.q.QueryRowxContext(ctx,
		`DELETE FROM queue_entries WHERE book_id = $1 AND user_id = $2 RETURNING position`,
		bookID, userID).Scan(&position)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil // Not queued
		}
		return false, err
	}

	_, err = r.q.ExecContext(ctx,
		`UPDATE queue_entries SET position = position - 1 WHERE book_id = $1 AND position > $2`,
		bookID, position)
	if err != nil {
		return false, err
	}

	return true, nil
}

func (r *PostgresRepository) SetQueuePassCount(ctx context.Context, bookID, userID string, passCount int) error {
	query := `UPDATE queue_entries SET pass_count = $1 WHERE book_id = $2 AND user_id = $3`

	_, err := r.q.ExecContext(ctx, query, passCount, bookID, userID)
	return err
}

// MoveQueueEntry moves the entry to newPosition and shifts the entries in
// between by one, keeping positions dense. Relies on the deferred unique
// constraint on (book_id, position).
func (r *PostgresRepository) MoveQueueEntry(ctx context.Context, bookID, userID string, newPosition int) error {
	var oldPosition int
	err := r.q.GetContext(ctx, &oldPosition,
		`SELECT position FROM queue_entries WHERE book_id = $1 AND user_id = $2`,
		bookID, userID)
	if err != nil {
		return err
	}

	if oldPosition == newPosition {
		return nil
	}

	if newPosition < oldPosition {
		_, err = r.q.ExecContext(ctx,
			`UPDATE queue_entries SET position = position + 1
			WHERE book_id = $1 AND position >= $2 AND position < $3`,
			bookID, newPosition, oldPosition)
	} else {
		_, err = r.q.ExecContext(ctx,
			`UPDATE queue_entries SET position = position - 1
			WHERE book_id = $1 AND position > $2 AND position <= $3`,
			bookID, oldPosition, newPosition)
	}
	if err != nil {
		return err
	}

	_, err = r.q.ExecContext(ctx,
		`UPDATE queue_entries SET position = $1 WHERE book_id = $2 AND user_id = $3`,
		newPosition, bookID, userID)

	return err
}

// Handoff repository methods
func (r *PostgresRepository) CreateHandoff(ctx context.Context, handoff *models.HandoffConfirmation) error {
	query := `
		INSERT INTO handoff_confirmations (id, book_id, giver_id, receiver_id,
			giver_confirmed_at, receiver_confirmed_at, both_confirmed_at,
			reminder_48h_sent_at, reminder_96h_sent_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	if handoff.ID == "" {
		handoff.ID = uuid.New().String()
	}

	_, err := r.q.ExecContext(ctx, query,
		handoff.ID, handoff.BookID, handoff.GiverID, handoff.ReceiverID,
		handoff.GiverConfirmedAt, handoff.ReceiverConfirmedAt, handoff.BothConfirmedAt,
		handoff.Reminder48hSentAt, handoff.Reminder96hSentAt, handoff.CreatedAt)

	return err
}

func (r *PostgresRepository) GetHandoff(ctx context.Context, handoffID string) (*models.HandoffConfirmation, error) {
	query := `SELECT * FROM handoff_confirmations WHERE id = $1`

	var handoff models.HandoffConfirmation
	err := r.q.GetContext(ctx, &handoff, query, handoffID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Handoff not found
		}
		return nil, err
	}

	return &handoff, nil
}

func (r *PostgresRepository) GetHandoffForUpdate(ctx context.Context, handoffID string) (*models.HandoffConfirmation, error) {
	if _, inTx := r.q.(*sqlx.Tx); !inTx {
		return nil, errors.New("GetHandoffForUpdate requires a transaction")
	}

	query := `SELECT * FROM handoff_confirmations WHERE id = $1 FOR UPDATE`

	var handoff models.HandoffConfirmation
	err := r.q.GetContext(ctx, &handoff, query, handoffID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Handoff not found
		}
		return nil, err
	}

	return &handoff, nil
}

func (r *PostgresRepository) GetOpenHandoffByBook(ctx context.Context, bookID string) (*models.HandoffConfirmation, error) {
	query := `
		SELECT * FROM handoff_confirmations
		WHERE book_id = $1 AND both_confirmed_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1
	`

	var handoff models.HandoffConfirmation
	err := r.q.GetContext(ctx, &handoff, query, bookID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // No open handoff
		}
		return nil, err
	}

	return &handoff, nil
}

func (r *PostgresRepository) ListOpenHandoffs(ctx context.Context) ([]models.HandoffConfirmation, error) {
	query := `
		SELECT * FROM handoff_confirmations
		WHERE both_confirmed_at IS NULL
		ORDER BY created_at
	`

	var handoffs []models.HandoffConfirmation
	err := r.q.SelectContext(ctx, &handoffs, query)
	if err != nil {
		return nil, err
	}

	return handoffs, nil
}

// UpdateOpenHandoff writes the confirmation timestamps, conditioned on the
// handoff still being open. A completed handoff is immutable history.
func (r *PostgresRepository) UpdateOpenHandoff(ctx context.Context, handoff *models.HandoffConfirmation) error {
	query := `
		UPDATE handoff_confirmations
		SET giver_confirmed_at = $1, receiver_confirmed_at = $2, both_confirmed_at = $3
		WHERE id = $4 AND both_confirmed_at IS NULL
	`

	result, err := r.q.ExecContext(ctx, query,
		handoff.GiverConfirmedAt, handoff.ReceiverConfirmedAt, handoff.BothConfirmedAt,
		handoff.ID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrStaleState
	}

	return nil
}

// StampHandoffReminder sets one of the reminder columns if it is still
// unset and the handoff is still open. Returns whether this call stamped it.
func (r *PostgresRepository) StampHandoffReminder(ctx context.Context, handoffID, column string, at time.Time) (bool, error) {
	var query string
	switch column {
	case "reminder_48h_sent_at":
		query = `
			UPDATE handoff_confirmations SET reminder_48h_sent_at = $1
			WHERE id = $2 AND both_confirmed_at IS NULL AND reminder_48h_sent_at IS NULL
		`
	case "reminder_96h_sent_at":
		query = `
			UPDATE handoff_confirmations SET reminder_96h_sent_at = $1
			WHERE id = $2 AND both_confirmed_at IS NULL AND reminder_96h_sent_at IS NULL
		`
	default:
		return false, fmt.Errorf("unknown reminder column %q", column)
	}

	result, err := r.q.ExecContext(ctx, query, at, handoffID)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows > 0, nil
}
