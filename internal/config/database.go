package config

import (
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// SetupDatabase initializes the database connection
func SetupDatabase(cfg *Config) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.Database.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	// Create tables if they don't exist
	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return db, nil
}

// createTables creates the necessary tables in the database
func createTables(db *sqlx.DB) error {
	// Create users table
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(36) PRIMARY KEY,
			email VARCHAR(255) UNIQUE NOT NULL,
			name VARCHAR(255) NOT NULL,
			password VARCHAR(255) NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	// Create books table
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS books (
			id VARCHAR(36) PRIMARY KEY,
			title VARCHAR(255) NOT NULL,
			author VARCHAR(255) NOT NULL DEFAULT '',
			owner_id VARCHAR(36) NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			status VARCHAR(20) NOT NULL,
			current_borrower_id VARCHAR(36) REFERENCES users(id),
			next_recipient_id VARCHAR(36) REFERENCES users(id),
			due_date TIMESTAMP,
			borrowed_at TIMESTAMP,
			owner_recall_active BOOLEAN NOT NULL DEFAULT FALSE,
			offered_at TIMESTAMP,
			last_soft_reminder_at TIMESTAMP,
			gift_on_borrow BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	// Create queue_entries table
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_entries (
			book_id VARCHAR(36) NOT NULL REFERENCES books(id) ON DELETE CASCADE,
			user_id VARCHAR(36) NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			pass_count INTEGER NOT NULL DEFAULT 0,
			joined_at TIMESTAMP NOT NULL,
			PRIMARY KEY (book_id, user_id),
			UNIQUE (book_id, position) DEFERRABLE INITIALLY DEFERRED
		)
	`)
	if err != nil {
		return err
	}

	// Create handoff_confirmations table
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS handoff_confirmations (
			id VARCHAR(36) PRIMARY KEY,
			book_id VARCHAR(36) NOT NULL REFERENCES books(id) ON DELETE CASCADE,
			giver_id VARCHAR(36) NOT NULL REFERENCES users(id),
			receiver_id VARCHAR(36) NOT NULL REFERENCES users(id),
			giver_confirmed_at TIMESTAMP,
			receiver_confirmed_at TIMESTAMP,
			both_confirmed_at TIMESTAMP,
			reminder_48h_sent_at TIMESTAMP,
			reminder_96h_sent_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	// Create indexes for better performance
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_books_status ON books(status)",
		"CREATE INDEX IF NOT EXISTS idx_books_owner ON books(owner_id)",
		"CREATE INDEX IF NOT EXISTS idx_queue_entries_book_pos ON queue_entries(book_id, position)",
		"CREATE INDEX IF NOT EXISTS idx_handoffs_book ON handoff_confirmations(book_id)",
		"CREATE INDEX IF NOT EXISTS idx_handoffs_open ON handoff_confirmations(book_id) WHERE both_confirmed_at IS NULL",
	}

	for _, idx := range indexes {
		_, err = db.Exec(idx)
		if err != nil {
			log.Printf("Warning: Failed to create index: %v", err)
			// Don't return error here, indexes are not critical
		}
	}

	return nil
}
