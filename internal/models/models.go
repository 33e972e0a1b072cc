package models

import (
	"time"
)

// Book status values
const (
	StatusAvailable    = "available"
	StatusBorrowed     = "borrowed"
	StatusInTransit    = "in_transit"
	StatusReadyForNext = "ready_for_next"
	StatusOffShelf     = "off_shelf"
)

// Handoff parties
const (
	PartyGiver    = "giver"
	PartyReceiver = "receiver"
)

// User represents a user in the system
type User struct {
	ID        string    `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	Name      string    `db:"name" json:"name"`
	Password  string    `db:"password" json:"-"` // Password hash, not returned in JSON
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Book represents the custody state of a single physical copy.
// Ownership changes only when a gift handoff completes; every other
// custody field is mutated exclusively by handoff completion or by the
// offer flow.
type Book struct {
	ID                 string     `db:"id" json:"id"`
	Title              string     `db:"title" json:"title"`
	Author             string     `db:"author" json:"author"`
	OwnerID            string     `db:"owner_id" json:"ownerId"`
	Status             string     `db:"status" json:"status"`
	CurrentBorrowerID  *string    `db:"current_borrower_id" json:"currentBorrowerId,omitempty"`
	NextRecipientID    *string    `db:"next_recipient_id" json:"nextRecipientId,omitempty"`
	DueDate            *time.Time `db:"due_date" json:"dueDate,omitempty"`
	BorrowedAt         *time.Time `db:"borrowed_at" json:"borrowedAt,omitempty"`
	OwnerRecallActive  bool       `db:"owner_recall_active" json:"ownerRecallActive"`
	OfferedAt          *time.Time `db:"offered_at" json:"offeredAt,omitempty"`
	LastSoftReminderAt *time.Time `db:"last_soft_reminder_at" json:"lastSoftReminderAt,omitempty"`
	GiftOnBorrow       bool       `db:"gift_on_borrow" json:"giftOnBorrow"`
	CreatedAt          time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updatedAt"`
}

// QueueEntry represents one waiter in a book's FIFO queue. Positions per
// book are dense, 1-based, and ordered by join time except for the
// third-pass demotion.
type QueueEntry struct {
	BookID    string    `db:"book_id" json:"bookId"`
	UserID    string    `db:"user_id" json:"userId"`
	Position  int       `db:"position" json:"position"`
	PassCount int       `db:"pass_count" json:"passCount"`
	JoinedAt  time.Time `db:"joined_at" json:"joinedAt"`
}

// HandoffConfirmation is the two-party record that gates every custody
// transfer. It is immutable history once BothConfirmedAt is set; the next
// transfer creates a new record.
type HandoffConfirmation struct {
	ID                  string     `db:"id" json:"id"`
	BookID              string     `db:"book_id" json:"bookId"`
	GiverID             string     `db:"giver_id" json:"giverId"`
	ReceiverID          string     `db:"receiver_id" json:"receiverId"`
	GiverConfirmedAt    *time.Time `db:"giver_confirmed_at" json:"giverConfirmedAt,omitempty"`
	ReceiverConfirmedAt *time.Time `db:"receiver_confirmed_at" json:"receiverConfirmedAt,omitempty"`
	BothConfirmedAt     *time.Time `db:"both_confirmed_at" json:"bothConfirmedAt,omitempty"`
	Reminder48hSentAt   *time.Time `db:"reminder_48h_sent_at" json:"-"`
	Reminder96hSentAt   *time.Time `db:"reminder_96h_sent_at" json:"-"`
	CreatedAt           time.Time  `db:"created_at" json:"createdAt"`
}

// Open reports whether the handoff is still waiting on at least one party.
func (h *HandoffConfirmation) Open() bool {
	return h.BothConfirmedAt == nil
}
