package service

import (
	"context"
	"fmt"

	"github.com/pagepass/server/internal/models"
	"github.com/pagepass/server/internal/repository"
)

// Handoff kinds derived at completion time. The kind is never stored: it is
// recomputed from the party ids and the book's current owner, so it cannot
// drift if ownership changes between handoff creation and completion.
const (
	handoffGift     = "gift"
	handoffReturn   = "return"
	handoffLoan     = "loan"
	handoffPagepass = "pagepass"
)

// classifyHandoff is the central business rule: one generic two-party
// confirmation implements four real-world actions.
func classifyHandoff(giverID, receiverID, ownerID string, giftOnBorrow bool) string {
	switch {
	case giftOnBorrow:
		return handoffGift
	case receiverID == ownerID:
		return handoffReturn
	case giverID == ownerID:
		return handoffLoan
	default:
		return handoffPagepass
	}
}

// ConfirmHandoff records one party's confirmation. Confirming twice is a
// no-op. The second party's confirmation completes the handoff and applies
// the custody transition in the same transaction.
func (s *DefaultService) ConfirmHandoff(ctx context.Context, handoffID, userID, party string) (*models.BookSnapshot, error) {
	var (
		bookID string
		notes  []note
	)

	err := s.repo.WithTx(ctx, func(repo repository.Repository) error {
		handoff, err := repo.GetHandoffForUpdate(ctx, handoffID)
		if err != nil {
			return fmt.Errorf("error getting handoff: %w", err)
		}
		if handoff == nil {
			return ErrHandoffNotFound
		}
		bookID = handoff.BookID

		switch party {
		case models.PartyGiver:
			if handoff.GiverID != userID {
				return ErrNotAuthorized
			}
		case models.PartyReceiver:
			if handoff.ReceiverID != userID {
				return ErrNotAuthorized
			}
		default:
			return ErrNotAuthorized
		}

		if !handoff.Open() {
			// Already completed, possibly by the other flow. The caller's
			// intended effect has happened; report the actual outcome.
			return nil
		}

		now := s.clock.Now()
		switch party {
		case models.PartyGiver:
			if handoff.GiverConfirmedAt != nil {
				return nil // idempotent repeat
			}
			handoff.GiverConfirmedAt = &now
		case models.PartyReceiver:
			if handoff.ReceiverConfirmedAt != nil {
				return nil // idempotent repeat
			}
			handoff.ReceiverConfirmedAt = &now
		}

		if handoff.GiverConfirmedAt == nil || handoff.ReceiverConfirmedAt == nil {
			return repo.UpdateOpenHandoff(ctx, handoff)
		}

		// Both parties have confirmed: complete the handoff and apply the
		// custody transition atomically.
		handoff.BothConfirmedAt = &now
		if err := repo.UpdateOpenHandoff(ctx, handoff); err != nil {
			return err
		}

		return s.applyCustodyTransition(ctx, repo, handoff, &notes)
	})
	if err != nil {
		return nil, err
	}

	s.send(ctx, notes)
	return s.snapshot(ctx, s.repo, bookID)
}

// applyCustodyTransition mutates the book's custody fields according to the
// classification of the completed handoff. Completion is the only event
// allowed to change these fields.
func (s *DefaultService) applyCustodyTransition(ctx context.Context, repo repository.Repository, handoff *models.HandoffConfirmation, notes *[]note) error {
	book, err := repo.GetBookForUpdate(ctx, handoff.BookID)
	if err != nil {
		return fmt.Errorf("error getting book: %w", err)
	}
	if book == nil {
		return ErrBookNotFound
	}

	expectedStatus := book.Status

	switch classifyHandoff(handoff.GiverID, handoff.ReceiverID, book.OwnerID, book.GiftOnBorrow) {
	case handoffGift:
		// Ownership transfers; the cycle restarts under the new owner.
		book.OwnerID = handoff.ReceiverID
		book.Status = models.StatusAvailable
		book.CurrentBorrowerID = nil
		book.DueDate = nil
		book.BorrowedAt = nil
		book.LastSoftReminderAt = nil
		book.OwnerRecallActive = false
		book.GiftOnBorrow = false

	case handoffReturn:
		book.Status = models.StatusAvailable
		book.CurrentBorrowerID = nil
		book.DueDate = nil
		book.BorrowedAt = nil
		book.LastSoftReminderAt = nil
		book.OwnerRecallActive = false

	case handoffLoan:
		book.Status = models.StatusBorrowed
		receiver := handoff.ReceiverID
		book.CurrentBorrowerID = &receiver
		if book.DueDate == nil {
			due := s.clock.Now().Add(loanPeriod)
			book.DueDate = &due
		}
		if book.BorrowedAt == nil {
			now := s.clock.Now()
			book.BorrowedAt = &now
		}

	case handoffPagepass:
		book.Status = models.StatusBorrowed
		receiver := handoff.ReceiverID
		book.CurrentBorrowerID = &receiver
	}

	book.NextRecipientID = nil
	book.OfferedAt = nil

	if err := repo.UpdateBookCustody(ctx, book, expectedStatus); err != nil {
		return err
	}

	// A book back on the shelf with people still waiting goes straight to
	// the queue head.
	if book.Status == models.StatusAvailable {
		queue, err := repo.GetQueue(ctx, book.ID)
		if err != nil {
			return fmt.Errorf("error getting queue: %w", err)
		}
		if len(queue) > 0 {
			return s.offerToNext(ctx, repo, book, 0, notes)
		}
	}

	return nil
}
