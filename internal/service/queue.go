package service

import (
	"context"
	"fmt"

	"github.com/pagepass/server/internal/models"
	"github.com/pagepass/server/internal/notify"
	"github.com/pagepass/server/internal/repository"
)

// JoinQueue appends the caller to the book's waiting list. Only possible
// while the book is out; an available book is borrowed directly.
func (s *DefaultService) JoinQueue(ctx context.Context, bookID, userID string) (*models.BookSnapshot, error) {
	err := s.repo.WithTx(ctx, func(repo repository.Repository) error {
		book, err := repo.GetBookForUpdate(ctx, bookID)
		if err != nil {
			return fmt.Errorf("error getting book: %w", err)
		}
		if book == nil {
			return ErrBookNotFound
		}
		if book.Status == models.StatusOffShelf {
			return ErrBookOffShelf
		}
		if book.Status == models.StatusAvailable {
			return ErrBookAvailable
		}
		if book.OwnerID == userID {
			return ErrOwnerCannotQueue
		}
		if book.CurrentBorrowerID != nil && *book.CurrentBorrowerID == userID {
			return ErrAlreadyBorrowed
		}

		existing, err := repo.GetQueueEntry(ctx, bookID, userID)
		if err != nil {
			return fmt.Errorf("error getting queue entry: %w", err)
		}
		if existing != nil {
			return ErrAlreadyQueued
		}

		entry := &models.QueueEntry{BookID: bookID, UserID: userID}
		return repo.InsertQueueEntry(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	return s.snapshot(ctx, s.repo, bookID)
}

// LeaveQueue removes the caller's entry and compacts the positions behind
// it. Leaving while holding the current offer advances the offer.
func (s *DefaultService) LeaveQueue(ctx context.Context, bookID, userID string) (*models.BookSnapshot, error) {
	var notes []note

	err := s.repo.WithTx(ctx, func(repo repository.Repository) error {
		book, err := repo.GetBookForUpdate(ctx, bookID)
		if err != nil {
			return fmt.Errorf("error getting book: %w", err)
		}
		if book == nil {
			return ErrBookNotFound
		}

		removed, err := repo.RemoveQueueEntry(ctx, bookID, userID)
		if err != nil {
			return fmt.Errorf("error removing queue entry: %w", err)
		}
		if !removed {
			return ErrNotQueued
		}

		if book.Status == models.StatusReadyForNext &&
			book.NextRecipientID != nil && *book.NextRecipientID == userID {
			return s.offerToNext(ctx, repo, book, 0, &notes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.send(ctx, notes)
	return s.snapshot(ctx, s.repo, bookID)
}

// AcceptOffer: acceptance only starts the handoff; physical possession
// still requires mutual confirmation.
func (s *DefaultService) AcceptOffer(ctx context.Context, bookID, userID string) (*models.BookSnapshot, error) {
	var notes []note

	err := s.repo.WithTx(ctx, func(repo repository.Repository) error {
		book, err := repo.GetBookForUpdate(ctx, bookID)
		if err != nil {
			return fmt.Errorf("error getting book: %w", err)
		}
		if book == nil {
			return ErrBookNotFound
		}
		if book.Status != models.StatusReadyForNext {
			return ErrNoActiveOffer
		}
		if book.NextRecipientID == nil || *book.NextRecipientID != userID {
			return ErrNotOfferRecipient
		}

		// Served: the entry leaves the queue.
		if _, err := repo.RemoveQueueEntry(ctx, bookID, userID); err != nil {
			return fmt.Errorf("error removing queue entry: %w", err)
		}

		giver := book.OwnerID
		if book.CurrentBorrowerID != nil {
			giver = *book.CurrentBorrowerID
		}

		now := s.clock.Now()
		handoff := &models.HandoffConfirmation{
			BookID:     book.ID,
			GiverID:    giver,
			ReceiverID: userID,
			CreatedAt:  now,
		}
		if err := repo.CreateHandoff(ctx, handoff); err != nil {
			return fmt.Errorf("error creating handoff: %w", err)
		}

		due := now.Add(loanPeriod)
		book.Status = models.StatusInTransit
		book.CurrentBorrowerID = &userID
		book.NextRecipientID = nil
		book.OfferedAt = nil
		book.DueDate = &due
		book.BorrowedAt = &now
		book.LastSoftReminderAt = nil
		if err := repo.UpdateBookCustody(ctx, book, models.StatusReadyForNext); err != nil {
			return fmt.Errorf("error updating book: %w", err)
		}

		notes = append(notes, note{giver, notify.KindHandoffStarted, map[string]string{
			"bookId":    book.ID,
			"handoffId": handoff.ID,
			"with":      userID,
		}})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.send(ctx, notes)
	return s.snapshot(ctx, s.repo, bookID)
}

// PassOffer declines the outstanding offer and advances it.
func (s *DefaultService) PassOffer(ctx context.Context, bookID, userID, reason string) (*models.BookSnapshot, error) {
	var notes []note

	err := s.repo.WithTx(ctx, func(repo repository.Repository) error {
		book, err := repo.GetBookForUpdate(ctx, bookID)
		if err != nil {
			return fmt.Errorf("error getting book: %w", err)
		}
		if book == nil {
			return ErrBookNotFound
		}
		if book.Status != models.StatusReadyForNext {
			return ErrNoActiveOffer
		}
		if book.NextRecipientID == nil || *book.NextRecipientID != userID {
			return ErrNotOfferRecipient
		}

		return s.handlePass(ctx, repo, book, userID, reason, &notes)
	})
	if err != nil {
		return nil, err
	}

	s.send(ctx, notes)
	return s.snapshot(ctx, s.repo, bookID)
}

// handlePass applies the pass-escalation rule and advances the offer. A
// timeout ("no response") goes through the same path as an explicit pass.
// Caller must hold the book lock and have verified the offer is addressed
// to userID.
func (s *DefaultService) handlePass(ctx context.Context, repo repository.Repository, book *models.Book, userID, reason string, notes *[]note) error {
	afterPosition := 0

	entry, err := repo.GetQueueEntry(ctx, book.ID, userID)
	if err != nil {
		return fmt.Errorf("error getting queue entry: %w", err)
	}
	if entry != nil {
		entry.PassCount++
		if err := repo.SetQueuePassCount(ctx, book.ID, userID, entry.PassCount); err != nil {
			return fmt.Errorf("error updating pass count: %w", err)
		}

		if entry.PassCount == demotionPassCount {
			// Third pass: one more future chance, but behind at least
			// one fresher entrant. The reorder restarts the offer at
			// position 1.
			queue, err := repo.GetQueue(ctx, book.ID)
			if err != nil {
				return fmt.Errorf("error getting queue: %w", err)
			}
			if len(queue) > 1 {
				if err := repo.MoveQueueEntry(ctx, book.ID, userID, demotedPosition); err != nil {
					return fmt.Errorf("error demoting queue entry: %w", err)
				}
			}
		} else {
			// The entry stays put; the offer walks on past it.
			afterPosition = entry.Position
		}
	}

	s.logger.Info("offer passed book=%s user=%s reason=%q", book.ID, userID, reason)

	return s.offerToNext(ctx, repo, book, afterPosition, notes)
}

// offerToNext computes the next offer target and re-points the book at it.
// afterPosition 0 means "start from the head"; a positive value advances
// past a passer without reordering the queue. With no target left the book
// falls back: to the shelf when the owner has it, otherwise into a return
// handoff so the holder can send it home.
func (s *DefaultService) offerToNext(ctx context.Context, repo repository.Repository, book *models.Book, afterPosition int, notes *[]note) error {
	expectedStatus := book.Status

	queue, err := repo.GetQueue(ctx, book.ID)
	if err != nil {
		return fmt.Errorf("error getting queue: %w", err)
	}

	var target *models.QueueEntry
	for i := range queue {
		if queue[i].Position > afterPosition {
			target = &queue[i]
			break
		}
	}

	if target == nil {
		book.NextRecipientID = nil
		book.OfferedAt = nil

		if book.CurrentBorrowerID != nil {
			*notes = append(*notes, note{*book.CurrentBorrowerID, notify.KindQueueExhausted, map[string]string{
				"bookId": book.ID,
			}})
			return s.openReturnHandoff(ctx, repo, book, notes)
		}

		book.Status = models.StatusAvailable
		return repo.UpdateBookCustody(ctx, book, expectedStatus)
	}

	now := s.clock.Now()
	book.Status = models.StatusReadyForNext
	book.NextRecipientID = &target.UserID
	book.OfferedAt = &now
	if err := repo.UpdateBookCustody(ctx, book, expectedStatus); err != nil {
		return err
	}

	*notes = append(*notes, note{target.UserID, notify.KindOfferReady, map[string]string{
		"bookId": book.ID,
		"title":  book.Title,
	}})
	return nil
}

// openReturnHandoff starts the book's trip home to its owner. The holder
// keeps custody until both parties confirm.
func (s *DefaultService) openReturnHandoff(ctx context.Context, repo repository.Repository, book *models.Book, notes *[]note) error {
	if book.CurrentBorrowerID == nil {
		return ErrNotBorrowed
	}
	holder := *book.CurrentBorrowerID

	now := s.clock.Now()
	handoff := &models.HandoffConfirmation{
		BookID:     book.ID,
		GiverID:    holder,
		ReceiverID: book.OwnerID,
		CreatedAt:  now,
	}
	if err := repo.CreateHandoff(ctx, handoff); err != nil {
		return fmt.Errorf("error creating handoff: %w", err)
	}

	expectedStatus := book.Status
	book.Status = models.StatusInTransit
	book.NextRecipientID = nil
	book.OfferedAt = nil
	if err := repo.UpdateBookCustody(ctx, book, expectedStatus); err != nil {
		return err
	}

	*notes = append(*notes, note{book.OwnerID, notify.KindHandoffStarted, map[string]string{
		"bookId":    book.ID,
		"handoffId": handoff.ID,
		"with":      holder,
	}})
	return nil
}
