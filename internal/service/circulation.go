package service

import (
	"context"
	"fmt"

	"github.com/pagepass/server/internal/models"
	"github.com/pagepass/server/internal/notify"
	"github.com/pagepass/server/internal/repository"
)

// Shelf operations

func (s *DefaultService) AddBook(ctx context.Context, ownerID string, req models.AddBookRequest) (*models.BookSnapshot, error) {
	book := &models.Book{
		Title:        req.Title,
		Author:       req.Author,
		OwnerID:      ownerID,
		Status:       models.StatusAvailable,
		GiftOnBorrow: req.GiftOnBorrow,
	}

	if err := s.repo.CreateBook(ctx, book); err != nil {
		return nil, fmt.Errorf("error creating book: %w", err)
	}

	return s.snapshot(ctx, s.repo, book.ID)
}

// RemoveBook withdraws a book from circulation. Only the owner may do it,
// and only while the book sits on their shelf.
func (s *DefaultService) RemoveBook(ctx context.Context, userID, bookID string) (*models.BookSnapshot, error) {
	err := s.repo.WithTx(ctx, func(repo repository.Repository) error {
		book, err := repo.GetBookForUpdate(ctx, bookID)
		if err != nil {
			return fmt.Errorf("error getting book: %w", err)
		}
		if book == nil {
			return ErrBookNotFound
		}
		if book.OwnerID != userID {
			return ErrNotOwner
		}
		if book.Status != models.StatusAvailable {
			return ErrAlreadyBorrowed
		}

		queue, err := repo.GetQueue(ctx, bookID)
		if err != nil {
			return fmt.Errorf("error getting queue: %w", err)
		}
		for _, entry := range queue {
			if _, err := repo.RemoveQueueEntry(ctx, bookID, entry.UserID); err != nil {
				return fmt.Errorf("error clearing queue: %w", err)
			}
		}

		book.Status = models.StatusOffShelf
		return repo.UpdateBookCustody(ctx, book, models.StatusAvailable)
	})
	if err != nil {
		return nil, err
	}

	return s.snapshot(ctx, s.repo, bookID)
}

func (s *DefaultService) GetBook(ctx context.Context, bookID string) (*models.BookSnapshot, error) {
	return s.snapshot(ctx, s.repo, bookID)
}

func (s *DefaultService) ListBooks(ctx context.Context) ([]models.Book, error) {
	books, err := s.repo.ListBooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing books: %w", err)
	}
	return books, nil
}

// Circulation commands

// RequestBorrow starts the initial loan: an open handoff from the owner to
// the requester. Custody becomes final only when both parties confirm.
func (s *DefaultService) RequestBorrow(ctx context.Context, bookID, requesterID string) (*models.BookSnapshot, error) {
	var notes []note

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
		if book.Status != models.StatusAvailable {
			return ErrAlreadyBorrowed
		}
		if requesterID == book.OwnerID {
			return ErrSelfBorrowDenied
		}

		now := s.clock.Now()
		handoff := &models.HandoffConfirmation{
			BookID:     book.ID,
			GiverID:    book.OwnerID,
			ReceiverID: requesterID,
			CreatedAt:  now,
		}
		if err := repo.CreateHandoff(ctx, handoff); err != nil {
			return fmt.Errorf("error creating handoff: %w", err)
		}

		due := now.Add(loanPeriod)
		book.Status = models.StatusInTransit
		book.CurrentBorrowerID = &requesterID
		book.DueDate = &due
		book.BorrowedAt = &now
		if err := repo.UpdateBookCustody(ctx, book, models.StatusAvailable); err != nil {
			return fmt.Errorf("error updating book: %w", err)
		}

		notes = append(notes, note{book.OwnerID, notify.KindHandoffStarted, map[string]string{
			"bookId":    book.ID,
			"handoffId": handoff.ID,
			"with":      requesterID,
		}})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.send(ctx, notes)
	return s.snapshot(ctx, s.repo, bookID)
}

// RecallBook marks the book to come home at the next opportunity instead of
// passing further down the queue.
func (s *DefaultService) RecallBook(ctx context.Context, bookID, userID string) (*models.BookSnapshot, error) {
	var notes []note

	err := s.repo.WithTx(ctx, func(repo repository.Repository) error {
		book, err := repo.GetBookForUpdate(ctx, bookID)
		if err != nil {
			return fmt.Errorf("error getting book: %w", err)
		}
		if book == nil {
			return ErrBookNotFound
		}
		if book.OwnerID != userID {
			return ErrNotOwner
		}
		if book.Status != models.StatusBorrowed {
			return ErrNotBorrowed
		}

		book.OwnerRecallActive = true
		if err := repo.UpdateBookCustody(ctx, book, models.StatusBorrowed); err != nil {
			return fmt.Errorf("error updating book: %w", err)
		}

		if book.CurrentBorrowerID != nil {
			notes = append(notes, note{*book.CurrentBorrowerID, notify.KindRecallRequested, map[string]string{
				"bookId": book.ID,
			}})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.send(ctx, notes)
	return s.snapshot(ctx, s.repo, bookID)
}

func (s *DefaultService) CancelRecall(ctx context.Context, bookID, userID string) (*models.BookSnapshot, error) {
	err := s.repo.WithTx(ctx, func(repo repository.Repository) error {
		book, err := repo.GetBookForUpdate(ctx, bookID)
		if err != nil {
			return fmt.Errorf("error getting book: %w", err)
		}
		if book == nil {
			return ErrBookNotFound
		}
		if book.OwnerID != userID {
			return ErrNotOwner
		}
		if !book.OwnerRecallActive {
			return ErrRecallNotActive
		}

		book.OwnerRecallActive = false
		return repo.UpdateBookCustody(ctx, book, book.Status)
	})
	if err != nil {
		return nil, err
	}

	return s.snapshot(ctx, s.repo, bookID)
}

// ReadyToPass is the holder saying they are done with the book. With a
// recall active the book heads home; otherwise the queue is offered; with
// no one waiting it heads home too.
func (s *DefaultService) ReadyToPass(ctx context.Context, bookID, userID string) (*models.BookSnapshot, error) {
	var notes []note

	err := s.repo.WithTx(ctx, func(repo repository.Repository) error {
		book, err := repo.GetBookForUpdate(ctx, bookID)
		if err != nil {
			return fmt.Errorf("error getting book: %w", err)
		}
		if book == nil {
			return ErrBookNotFound
		}
		if book.Status != models.StatusBorrowed {
			return ErrNotBorrowed
		}
		if book.CurrentBorrowerID == nil || *book.CurrentBorrowerID != userID {
			return ErrNotCurrentBorrower
		}

		if book.OwnerRecallActive {
			return s.openReturnHandoff(ctx, repo, book, &notes)
		}

		return s.offerToNext(ctx, repo, book, 0, &notes)
	})
	if err != nil {
		return nil, err
	}

	s.send(ctx, notes)
	return s.snapshot(ctx, s.repo, bookID)
}

// StillReading resets the soft reminder timer. It doubles as the "still
// reading" response to a soft reminder.
func (s *DefaultService) StillReading(ctx context.Context, bookID, userID string) (*models.BookSnapshot, error) {
	err := s.repo.WithTx(ctx, func(repo repository.Repository) error {
		book, err := repo.GetBookForUpdate(ctx, bookID)
		if err != nil {
			return fmt.Errorf("error getting book: %w", err)
		}
		if book == nil {
			return ErrBookNotFound
		}
		if book.Status != models.StatusBorrowed {
			return ErrNotBorrowed
		}
		if book.CurrentBorrowerID == nil || *book.CurrentBorrowerID != userID {
			return ErrNotCurrentBorrower
		}

		now := s.clock.Now()
		book.LastSoftReminderAt = &now
		return repo.UpdateBookCustody(ctx, book, models.StatusBorrowed)
	})
	if err != nil {
		return nil, err
	}

	return s.snapshot(ctx, s.repo, bookID)
}
