package service

import (
	"context"
	"fmt"

	"github.com/pagepass/server/internal/models"
	"github.com/pagepass/server/internal/notify"
	"github.com/pagepass/server/internal/repository"
)

// RunOfferTimeoutSweep expires offers that have waited longer than the
// offer timeout and advances the queue, exactly as if the recipient had
// passed with reason "no response". Safe to re-run and to overlap with
// user actions: every candidate is re-checked under the book lock before
// anything happens. Returns the number of offers advanced.
func (s *DefaultService) RunOfferTimeoutSweep(ctx context.Context) (int, error) {
	now := s.clock.Now()

	candidates, err := s.repo.ListBooksByStatus(ctx, models.StatusReadyForNext)
	if err != nil {
		return 0, fmt.Errorf("error listing offered books: %w", err)
	}

	advanced := 0
	for _, candidate := range candidates {
		if candidate.OfferedAt == nil || now.Sub(*candidate.OfferedAt) < offerTimeout {
			continue
		}

		var notes []note
		expired := false

		err := s.repo.WithTx(ctx, func(repo repository.Repository) error {
			book, err := repo.GetBookForUpdate(ctx, candidate.ID)
			if err != nil {
				return fmt.Errorf("error getting book: %w", err)
			}
			// Check current state, not the scan snapshot: the recipient
			// may have responded since the candidate list was built.
			if book == nil || book.Status != models.StatusReadyForNext || book.NextRecipientID == nil {
				return nil
			}
			if book.OfferedAt == nil || now.Sub(*book.OfferedAt) < offerTimeout {
				return nil
			}

			recipient := *book.NextRecipientID
			notes = append(notes, note{recipient, notify.KindOfferExpired, map[string]string{
				"bookId": book.ID,
				"title":  book.Title,
			}})

			if err := s.handlePass(ctx, repo, book, recipient, "no response", &notes); err != nil {
				return err
			}
			expired = true
			return nil
		})
		if err != nil {
			// One book's failure must not abort the whole sweep.
			s.logger.Error("offer timeout sweep failed for book %s: %v", candidate.ID, err)
			continue
		}

		if expired {
			advanced++
			s.send(ctx, notes)
		}
	}

	return advanced, nil
}

// RunReminderSweep sends handoff confirmation reminders and long-borrow
// soft reminders. Each threshold fires at most once per handoff, and soft
// reminders follow the first-then-repeating cadence; the conditional
// stamps make overlapping sweep runs send nothing twice. Returns the
// number of notifications sent.
func (s *DefaultService) RunReminderSweep(ctx context.Context) (int, error) {
	sent, err := s.sweepHandoffReminders(ctx)
	if err != nil {
		return sent, err
	}

	softSent, err := s.sweepSoftReminders(ctx)
	return sent + softSent, err
}

func (s *DefaultService) sweepHandoffReminders(ctx context.Context) (int, error) {
	now := s.clock.Now()

	handoffs, err := s.repo.ListOpenHandoffs(ctx)
	if err != nil {
		return 0, fmt.Errorf("error listing open handoffs: %w", err)
	}

	sent := 0
	for _, handoff := range handoffs {
		// Nothing actionable unless exactly one party has confirmed:
		// with neither confirmed there is no one to single out.
		var laggard string
		switch {
		case handoff.GiverConfirmedAt != nil && handoff.ReceiverConfirmedAt == nil:
			laggard = handoff.ReceiverID
		case handoff.GiverConfirmedAt == nil && handoff.ReceiverConfirmedAt != nil:
			laggard = handoff.GiverID
		default:
			continue
		}

		age := now.Sub(handoff.CreatedAt)
		var column, stage string
		switch {
		case age >= handoffReminder2 && handoff.Reminder96hSentAt == nil:
			column, stage = "reminder_96h_sent_at", "final"
		case age >= handoffReminder1 && handoff.Reminder48hSentAt == nil:
			column, stage = "reminder_48h_sent_at", "first"
		default:
			continue
		}

		stamped, err := s.repo.StampHandoffReminder(ctx, handoff.ID, column, now)
		if err != nil {
			s.logger.Error("reminder sweep failed for handoff %s: %v", handoff.ID, err)
			continue
		}
		if !stamped {
			continue // another sweep run got there first, or the handoff completed
		}

		s.notifier.Notify(ctx, laggard, notify.KindHandoffReminder, map[string]string{
			"bookId":    handoff.BookID,
			"handoffId": handoff.ID,
			"stage":     stage,
		})
		sent++
	}

	return sent, nil
}

func (s *DefaultService) sweepSoftReminders(ctx context.Context) (int, error) {
	now := s.clock.Now()

	books, err := s.repo.ListBooksByStatus(ctx, models.StatusBorrowed)
	if err != nil {
		return 0, fmt.Errorf("error listing borrowed books: %w", err)
	}

	sent := 0
	for _, book := range books {
		if book.CurrentBorrowerID == nil || book.BorrowedAt == nil {
			continue
		}

		due := false
		switch {
		case book.LastSoftReminderAt == nil:
			due = now.Sub(*book.BorrowedAt) >= softReminderFirst
		default:
			due = now.Sub(*book.LastSoftReminderAt) >= softReminderRepeat
		}
		if !due {
			continue
		}

		stamped, err := s.repo.StampSoftReminder(ctx, book.ID, book.LastSoftReminderAt, now)
		if err != nil {
			s.logger.Error("soft reminder sweep failed for book %s: %v", book.ID, err)
			continue
		}
		if !stamped {
			continue
		}

		s.notifier.Notify(ctx, *book.CurrentBorrowerID, notify.KindSoftReminder, map[string]string{
			"bookId": book.ID,
			"title":  book.Title,
		})
		sent++
	}

	return sent, nil
}
