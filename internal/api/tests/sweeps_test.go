package api_test

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/pagepass/server/internal/api/testutils"
	"github.com/pagepass/server/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runSweep(t *testing.T, testCtx *testutils.TestContext, token, path string) int {
	w := testutils.PerformRequest(testCtx.Router, http.MethodPost, path, nil,
		testutils.AuthHeaders(token))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp models.SweepResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Processed
}

func TestOfferTimeoutSweepAdvancesOffer(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)

	_, ownerToken := testCtx.NewUser(t, "owner")
	_, holderToken := testCtx.NewUser(t, "holder")
	firstID, firstToken := testCtx.NewUser(t, "first")
	secondID, secondToken := testCtx.NewUser(t, "second")

	bookID := testCtx.AddBook(t, ownerToken, "Solaris", false)
	completeLoan(t, testCtx, bookID, ownerToken, holderToken)

	for _, token := range []string{firstToken, secondToken} {
		w := testutils.PerformRequest(testCtx.Router, http.MethodPost,
			"/api/books/"+bookID+"/queue", nil, testutils.AuthHeaders(token))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := testutils.PerformRequest(testCtx.Router, http.MethodPost,
		"/api/books/"+bookID+"/ready-to-pass", nil, testutils.AuthHeaders(holderToken))
	require.Equal(t, http.StatusOK, w.Code)

	// Inside the window nothing happens.
	testCtx.Clock.Advance(47 * time.Hour)
	assert.Equal(t, 0, runSweep(t, testCtx, ownerToken, "/api/sweeps/offer-timeouts"))

	// Past 48 hours the silent recipient is treated as having passed.
	testCtx.Clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, runSweep(t, testCtx, ownerToken, "/api/sweeps/offer-timeouts"))

	snapshot := testCtx.GetSnapshot(t, ownerToken, bookID)
	assert.Equal(t, models.StatusReadyForNext, snapshot.Book.Status)
	require.NotNil(t, snapshot.Book.NextRecipientID)
	assert.Equal(t, secondID, *snapshot.Book.NextRecipientID)
	require.Len(t, snapshot.Queue, 2)
	assert.Equal(t, 1, snapshot.Queue[0].PassCount)
	assert.Equal(t, 1, testCtx.Notifier.CountByKind(firstID, "offer_expired"))
	assertCustodyInvariants(t, snapshot)

	// The fresh offer has its own window; re-running is a no-op.
	assert.Equal(t, 0, runSweep(t, testCtx, ownerToken, "/api/sweeps/offer-timeouts"))
}

// A shelf-side offer (book already back with the owner) that runs out of
// takers ends on the shelf, not in another handoff.
func TestShelfOfferTimeoutFallsBackToAvailable(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)

	_, ownerToken := testCtx.NewUser(t, "owner")
	_, holderToken := testCtx.NewUser(t, "holder")
	waiterID, waiterToken := testCtx.NewUser(t, "waiter")

	bookID := testCtx.AddBook(t, ownerToken, "Annihilation", false)
	completeLoan(t, testCtx, bookID, ownerToken, holderToken)

	w := testutils.PerformRequest(testCtx.Router, http.MethodPost,
		"/api/books/"+bookID+"/queue", nil, testutils.AuthHeaders(waiterToken))
	require.Equal(t, http.StatusOK, w.Code)

	// Recall routes the book home past the queue.
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost,
		"/api/books/"+bookID+"/recall", nil, testutils.AuthHeaders(ownerToken))
	require.Equal(t, http.StatusOK, w.Code)
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost,
		"/api/books/"+bookID+"/ready-to-pass", nil, testutils.AuthHeaders(holderToken))
	require.Equal(t, http.StatusOK, w.Code)

	snapshot := testCtx.GetSnapshot(t, ownerToken, bookID)
	require.NotNil(t, snapshot.OpenHandoff)
	testCtx.Confirm(t, holderToken, snapshot.OpenHandoff.ID, models.PartyGiver)
	snapshot = testCtx.Confirm(t, ownerToken, snapshot.OpenHandoff.ID, models.PartyReceiver)

	// Back home, the waiter gets their turn, offered off the shelf.
	require.Equal(t, models.StatusReadyForNext, snapshot.Book.Status)
	assert.Nil(t, snapshot.Book.CurrentBorrowerID)

	testCtx.Clock.Advance(49 * time.Hour)
	assert.Equal(t, 1, runSweep(t, testCtx, ownerToken, "/api/sweeps/offer-timeouts"))

	snapshot = testCtx.GetSnapshot(t, ownerToken, bookID)
	assert.Equal(t, models.StatusAvailable, snapshot.Book.Status)
	assert.Nil(t, snapshot.Book.NextRecipientID)
	assert.Nil(t, snapshot.Book.CurrentBorrowerID)
	assert.Equal(t, 1, testCtx.Notifier.CountByKind(waiterID, "offer_expired"))
	assertCustodyInvariants(t, snapshot)
}

func TestHandoffReminders(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)

	_, ownerToken := testCtx.NewUser(t, "owner")
	borrowerID, borrowerToken := testCtx.NewUser(t, "borrower")
	_, idleOwnerToken := testCtx.NewUser(t, "idle-owner")
	idleBorrowerID, idleBorrowerToken := testCtx.NewUser(t, "idle-borrower")

	bookID := testCtx.AddBook(t, ownerToken, "Kindred", false)
	w := testutils.PerformRequest(testCtx.Router, http.MethodPost,
		"/api/books/"+bookID+"/borrow", nil, testutils.AuthHeaders(borrowerToken))
	require.Equal(t, http.StatusOK, w.Code)

	// A second handoff with neither side confirmed never gets reminders.
	idleBookID := testCtx.AddBook(t, idleOwnerToken, "Dawn", false)
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost,
		"/api/books/"+idleBookID+"/borrow", nil, testutils.AuthHeaders(idleBorrowerToken))
	require.Equal(t, http.StatusOK, w.Code)

	snapshot := testCtx.GetSnapshot(t, ownerToken, bookID)
	require.NotNil(t, snapshot.OpenHandoff)
	testCtx.Confirm(t, ownerToken, snapshot.OpenHandoff.ID, models.PartyGiver)

	// Too early for either reminder.
	testCtx.Clock.Advance(47 * time.Hour)
	assert.Equal(t, 0, runSweep(t, testCtx, ownerToken, "/api/sweeps/reminders"))

	// 48 hours in, the unconfirmed receiver gets nudged exactly once.
	testCtx.Clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, runSweep(t, testCtx, ownerToken, "/api/sweeps/reminders"))
	assert.Equal(t, 0, runSweep(t, testCtx, ownerToken, "/api/sweeps/reminders"))
	assert.Equal(t, 1, testCtx.Notifier.CountByKind(borrowerID, "handoff_reminder"))

	// 96 hours in, the final reminder, again exactly once.
	testCtx.Clock.Advance(48 * time.Hour)
	assert.Equal(t, 1, runSweep(t, testCtx, ownerToken, "/api/sweeps/reminders"))
	assert.Equal(t, 0, runSweep(t, testCtx, ownerToken, "/api/sweeps/reminders"))
	assert.Equal(t, 2, testCtx.Notifier.CountByKind(borrowerID, "handoff_reminder"))

	assert.Equal(t, 0, testCtx.Notifier.CountByKind(idleBorrowerID, "handoff_reminder"))
}

func TestSoftReminderCadence(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)

	_, ownerToken := testCtx.NewUser(t, "owner")
	borrowerID, borrowerToken := testCtx.NewUser(t, "borrower")

	bookID := testCtx.AddBook(t, ownerToken, "Piranesi", false)
	completeLoan(t, testCtx, bookID, ownerToken, borrowerToken)

	// Three weeks of quiet before the first check-in.
	testCtx.Clock.Advance(20 * 24 * time.Hour)
	assert.Equal(t, 0, runSweep(t, testCtx, ownerToken, "/api/sweeps/reminders"))

	testCtx.Clock.Advance(24 * time.Hour)
	assert.Equal(t, 1, runSweep(t, testCtx, ownerToken, "/api/sweeps/reminders"))
	assert.Equal(t, 0, runSweep(t, testCtx, ownerToken, "/api/sweeps/reminders"))
	assert.Equal(t, 1, testCtx.Notifier.CountByKind(borrowerID, "soft_reminder"))

	// Then every two weeks.
	testCtx.Clock.Advance(14 * 24 * time.Hour)
	assert.Equal(t, 1, runSweep(t, testCtx, ownerToken, "/api/sweeps/reminders"))
	assert.Equal(t, 2, testCtx.Notifier.CountByKind(borrowerID, "soft_reminder"))

	// "Still reading" resets the cadence.
	w := testutils.PerformRequest(testCtx.Router, http.MethodPost,
		"/api/books/"+bookID+"/still-reading", nil, testutils.AuthHeaders(borrowerToken))
	require.Equal(t, http.StatusOK, w.Code)

	testCtx.Clock.Advance(13 * 24 * time.Hour)
	assert.Equal(t, 0, runSweep(t, testCtx, ownerToken, "/api/sweeps/reminders"))
	testCtx.Clock.Advance(24 * time.Hour)
	assert.Equal(t, 1, runSweep(t, testCtx, ownerToken, "/api/sweeps/reminders"))
	assert.Equal(t, 3, testCtx.Notifier.CountByKind(borrowerID, "soft_reminder"))
}
