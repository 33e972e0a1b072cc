package api_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/pagepass/server/internal/api/testutils"
	"github.com/pagepass/server/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPagepassFlow(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)

	_, ownerToken := testCtx.NewUser(t, "owner")
	holderID, holderToken := testCtx.NewUser(t, "holder")
	nextID, nextToken := testCtx.NewUser(t, "next")

	bookID := testCtx.AddBook(t, ownerToken, "A Wizard of Earthsea", false)
	completeLoan(t, testCtx, bookID, ownerToken, holderToken)

	// The next reader queues up at position 1.
	w := testutils.PerformRequest(testCtx.Router, http.MethodPost,
		"/api/books/"+bookID+"/queue", nil, testutils.AuthHeaders(nextToken))
	require.Equal(t, http.StatusOK, w.Code)

	// Holder is done: the book is offered onward, still in their hands.
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost,
		"/api/books/"+bookID+"/ready-to-pass", nil, testutils.AuthHeaders(holderToken))
	require.Equal(t, http.StatusOK, w.Code)

	snapshot := testCtx.GetSnapshot(t, ownerToken, bookID)
	assert.Equal(t, models.StatusReadyForNext, snapshot.Book.Status)
	require.NotNil(t, snapshot.Book.NextRecipientID)
	assert.Equal(t, nextID, *snapshot.Book.NextRecipientID)
	assert.Equal(t, 1, testCtx.Notifier.CountByKind(nextID, "offer_ready"))

	// Accepting starts the handoff from the holder; the entry is served.
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost,
		"/api/books/"+bookID+"/offer/accept", nil, testutils.AuthHeaders(nextToken))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	snapshot = testCtx.GetSnapshot(t, ownerToken, bookID)
	assert.Equal(t, models.StatusInTransit, snapshot.Book.Status)
	assert.Empty(t, snapshot.Queue)
	require.NotNil(t, snapshot.OpenHandoff)
	assert.Equal(t, holderID, snapshot.OpenHandoff.GiverID)
	assert.Equal(t, nextID, snapshot.OpenHandoff.ReceiverID)
	assertCustodyInvariants(t, snapshot)

	// Both confirm: custody moves directly between borrowers.
	testCtx.Confirm(t, holderToken, snapshot.OpenHandoff.ID, models.PartyGiver)
	snapshot = testCtx.Confirm(t, nextToken, snapshot.OpenHandoff.ID, models.PartyReceiver)
	assert.Equal(t, models.StatusBorrowed, snapshot.Book.Status)
	require.NotNil(t, snapshot.Book.CurrentBorrowerID)
	assert.Equal(t, nextID, *snapshot.Book.CurrentBorrowerID)
	assertCustodyInvariants(t, snapshot)
}

func TestPassOfferAdvancesWithoutReordering(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)

	_, ownerToken := testCtx.NewUser(t, "owner")
	_, holderToken := testCtx.NewUser(t, "holder")
	firstID, firstToken := testCtx.NewUser(t, "first")
	secondID, secondToken := testCtx.NewUser(t, "second")

	bookID := testCtx.AddBook(t, ownerToken, "The Left Hand of Darkness", false)
	completeLoan(t, testCtx, bookID, ownerToken, holderToken)

	for _, token := range []string{firstToken, secondToken} {
		w := testutils.PerformRequest(testCtx.Router, http.MethodPost,
			"/api/books/"+bookID+"/queue", nil, testutils.AuthHeaders(token))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := testutils.PerformRequest(testCtx.Router, http.MethodPost,
		"/api/books/"+bookID+"/ready-to-pass", nil, testutils.AuthHeaders(holderToken))
	require.Equal(t, http.StatusOK, w.Code)

	// Only the offer recipient may respond.
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost,
		"/api/books/"+bookID+"/offer/pass",
		models.PassOfferRequest{Reason: "not my turn"}, testutils.AuthHeaders(secondToken))
	assert.Equal(t, http.StatusForbidden, w.Code)

	// The first waiter passes: the offer walks on, their entry stays put.
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost,
		"/api/books/"+bookID+"/offer/pass",
		models.PassOfferRequest{Reason: "busy this month"}, testutils.AuthHeaders(firstToken))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	snapshot := testCtx.GetSnapshot(t, ownerToken, bookID)
	assert.Equal(t, models.StatusReadyForNext, snapshot.Book.Status)
	require.NotNil(t, snapshot.Book.NextRecipientID)
	assert.Equal(t, secondID, *snapshot.Book.NextRecipientID)
	require.Len(t, snapshot.Queue, 2)
	assert.Equal(t, firstID, snapshot.Queue[0].UserID)
	assert.Equal(t, 1, snapshot.Queue[0].Position)
	assert.Equal(t, 1, snapshot.Queue[0].PassCount)
	assertCustodyInvariants(t, snapshot)
}

// The third pass demotes the passer to position 2 and restarts the offer
// at the head of the queue.
func TestTriplePassDemotion(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)

	_, ownerToken := testCtx.NewUser(t, "owner")
	_, holderToken := testCtx.NewUser(t, "holder")
	firstID, firstToken := testCtx.NewUser(t, "first")
	secondID, secondToken := testCtx.NewUser(t, "second")
	chronicID, chronicToken := testCtx.NewUser(t, "chronic-passer")

	bookID := testCtx.AddBook(t, ownerToken, "Neuromancer", false)
	completeLoan(t, testCtx, bookID, ownerToken, holderToken)

	for _, token := range []string{firstToken, secondToken, chronicToken} {
		w := testutils.PerformRequest(testCtx.Router, http.MethodPost,
			"/api/books/"+bookID+"/queue", nil, testutils.AuthHeaders(token))
		require.Equal(t, http.StatusOK, w.Code)
	}

	// Two earlier passes on this book are already on record.
	require.NoError(t, testCtx.Repository.SetQueuePassCount(
		context.Background(), bookID, chronicID, 2))

	w := testutils.PerformRequest(testCtx.Router, http.MethodPost,
		"/api/books/"+bookID+"/ready-to-pass", nil, testutils.AuthHeaders(holderToken))
	require.Equal(t, http.StatusOK, w.Code)

	// The offer walks down the queue as the first two waiters pass.
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost,
		"/api/books/"+bookID+"/offer/pass", nil, testutils.AuthHeaders(firstToken))
	require.Equal(t, http.StatusOK, w.Code)
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost,
		"/api/books/"+bookID+"/offer/pass", nil, testutils.AuthHeaders(secondToken))
	require.Equal(t, http.StatusOK, w.Code)

	snapshot := testCtx.GetSnapshot(t, ownerToken, bookID)
	require.NotNil(t, snapshot.Book.NextRecipientID)
	require.Equal(t, chronicID, *snapshot.Book.NextRecipientID)

	// Third pass: demoted to position 2, behind one fresher entrant, and
	// the offer restarts at position 1.
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost,
		"/api/books/"+bookID+"/offer/pass", nil, testutils.AuthHeaders(chronicToken))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	snapshot = testCtx.GetSnapshot(t, ownerToken, bookID)
	require.Len(t, snapshot.Queue, 3)
	assert.Equal(t, firstID, snapshot.Queue[0].UserID)
	assert.Equal(t, chronicID, snapshot.Queue[1].UserID)
	assert.Equal(t, 2, snapshot.Queue[1].Position)
	assert.Equal(t, 3, snapshot.Queue[1].PassCount)
	assert.Equal(t, secondID, snapshot.Queue[2].UserID)
	assert.Equal(t, 3, snapshot.Queue[2].Position)

	require.NotNil(t, snapshot.Book.NextRecipientID)
	assert.Equal(t, firstID, *snapshot.Book.NextRecipientID)
	assertCustodyInvariants(t, snapshot)
}

// With every waiter passed over and the book still in a reader's hands,
// it heads home to the owner.
func TestQueueExhaustedRoutesHome(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)

	ownerID, ownerToken := testCtx.NewUser(t, "owner")
	holderID, holderToken := testCtx.NewUser(t, "holder")
	_, waiterToken := testCtx.NewUser(t, "waiter")

	bookID := testCtx.AddBook(t, ownerToken, "Roadside Picnic", false)
	completeLoan(t, testCtx, bookID, ownerToken, holderToken)

	w := testutils.PerformRequest(testCtx.Router, http.MethodPost,
		"/api/books/"+bookID+"/queue", nil, testutils.AuthHeaders(waiterToken))
	require.Equal(t, http.StatusOK, w.Code)

	w = testutils.PerformRequest(testCtx.Router, http.MethodPost,
		"/api/books/"+bookID+"/ready-to-pass", nil, testutils.AuthHeaders(holderToken))
	require.Equal(t, http.StatusOK, w.Code)

	w = testutils.PerformRequest(testCtx.Router, http.MethodPost,
		"/api/books/"+bookID+"/offer/pass", nil, testutils.AuthHeaders(waiterToken))
	require.Equal(t, http.StatusOK, w.Code)

	snapshot := testCtx.GetSnapshot(t, ownerToken, bookID)
	assert.Equal(t, models.StatusInTransit, snapshot.Book.Status)
	require.NotNil(t, snapshot.OpenHandoff)
	assert.Equal(t, holderID, snapshot.OpenHandoff.GiverID)
	assert.Equal(t, ownerID, snapshot.OpenHandoff.ReceiverID)
	assert.Equal(t, 1, testCtx.Notifier.CountByKind(holderID, "queue_exhausted"))
	assertCustodyInvariants(t, snapshot)
}

func TestGiftOnBorrowTransfersOwnership(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)

	originalOwnerID, originalOwnerToken := testCtx.NewUser(t, "original-owner")
	recipientID, recipientToken := testCtx.NewUser(t, "recipient")

	bookID := testCtx.AddBook(t, originalOwnerToken, "The Lathe of Heaven", true)

	w := testutils.PerformRequest(testCtx.Router, http.MethodPost,
		"/api/books/"+bookID+"/borrow", nil, testutils.AuthHeaders(recipientToken))
	require.Equal(t, http.StatusOK, w.Code)

	snapshot := testCtx.GetSnapshot(t, originalOwnerToken, bookID)
	require.NotNil(t, snapshot.OpenHandoff)
	testCtx.Confirm(t, originalOwnerToken, snapshot.OpenHandoff.ID, models.PartyGiver)
	snapshot = testCtx.Confirm(t, recipientToken, snapshot.OpenHandoff.ID, models.PartyReceiver)

	// Ownership moved; the cycle restarts on the new owner's shelf.
	assert.Equal(t, recipientID, snapshot.Book.OwnerID)
	assert.Equal(t, models.StatusAvailable, snapshot.Book.Status)
	assert.Nil(t, snapshot.Book.CurrentBorrowerID)
	assert.False(t, snapshot.Book.GiftOnBorrow, "the gift flag is consumed")
	assertCustodyInvariants(t, snapshot)

	// The original owner is now an ordinary borrower.
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost,
		"/api/books/"+bookID+"/borrow", nil, testutils.AuthHeaders(originalOwnerToken))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	snapshot = testCtx.GetSnapshot(t, originalOwnerToken, bookID)
	assert.Equal(t, models.StatusInTransit, snapshot.Book.Status)
	require.NotNil(t, snapshot.Book.CurrentBorrowerID)
	assert.Equal(t, originalOwnerID, *snapshot.Book.CurrentBorrowerID)
	assertCustodyInvariants(t, snapshot)
}
