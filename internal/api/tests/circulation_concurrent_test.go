package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/pagepass/server/internal/api/testutils"
	"github.com/pagepass/server/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Both parties hammer the same handoff with confirmations from multiple
// goroutines. Every request must succeed, the handoff must complete
// exactly once, and the custody transition must be applied exactly once.
func TestConcurrentConfirmations(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)

	_, ownerToken := testCtx.NewUser(t, "owner")
	borrowerID, borrowerToken := testCtx.NewUser(t, "borrower")

	bookID := testCtx.AddBook(t, ownerToken, "Blindsight", false)

	w := testutils.PerformRequest(testCtx.Router, http.MethodPost,
		"/api/books/"+bookID+"/borrow", nil, testutils.AuthHeaders(borrowerToken))
	require.Equal(t, http.StatusOK, w.Code)

	snapshot := testCtx.GetSnapshot(t, ownerToken, bookID)
	require.NotNil(t, snapshot.OpenHandoff)
	handoffID := snapshot.OpenHandoff.ID

	const goroutinesPerParty = 5

	codesChan := make(chan int, goroutinesPerParty*2)
	var wg sync.WaitGroup

	confirm := func(token, party string) {
		defer wg.Done()

		w := testutils.PerformRequest(testCtx.Router, http.MethodPost,
			"/api/handoffs/"+handoffID+"/confirm",
			models.ConfirmHandoffRequest{Party: party},
			testutils.AuthHeaders(token))
		codesChan <- w.Code
	}

	for i := 0; i < goroutinesPerParty; i++ {
		wg.Add(2)
		go confirm(ownerToken, models.PartyGiver)
		go confirm(borrowerToken, models.PartyReceiver)
	}

	wg.Wait()
	close(codesChan)

	// Duplicate confirmations are no-ops, never errors.
	for code := range codesChan {
		assert.Equal(t, http.StatusOK, code)
	}

	// The handoff completed exactly once.
	handoff, err := testCtx.Repository.GetHandoff(context.Background(), handoffID)
	require.NoError(t, err)
	require.NotNil(t, handoff)
	require.NotNil(t, handoff.BothConfirmedAt)
	require.NotNil(t, handoff.GiverConfirmedAt)
	require.NotNil(t, handoff.ReceiverConfirmedAt)

	// And the custody transition with it: a clean borrowed state.
	snapshot = testCtx.GetSnapshot(t, ownerToken, bookID)
	assert.Equal(t, models.StatusBorrowed, snapshot.Book.Status)
	require.NotNil(t, snapshot.Book.CurrentBorrowerID)
	assert.Equal(t, borrowerID, *snapshot.Book.CurrentBorrowerID)
	assert.Nil(t, snapshot.OpenHandoff)
	assertCustodyInvariants(t, snapshot)
}

// An offer-timeout sweep races the recipient's acceptance of the same
// expired offer. The book row lock serializes them: exactly one of the
// two transitions may apply, never both.
func TestSweepRacesAcceptOffer(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)

	ownerID, ownerToken := testCtx.NewUser(t, "owner")
	holderID, holderToken := testCtx.NewUser(t, "holder")
	waiterID, waiterToken := testCtx.NewUser(t, "waiter")

	bookID := testCtx.AddBook(t, ownerToken, "Exhalation", false)
	completeLoan(t, testCtx, bookID, ownerToken, holderToken)

	w := testutils.PerformRequest(testCtx.Router, http.MethodPost,
		"/api/books/"+bookID+"/queue", nil, testutils.AuthHeaders(waiterToken))
	require.Equal(t, http.StatusOK, w.Code)

	w = testutils.PerformRequest(testCtx.Router, http.MethodPost,
		"/api/books/"+bookID+"/ready-to-pass", nil, testutils.AuthHeaders(holderToken))
	require.Equal(t, http.StatusOK, w.Code)

	// The offer is past its window: the accept and the sweep are both
	// eligible to act on it at the same instant.
	testCtx.Clock.Advance(49 * time.Hour)

	var wg sync.WaitGroup
	var acceptCode int
	var sweepBody []byte

	wg.Add(2)
	go func() {
		defer wg.Done()
		w := testutils.PerformRequest(testCtx.Router, http.MethodPost,
			"/api/books/"+bookID+"/offer/accept", nil, testutils.AuthHeaders(waiterToken))
		acceptCode = w.Code
	}()
	go func() {
		defer wg.Done()
		w := testutils.PerformRequest(testCtx.Router, http.MethodPost,
			"/api/sweeps/offer-timeouts", nil, testutils.AuthHeaders(ownerToken))
		assert.Equal(t, http.StatusOK, w.Code)
		sweepBody = w.Body.Bytes()
	}()
	wg.Wait()

	var sweepResp models.SweepResponse
	require.NoError(t, json.Unmarshal(sweepBody, &sweepResp))
	sweepProcessed := sweepResp.Processed

	snapshot := testCtx.GetSnapshot(t, ownerToken, bookID)
	assert.Equal(t, models.StatusInTransit, snapshot.Book.Status)
	require.NotNil(t, snapshot.OpenHandoff)
	assertCustodyInvariants(t, snapshot)

	switch {
	case acceptCode == http.StatusOK:
		// The acceptance won; the sweep's re-check must have backed off.
		assert.Equal(t, 0, sweepProcessed, "expired and accepted the same offer")
		assert.Equal(t, holderID, snapshot.OpenHandoff.GiverID)
		assert.Equal(t, waiterID, snapshot.OpenHandoff.ReceiverID)
		assert.Empty(t, snapshot.Queue)

	case acceptCode == http.StatusConflict:
		// The sweep won: the offer expired, the queue was exhausted, and
		// the book is on its way home. The waiter's entry survives with
		// the pass on record.
		assert.Equal(t, 1, sweepProcessed)
		assert.Equal(t, holderID, snapshot.OpenHandoff.GiverID)
		assert.Equal(t, ownerID, snapshot.OpenHandoff.ReceiverID)
		require.Len(t, snapshot.Queue, 1)
		assert.Equal(t, waiterID, snapshot.Queue[0].UserID)
		assert.Equal(t, 1, snapshot.Queue[0].PassCount)

	default:
		t.Fatalf("unexpected accept status %d", acceptCode)
	}
}
