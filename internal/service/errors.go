package service

import "errors"

// Precondition violations surfaced directly to the caller. No retry is
// useful; the caller must re-fetch state and re-decide.
var (
	ErrBookNotFound       = errors.New("book not found")
	ErrHandoffNotFound    = errors.New("handoff not found")
	ErrUserNotFound       = errors.New("user not found")
	ErrAlreadyBorrowed    = errors.New("book is not available")
	ErrSelfBorrowDenied   = errors.New("a book cannot be borrowed by its own owner")
	ErrAlreadyQueued      = errors.New("already in the queue for this book")
	ErrOwnerCannotQueue   = errors.New("the owner cannot join the queue for their own book")
	ErrNotQueued          = errors.New("not in the queue for this book")
	ErrNotBorrowed        = errors.New("book is not currently borrowed")
	ErrBookAvailable      = errors.New("book is available, request to borrow it instead")
	ErrNotAuthorized      = errors.New("not a party to this handoff")
	ErrNotCurrentBorrower = errors.New("only the current borrower can do this")
	ErrNotOwner           = errors.New("only the owner can do this")
	ErrRecallNotActive    = errors.New("no recall is active for this book")
	ErrNoActiveOffer      = errors.New("no offer is outstanding for this book")
	ErrNotOfferRecipient  = errors.New("the offer is not addressed to this user")
	ErrBookOffShelf       = errors.New("book has been withdrawn from circulation")
	ErrEmailTaken         = errors.New("user with this email already exists")
)
