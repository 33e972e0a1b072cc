package models

// Request models
type SignUpRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
	Name     string `json:"name" binding:"required"`
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type AddBookRequest struct {
	Title        string `json:"title" binding:"required"`
	Author       string `json:"author"`
	GiftOnBorrow bool   `json:"giftOnBorrow"`
}

type PassOfferRequest struct {
	Reason string `json:"reason"`
}

type ConfirmHandoffRequest struct {
	Party string `json:"party" binding:"required,oneof=giver receiver"`
}

// Response models
type AuthResponse struct {
	Status    string `json:"status"`
	UserID    string `json:"userId,omitempty"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	Token     string `json:"token,omitempty"`
	ExpiresIn int    `json:"expiresIn,omitempty"`
}

// BookSnapshot is the state returned to callers after every command: the
// book's custody fields, its queue in position order, and the open handoff
// if one is in flight.
type BookSnapshot struct {
	Status      string               `json:"status"`
	Book        Book                 `json:"book"`
	Queue       []QueueEntry         `json:"queue"`
	OpenHandoff *HandoffConfirmation `json:"openHandoff,omitempty"`
}

type BookListResponse struct {
	Status string `json:"status"`
	Books  []Book `json:"books"`
}

// SweepResponse reports how many items a sweep acted on.
type SweepResponse struct {
	Status    string `json:"status"`
	Processed int    `json:"processed"`
}

type ErrorResponse struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
