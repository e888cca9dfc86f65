package models

import "time"

// Owned records are the fan-out the purge must cascade over. Their
// CRUD lives in other services; this one only creates sessions and
// deletes everything.

type Transaction struct {
	IdentityID string    `db:"identity_id"`
	ID         string    `db:"transaction_id"`
	CategoryID string    `db:"category_id"`
	Amount     int64     `db:"amount"`
	Note       string    `db:"note"`
	OccurredAt time.Time `db:"occurred_at"`
}

type Loan struct {
	IdentityID   string    `db:"identity_id"`
	ID           string    `db:"loan_id"`
	Counterparty string    `db:"counterparty"`
	Amount       int64     `db:"amount"`
	DueAt        time.Time `db:"due_at"`
}

type Category struct {
	IdentityID string `db:"identity_id"`
	ID         string `db:"category_id"`
	Name       string `db:"name"`
}

type Session struct {
	IdentityID string    `db:"identity_id"`
	ID         string    `db:"session_id"`
	CreatedAt  time.Time `db:"created_at"`
	ExpiresAt  time.Time `db:"expires_at"`
}
