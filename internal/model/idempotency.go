package model

import "time"

// IdempotencyRecord is the cached outcome of a request submitted with an
// idempotency key. Processing marks a key locked by an in-flight request.
type IdempotencyRecord struct {
	Status     int       `json:"status"`
	Body       []byte    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
	Processing bool      `json:"processing"`
}
