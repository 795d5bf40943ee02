package mbmempool

import "fmt"

// DuplicateError is returned when adding a transaction or equivocation proof
// that the pool already holds.
type DuplicateError struct {
	Hash []byte
}

func (e DuplicateError) Error() string {
	return fmt.Sprintf("already pooled: %X", e.Hash)
}

// PoolFullError is returned when the pool is at capacity
// and the new transaction does not pay more than the cheapest pooled one.
type PoolFullError struct {
	Capacity int
}

func (e PoolFullError) Error() string {
	return fmt.Sprintf("pool full at %d transactions", e.Capacity)
}

// TransactionTooLargeError is returned for a transaction
// that could never fit in a block body.
type TransactionTooLargeError struct {
	Size int
}

func (e TransactionTooLargeError) Error() string {
	return fmt.Sprintf("transaction of %d bytes can never fit in a block", e.Size)
}
