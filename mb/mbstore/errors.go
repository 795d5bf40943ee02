package mbstore

import (
	"errors"
	"fmt"
)

// ErrStoreUninitialized is returned by store methods
// that need a corresponding Save call before a call to Load is valid.
var ErrStoreUninitialized = errors.New("uninitialized")

// BlockUnknownError is returned when loading a block number that was never saved.
type BlockUnknownError struct {
	Number uint32
}

func (e BlockUnknownError) Error() string {
	return fmt.Sprintf("no block stored at number %d", e.Number)
}
