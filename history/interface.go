package history

import (
	"exam-prep-server/fallback"
	"exam-prep-server/storage"
)

// The concrete stores satisfy the adapter's interfaces at compile time.
// Tests substitute in-memory fakes.
var (
	_ Remote   = (*storage.Store)(nil)
	_ Fallback = (*fallback.Store)(nil)
)
