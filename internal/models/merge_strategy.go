package models

// MergeStrategy defines how a client field write is reconciled when the
// server holds a strictly newer value for the same field.
type MergeStrategy string

const (
	// MergeLastWriteWins silently prefers the newer timestamp.
	MergeLastWriteWins MergeStrategy = "last_write_wins"
	// MergeServerWins silently rejects stale client writes.
	MergeServerWins MergeStrategy = "server_wins"
	// MergeClientWins applies the client value even over a newer server value.
	MergeClientWins MergeStrategy = "client_wins"
	// MergeKeepBoth rejects the stale client write and reports a FieldConflict.
	MergeKeepBoth MergeStrategy = "keep_both"
)

// Valid reports whether the strategy is one of the known policies.
func (s MergeStrategy) Valid() bool {
	switch s {
	case MergeLastWriteWins, MergeServerWins, MergeClientWins, MergeKeepBoth:
		return true
	}
	return false
}
