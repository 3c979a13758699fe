package migrate

import (
	"fmt"

	"searchsync/internal/search"
)

// State is derived from alias membership on every check; it is never stored.
type State int

const (
	// StateUninitialised: neither alias exists. The first check creates the
	// target index and points both aliases at it.
	StateUninitialised State = iota
	// StateCurrent: the write index carries the target fingerprint and the
	// read alias holds only that index.
	StateCurrent
	// StateNeedsMigration: the write index carries another fingerprint.
	StateNeedsMigration
	// StateResyncIncomplete: fingerprints match but the read alias still
	// holds retired indices, so a previous resync or cleanup did not finish.
	StateResyncIncomplete
	// StateInconsistent: the write alias does not hold exactly one index, or
	// that index is not behind the read alias. Never repaired automatically.
	StateInconsistent
)

func (s State) String() string {
	switch s {
	case StateUninitialised:
		return "uninitialised"
	case StateCurrent:
		return "current"
	case StateNeedsMigration:
		return "needs_migration"
	case StateResyncIncomplete:
		return "resync_incomplete"
	case StateInconsistent:
		return "inconsistent"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Status is a read-only view of one app's indices and aliases.
type Status struct {
	App                string
	ReadAlias          string
	WriteAlias         string
	ReadIndices        []string
	WriteIndices       []string
	CurrentFingerprint string // "" if the write index was not created by us
	TargetFingerprint  string
	TargetIndex        string
	State              State
	// Reason explains StateInconsistent.
	Reason string
}

// WriteIndex returns the single write index, or "" if there is not exactly one.
func (s Status) WriteIndex() string {
	if len(s.WriteIndices) != 1 {
		return ""
	}
	return s.WriteIndices[0]
}

func derive(st *Status, read, write search.Set) {
	switch {
	case len(read) == 0 && len(write) == 0:
		st.State = StateUninitialised
	case len(write) != 1:
		st.State = StateInconsistent
		st.Reason = fmt.Sprintf("write alias %s holds %d indices, want 1", st.WriteAlias, len(write))
	case !read.Has(st.WriteIndex()):
		st.State = StateInconsistent
		st.Reason = fmt.Sprintf("write index %s is not behind read alias %s", st.WriteIndex(), st.ReadAlias)
	case st.CurrentFingerprint != st.TargetFingerprint:
		st.State = StateNeedsMigration
	case len(read) > 1:
		st.State = StateResyncIncomplete
	default:
		st.State = StateCurrent
	}
}
