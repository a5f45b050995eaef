package router

import "time"

// LocalEditState is what the local copy looks like relative to an incoming
// remote version.
type LocalEditState int

const (
	// Clean has no unsaved edits.
	Clean LocalEditState = iota
	// Dirty has unsaved edits and nothing newer has been seen remotely.
	Dirty
	// DirtySuperseded has unsaved edits built on a version that is no longer
	// current.
	DirtySuperseded
)

func (s LocalEditState) String() string {
	switch s {
	case Clean:
		return "clean"
	case Dirty:
		return "dirty"
	case DirtySuperseded:
		return "dirty-superseded"
	}
	return "unknown"
}

// ClassifyLocalEdits compares the local edit marker with the last-saved
// marker. Edits are unsaved only when updatedAt is strictly after lastSavedAt.
func ClassifyLocalEdits(updatedAt, lastSavedAt time.Time, localVersion, remoteVersion int) LocalEditState {
	if !updatedAt.After(lastSavedAt) {
		return Clean
	}
	if remoteVersion > localVersion {
		return DirtySuperseded
	}
	return Dirty
}
