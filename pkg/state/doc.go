// Package state defines the persisted instance record and everything needed
// to read it safely: version migration, structural validation against an
// embedded CUE schema, provider-specific narrowing and deep merging of
// partial updates.
//
// Records on disk may have been written by older releases. Parse always runs
// the migration chain first (legacy "0" -> "1" -> "2"), then validates the
// result, so callers only ever see the current shape:
//
//	p, _ := state.NewParser()
//	rec, err := p.ParseBytes(data)
//	if engine.IsValidation(err) {
//	    // err names the first mismatching path
//	}
//
// The events history is an EventLog capped at MaxEvents entries. When full,
// the entry with the smallest timestamp is dropped.
package state
