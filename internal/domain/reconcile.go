package domain

import "fmt"

// Reconcile merges a locally-held view of an order (possibly carrying
// an unconfirmed optimistic edit) with a remote canonical view of the
// same order, and returns the representation to treat as authoritative.
//
// The version counter alone decides which snapshot wins:
//
//   - remote strictly newer: the backend (or another client) has made
//     progress the local view does not know about; any local optimistic
//     assumption is stale and is discarded.
//   - versions tie: remote's field values win, on the principle that
//     the backend is the values-of-record. Divergent same-version edits
//     are not detected; remote is trusted. Callers that need to keep
//     client-only transient flags across this branch must copy them
//     onto the result themselves.
//   - local strictly newer: the remote snapshot is stale, typically the
//     delayed response to a persist that a newer realtime push already
//     superseded, and local is kept.
//
// The result is always a detached copy; neither input's item slice is
// aliased. Reconcile is pure and idempotent for identical inputs.
// Calling it with two different order ids is a programmer error and
// panics.
func Reconcile(local, remote Order) Order {
	if local.ID != remote.ID {
		panic(fmt.Sprintf("domain: reconcile called with mismatched order ids %q and %q", local.ID, remote.ID))
	}
	if remote.Version >= local.Version {
		return remote.Clone()
	}
	return local.Clone()
}
