// Package correlation pairs outbound requests with their asynchronous replies.
//
// # Overview
//
// A Router is a table of in-flight call identifiers, each owning a single-use
// reply slot. The HTTP-serving side registers a call, sends the call_id to a
// peer, and blocks on the Waiter. The peer's receive loop later calls Resolve
// with the same call_id.
//
//	w, _ := router.Register()
//	peer.Send(ctx, event{CallID: w.ID(), ...})
//	payload, err := w.Wait(ctx)
//
// # Guarantees
//
//   - Resolve removes the entry under the table lock before delivering, so
//     exactly one resolution is accepted per call_id.
//   - Resolve for an unknown, already resolved, or evicted id returns false
//     and does nothing else. Late and duplicate replies are harmless.
//   - The table lock is never held while a Waiter blocks.
//
// # Eviction
//
// Entries whose requester never collects a reply are removed after TTL by a
// background reaper. The waiter, if still present, observes ErrEvicted.
// A zero TTL disables the reaper and leaves abandoned entries in the table
// until Close.
package correlation
