// Package matrix is an optional Matrix frontend for the gateway.
//
// The bridge syncs as a Matrix user, forwards text messages from allowed
// rooms and senders to the gateway, and posts the assistant's reply back as
// an HTML-formatted message rendered from markdown. Each room is its own
// conversation: the session key is "matrix:" followed by the room id.
//
// Messages must start with the configured command prefix (default "!relay")
// when one is set. While a reply for a room is in flight, further messages
// in that room are dropped.
package matrix
