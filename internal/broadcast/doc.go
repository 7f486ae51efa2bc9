// Package broadcast is the Broadcast Channel: a best-effort,
// non-persistent message bus that lets one writer announce a mutation to
// its other sessions before the Change Feed catches up.
//
// Messages are addressed by topic (one topic per owner) and carry the
// origin of the session that published them; a session never receives
// its own messages back. Delivery is at-most-once. Consumers must stay
// correct when messages are dropped or the channel is absent entirely.
//
// Hub is the in-process bus. Relay exposes a Hub over websockets and
// Dial connects to one; frames are JSON text or CBOR binary.
package broadcast
