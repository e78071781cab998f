// Package relay implements the room lifecycle and broadcast engine: it
// tracks authenticated transport connections, creates and destroys rooms
// bound to a chat, relays inbound messages through per-room backend adapters,
// and fans backend output back out to every joined connection.
//
// Concurrency model: the connection registry and room manager are process
// wide with a single mutex each. Per-room state is serialized through the
// room itself: one worker goroutine runs backend turns in arrival order, and
// one forwarder goroutine drains the room's pub/sub topic so broadcast events
// reach members in emission order. Broadcast recipients are snapshotted at
// publish time, so a connection only receives events emitted while it was a
// member. Rooms never share locks, so turns in different rooms proceed
// independently.
package relay
