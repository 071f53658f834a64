// Package realtime is the studyhub messaging core: rooms and memberships, the
// ordered message log, topic fan-out, channel presence, and the WebSocket
// gateway that binds authenticated sessions to all of them.
//
// Durable state (rooms, memberships, messages) lives behind Store. Presence is
// ephemeral and lives behind PresenceSet. Everything a session observes is
// delivered through the Hub, which never blocks a publisher.
package realtime
