// Package publisher streams committed transactions to external systems
// (Kafka, NATS JetStream).
//
// Every configured sink gets a Worker that tails the transaction log from
// its own cursor, kept in the meta store under /sinkcursor/{sinkName}. The
// cursor is advanced after a successful publish, so delivery is
// at-least-once: a crash between publish and cursor update redelivers the
// entry.
//
// Workers wake up on commit signals from the notify hub and fall back to
// polling when no signal arrives.
//
// # Filters
//
// GlobFilter selects entries by DN. Patterns are matched case-insensitively
// and "*" does not cross RDN boundaries:
//
//	filter, err := NewGlobFilter([]string{
//		"*,ou=people,dc=example,dc=com",   // direct children only
//		"**,cn=groups,dc=example,dc=com",  // whole subtree
//	})
//
// # Thread Safety
//
// Registry and Worker lifecycle methods are safe for concurrent use. Each
// Worker owns its cursor; workers never share one.
package publisher
