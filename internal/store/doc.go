// Package store provides persistence for chats, messages and the stream ledger.
//
// # Architecture
//
// Store is the single interface the chat pipeline depends on. Three
// implementations exist:
//
//   - SQLiteStore: modernc.org/sqlite, schema created on open
//   - PostgresStore: GORM over the hosted Chat, Message_v2 and Stream tables
//   - MockStore: in-memory, with call counters for tests
//
// # Data Models
//
//   - Chat: a conversation owned by one user, private or public
//   - Message: an immutable message with ordered Parts
//   - Part: text content or an opaque non-text element kept verbatim
//   - StreamRecord: a ledger entry marking that a generation was started
//
// Nothing is ever updated in place. Messages and stream records are only
// appended, and both are read back oldest first.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as fixed-width UTC RFC 3339 strings with nanosecond
// precision so they sort lexically.
//
// # Error Handling
//
//   - ErrNotFound: requested chat does not exist
//   - ErrDuplicateChat: a chat with the same ID was already created
package store
