// Package store provides persistent conversation storage for agentdesk using SQLite.
//
// # Data Model
//
// A Thread is owned by either an A2A agent or an LLM provider:
//
//   - Agent threads link to a row in contexts once the first agent task runs;
//     their messages live in messages(context_id, role, content, timestamp).
//   - Provider threads have a matching llm_chats row created with the thread;
//     their messages live in llm_messages(chat_id, role, content, timestamp).
//
// Foreign keys are enforced on every connection. Deleting a thread removes its
// context or chat and cascades to the messages under it.
//
// # Ordering
//
// Messages are returned in insertion order (an autoincrement sequence), which is
// the order the session layer appended them.
//
// MockStore is an in-memory implementation with the same parent-row rules for
// tests that do not need SQLite.
package store
