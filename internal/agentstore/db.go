// Package agentstore owns the single embedded SQL database an agent uses
// for message records and the audit log, mirroring the relay's shared
// *bolt.DB pattern (internal/store.OpenDB) with modernc.org/sqlite, a
// pure-Go driver so the agent engine stays cgo-free like the relay.
package agentstore

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	connection_address TEXT NOT NULL,
	direction TEXT NOT NULL,
	body TEXT NOT NULL,
	thread_id TEXT NOT NULL,
	reply_to TEXT,
	priority TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	state TEXT NOT NULL,
	failure_reason TEXT,
	attribution TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_connection ON messages(connection_address);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id);

CREATE TABLE IF NOT EXISTS activity_events (
	id TEXT PRIMARY KEY,
	connection_address TEXT NOT NULL,
	event_type TEXT NOT NULL,
	action_type TEXT NOT NULL,
	message_id TEXT,
	badge TEXT,
	details TEXT,
	actor_pubkey TEXT,
	message_hash TEXT,
	prev_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL,
	created_at TEXT NOT NULL,
	seq INTEGER
);
CREATE INDEX IF NOT EXISTS idx_activity_connection ON activity_events(connection_address);
`

// Open opens (creating if necessary) the agent's SQLite database at path
// and applies the schema. Both internal/messageengine and internal/audit
// accept the returned *sql.DB via an exposed accessor so they share one
// handle, exactly as the relay's BlockStore and MessageQueue share one
// *bolt.DB.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("agentstore: open %s: %w", path, err)
	}
	// modernc.org/sqlite connections are not safe for concurrent writers;
	// the agent engine is a single scheduling domain per spec §5, so one
	// connection is sufficient and avoids SQLITE_BUSY under concurrent
	// readers and a writer.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("agentstore: apply schema: %w", err)
	}
	return db, nil
}
