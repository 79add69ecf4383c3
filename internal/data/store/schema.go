package store

// schema contains all table definitions.
//
// Tables:
//   - blaze_jobs - Outbound job queue, drained in order_id order
//   - blaze_messages - Local message rows
//   - blaze_message_history - Ids of messages processed without a row
//   - blaze_transcript_messages - Children of transcript messages
//   - blaze_conversations - Conversation metadata
//   - blaze_participants - Current participants
//   - blaze_participant_sessions - Encryption endpoints per conversation
//   - blaze_pending_messages - Inbound backlog of unprocessed pushes
//   - blaze_resend_states - Outstanding resend-key requests
//   - blaze_resend_messages - Messages already resent to a peer session
//   - blaze_sync_state - Cursors and last-run timestamps
const schema = `
-- ============================================================
-- Outbound jobs
-- ============================================================
CREATE TABLE IF NOT EXISTS blaze_jobs (
    order_id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL UNIQUE,
    action TEXT NOT NULL,
    category TEXT NOT NULL,
    conversation_id TEXT,
    user_id TEXT,
    session_id TEXT,
    message_id TEXT,
    status TEXT,
    payload BLOB,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_blaze_jobs_category ON blaze_jobs(category, order_id);

-- ============================================================
-- Messages
-- ============================================================
CREATE TABLE IF NOT EXISTS blaze_messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    category TEXT NOT NULL,
    content TEXT,
    name TEXT,

    -- Attachment
    attachment_id TEXT,
    media_mime_type TEXT,
    media_size INTEGER,
    media_status TEXT,

    quote_message_id TEXT,
    status TEXT NOT NULL,
    status_rank INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_blaze_messages_conversation ON blaze_messages(conversation_id, created_at);
CREATE INDEX IF NOT EXISTS idx_blaze_messages_failed ON blaze_messages(conversation_id, user_id, status);

CREATE TABLE IF NOT EXISTS blaze_message_history (
    message_id TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS blaze_transcript_messages (
    transcript_id TEXT NOT NULL,
    message_id TEXT NOT NULL,
    user_id TEXT,
    category TEXT NOT NULL,
    content TEXT,
    attachment_id TEXT,
    media_status TEXT,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (transcript_id, message_id)
);

-- ============================================================
-- Conversations
-- ============================================================
CREATE TABLE IF NOT EXISTS blaze_conversations (
    conversation_id TEXT PRIMARY KEY,
    owner_id TEXT,
    category TEXT NOT NULL,
    name TEXT,
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS blaze_participants (
    conversation_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    role TEXT,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (conversation_id, user_id)
);

CREATE TABLE IF NOT EXISTS blaze_participant_sessions (
    conversation_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    sent_to_server INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (conversation_id, user_id, session_id)
);
CREATE INDEX IF NOT EXISTS idx_blaze_participant_sessions_user ON blaze_participant_sessions(user_id, session_id);

-- ============================================================
-- Inbound backlog
-- ============================================================
CREATE TABLE IF NOT EXISTS blaze_pending_messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id TEXT NOT NULL UNIQUE,
    data BLOB NOT NULL,
    created_at INTEGER NOT NULL
);

-- ============================================================
-- Resend protocol
-- ============================================================
CREATE TABLE IF NOT EXISTS blaze_resend_states (
    conversation_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (conversation_id, user_id, session_id)
);

CREATE TABLE IF NOT EXISTS blaze_resend_messages (
    message_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (message_id, user_id, session_id)
);

-- ============================================================
-- Sync state
-- ============================================================
CREATE TABLE IF NOT EXISTS blaze_sync_state (
    sync_type TEXT PRIMARY KEY,
    last_sync_at INTEGER NOT NULL,
    sync_progress INTEGER,
    sync_data TEXT
);
`
