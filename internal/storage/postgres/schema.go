package postgres

// Schema creates the base tables and indexes. All statements are idempotent
// so re-opening an existing database is safe.
const Schema = `
CREATE TABLE IF NOT EXISTS memories (
    id               TEXT PRIMARY KEY,
    user_id          TEXT NOT NULL,
    content          TEXT NOT NULL,
    category         TEXT NOT NULL,
    importance       DOUBLE PRECISION NOT NULL DEFAULT 0.5,
    keywords         JSONB,
    embedding        BYTEA,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    last_accessed_at TIMESTAMPTZ,
    access_count     INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id);
CREATE INDEX IF NOT EXISTS idx_memories_user_category ON memories(user_id, category);

CREATE TABLE IF NOT EXISTS messages (
    id              BIGSERIAL PRIMARY KEY,
    user_id         TEXT NOT NULL,
    conversation_id TEXT NOT NULL,
    role            TEXT NOT NULL,
    text            TEXT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_id, conversation_id);
`

// MigrationPgvector adds the vector column used for cosine-distance queries.
// Applied only when the pgvector extension is installed. The dimension matches
// nomic-embed-text; servers using another embedding model should migrate the
// column accordingly.
const MigrationPgvector = `
ALTER TABLE memories ADD COLUMN IF NOT EXISTS embedding_vec vector(768);
`
