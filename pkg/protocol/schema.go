package protocol

// SchemaDDL defines the SQLite schema for the Harbor coordination database.
// Tables: agents, work_claims, work_announcements, agent_messages,
// deploy_actions, deploy_batches, events.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Registered agents and their lifecycle state
CREATE TABLE IF NOT EXISTS agents (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    session_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'active',
    current_task TEXT NOT NULL DEFAULT '',
    worktree_branch TEXT NOT NULL DEFAULT '',
    capabilities TEXT NOT NULL DEFAULT '[]',
    started_at TEXT NOT NULL,
    last_heartbeat TEXT NOT NULL
);

-- TTL-bounded exclusive/shared resource leases
CREATE TABLE IF NOT EXISTS work_claims (
    id INTEGER PRIMARY KEY,
    resource TEXT NOT NULL,
    agent_id TEXT NOT NULL,
    claim_type TEXT NOT NULL DEFAULT 'exclusive',
    claimed_at TEXT NOT NULL,
    expires_at TEXT NOT NULL
);

-- The storage-layer arbiter for exclusive claims: at most one exclusive
-- row per resource. Expired rows are deleted inside the claim transaction
-- before insert, so a lingering expired claim cannot block acquisition.
CREATE UNIQUE INDEX IF NOT EXISTS idx_claims_exclusive
    ON work_claims(resource) WHERE claim_type = 'exclusive';

CREATE INDEX IF NOT EXISTS idx_claims_agent ON work_claims(agent_id);

-- Advisory work-intent announcements
CREATE TABLE IF NOT EXISTS work_announcements (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    agent_name TEXT NOT NULL DEFAULT '',
    worktree_branch TEXT NOT NULL DEFAULT '',
    intent_type TEXT NOT NULL,
    resource TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    files_affected TEXT NOT NULL DEFAULT '[]',
    estimated_completion TEXT NOT NULL DEFAULT '',
    announced_at TEXT NOT NULL,
    completed_at TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_announcements_agent ON work_announcements(agent_id);
CREATE INDEX IF NOT EXISTS idx_announcements_resource ON work_announcements(resource);

-- Broadcast/direct messages with priority and expiry
CREATE TABLE IF NOT EXISTS agent_messages (
    id TEXT PRIMARY KEY,
    channel TEXT NOT NULL,
    from_agent TEXT NOT NULL,
    to_agent TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL DEFAULT 'notification',
    payload TEXT NOT NULL DEFAULT '{}',
    priority INTEGER NOT NULL DEFAULT 5,
    created_at TEXT NOT NULL,
    read_at TEXT NOT NULL DEFAULT '',
    expires_at TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_messages_unread ON agent_messages(to_agent, read_at);

-- Queued deploy actions; mergeable pending actions are unioned per
-- (action_type, target) at enqueue time
CREATE TABLE IF NOT EXISTS deploy_actions (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    action_type TEXT NOT NULL,
    target TEXT NOT NULL,
    payload TEXT NOT NULL DEFAULT '{}',
    status TEXT NOT NULL DEFAULT 'pending',
    batch_id TEXT NOT NULL DEFAULT '',
    queued_at TEXT NOT NULL,
    execute_after TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 5,
    dependencies TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_actions_ready ON deploy_actions(status, execute_after);
CREATE INDEX IF NOT EXISTS idx_actions_batch ON deploy_actions(batch_id);

-- Formed batches and their execution results
CREATE TABLE IF NOT EXISTS deploy_batches (
    id TEXT PRIMARY KEY,
    actions TEXT NOT NULL DEFAULT '[]',
    status TEXT NOT NULL DEFAULT 'pending',
    created_at TEXT NOT NULL,
    executed_at TEXT NOT NULL DEFAULT '',
    result TEXT NOT NULL DEFAULT ''
);

-- Engine event log: registrations, claims, overlaps, batches, failures
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    agent_id TEXT NOT NULL DEFAULT '',
    resource TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_events_agent ON events(agent_id);
`
