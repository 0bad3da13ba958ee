package sqlite

const schema = `
-- Jobs table: append-only ledger of schedulable work.
-- version increments on every successful mutation; the conditional update
-- guards on (status, version) to give compare-and-swap semantics.
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    job_type TEXT NOT NULL CHECK(job_type IN (
        'compute-projection', 'compute-clusters', 'compute-representativeness',
        'compose-pipeline', 'generate-report-batch', 'check-report-batch')),
    status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN (
        'pending', 'processing', 'completed', 'failed', 'cancelled')),
    priority INTEGER NOT NULL DEFAULT 5 CHECK(priority >= 0 AND priority <= 9),
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    started_at DATETIME,
    completed_at DATETIME,
    worker_id TEXT NOT NULL DEFAULT '',
    retry_count INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 3,
    timeout_seconds INTEGER NOT NULL DEFAULT 300,
    version INTEGER NOT NULL DEFAULT 1,
    config TEXT NOT NULL DEFAULT '{}',
    result TEXT NOT NULL DEFAULT '',
    dependency_job_id TEXT,
    log_tail TEXT NOT NULL DEFAULT ''
);

-- Secondary access patterns: claiming, status pages, type dispatch.
CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_conversation_created ON jobs(conversation_id, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_type_priority ON jobs(job_type, priority);

-- Job events table (audit trail)
CREATE TABLE IF NOT EXISTS job_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    actor TEXT NOT NULL,
    old_value TEXT NOT NULL DEFAULT '',
    new_value TEXT NOT NULL DEFAULT '',
    comment TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id);

-- Worker instances table
CREATE TABLE IF NOT EXISTS worker_instances (
    instance_id TEXT PRIMARY KEY,
    hostname TEXT NOT NULL,
    pid INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'running' CHECK(status IN ('running', 'stopped')),
    started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_heartbeat DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    version TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_worker_instances_status ON worker_instances(status);

-- Raw vote feed. Values are stored exactly as the feed delivered them,
-- convention recorded alongside; only the ingress layer interprets the sign.
CREATE TABLE IF NOT EXISTS votes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id TEXT NOT NULL,
    participant_id TEXT NOT NULL,
    statement_id TEXT NOT NULL,
    value INTEGER NOT NULL,
    convention TEXT NOT NULL CHECK(convention IN ('internal', 'inverted')),
    observed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_votes_conversation ON votes(conversation_id, id);

-- Moderation flags: statements excluded from analysis.
CREATE TABLE IF NOT EXISTS moderation_flags (
    conversation_id TEXT NOT NULL,
    statement_id TEXT NOT NULL,
    PRIMARY KEY (conversation_id, statement_id)
);

-- Tick ledger. Each tick pins a vote watermark (the highest vote row id in
-- the snapshot), which makes snapshots reproducible by any worker process.
-- completed_at is the per-tick completion marker, written only after all
-- three derived artifacts exist.
CREATE TABLE IF NOT EXISTS conversation_ticks (
    conversation_id TEXT NOT NULL,
    tick INTEGER NOT NULL,
    vote_watermark INTEGER NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    completed_at DATETIME,
    PRIMARY KEY (conversation_id, tick)
);

-- Projection artifacts, keyed (conversation, tick, component_index).
CREATE TABLE IF NOT EXISTS projection_components (
    conversation_id TEXT NOT NULL,
    tick INTEGER NOT NULL,
    component_index INTEGER NOT NULL,
    vector TEXT NOT NULL,
    eigenvalue REAL NOT NULL,
    converged INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (conversation_id, tick, component_index)
);

CREATE TABLE IF NOT EXISTS projection_coordinates (
    conversation_id TEXT NOT NULL,
    tick INTEGER NOT NULL,
    participant_id TEXT NOT NULL,
    coords TEXT NOT NULL,
    PRIMARY KEY (conversation_id, tick, participant_id)
);

CREATE TABLE IF NOT EXISTS projection_meta (
    conversation_id TEXT NOT NULL,
    tick INTEGER NOT NULL,
    insufficient_data INTEGER NOT NULL DEFAULT 0,
    warnings TEXT NOT NULL DEFAULT '[]',
    PRIMARY KEY (conversation_id, tick)
);

-- Cluster assignments, keyed (conversation, tick, group_id).
CREATE TABLE IF NOT EXISTS cluster_groups (
    conversation_id TEXT NOT NULL,
    tick INTEGER NOT NULL,
    group_id INTEGER NOT NULL,
    centroid TEXT NOT NULL,
    member_ids TEXT NOT NULL,
    PRIMARY KEY (conversation_id, tick, group_id)
);

CREATE TABLE IF NOT EXISTS cluster_meta (
    conversation_id TEXT NOT NULL,
    tick INTEGER NOT NULL,
    k INTEGER NOT NULL,
    insufficient_data INTEGER NOT NULL DEFAULT 0,
    silhouettes TEXT NOT NULL DEFAULT '{}',
    PRIMARY KEY (conversation_id, tick)
);

-- Representativeness entries, keyed (conversation, tick, group, statement).
CREATE TABLE IF NOT EXISTS repness_entries (
    conversation_id TEXT NOT NULL,
    tick INTEGER NOT NULL,
    group_id INTEGER NOT NULL,
    statement_id TEXT NOT NULL,
    direction INTEGER NOT NULL,
    rank INTEGER NOT NULL,
    score REAL NOT NULL,
    agree_prob REAL NOT NULL,
    disagree_prob REAL NOT NULL,
    z_one REAL NOT NULL,
    z_two REAL NOT NULL,
    repness REAL NOT NULL,
    group_votes INTEGER NOT NULL,
    group_agrees INTEGER NOT NULL,
    group_disagrees INTEGER NOT NULL,
    rest_votes INTEGER NOT NULL,
    PRIMARY KEY (conversation_id, tick, group_id, statement_id)
);

CREATE TABLE IF NOT EXISTS repness_meta (
    conversation_id TEXT NOT NULL,
    tick INTEGER NOT NULL,
    min_votes INTEGER NOT NULL,
    PRIMARY KEY (conversation_id, tick)
);

-- Narrative reports generated per opinion group.
CREATE TABLE IF NOT EXISTS reports (
    conversation_id TEXT NOT NULL,
    tick INTEGER NOT NULL,
    group_id INTEGER NOT NULL,
    narrative TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (conversation_id, tick, group_id)
);
`
