package monitor

const schemaV1 = `
CREATE TABLE IF NOT EXISTS request_logs (
    id             TEXT PRIMARY KEY,
    ts             INTEGER NOT NULL,
    method         TEXT NOT NULL,
    path           TEXT NOT NULL,
    protocol       TEXT NOT NULL,
    model          TEXT NOT NULL DEFAULT '',
    mapped_model   TEXT NOT NULL DEFAULT '',
    account_email  TEXT NOT NULL DEFAULT '',
    status         INTEGER NOT NULL,
    duration_ms    INTEGER NOT NULL DEFAULT 0,
    input_tokens   INTEGER NOT NULL DEFAULT 0,
    output_tokens  INTEGER NOT NULL DEFAULT 0,
    error          TEXT NOT NULL DEFAULT '',
    created_at     DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_request_logs_ts
    ON request_logs(ts DESC);
CREATE INDEX IF NOT EXISTS idx_request_logs_model
    ON request_logs(model);
CREATE INDEX IF NOT EXISTS idx_request_logs_account
    ON request_logs(account_email);
`
