package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS fee_events (
    chain            TEXT    NOT NULL,
    tx_hash          TEXT    NOT NULL,
    log_index        INTEGER NOT NULL,
    contract         TEXT    NOT NULL,
    protocol         TEXT    NOT NULL,
    block_number     INTEGER NOT NULL,
    block_time       INTEGER NOT NULL,
    affiliate        TEXT    NOT NULL,
    attribution      TEXT    NOT NULL,
    fee_token        TEXT    NOT NULL,
    token_symbol     TEXT    NOT NULL DEFAULT '',
    fee_amount       TEXT    NOT NULL,
    fee_usd          TEXT,
    swap_from_asset  TEXT,
    swap_to_asset    TEXT,
    swap_from_amount TEXT,
    swap_to_amount   TEXT,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,
    PRIMARY KEY (chain, tx_hash, log_index)
);

CREATE INDEX IF NOT EXISTS idx_fee_events_affiliate ON fee_events (affiliate, block_time);
CREATE INDEX IF NOT EXISTS idx_fee_events_block ON fee_events (chain, contract, block_number);

CREATE TABLE IF NOT EXISTS scan_cursors (
    chain      TEXT    NOT NULL,
    contract   TEXT    NOT NULL,
    last_block INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (chain, contract)
);
`
