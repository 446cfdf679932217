package postgres

const schema = `
CREATE TABLE IF NOT EXISTS fee_events (
    chain            TEXT           NOT NULL,
    tx_hash          TEXT           NOT NULL,
    log_index        BIGINT         NOT NULL,
    contract         TEXT           NOT NULL,
    protocol         TEXT           NOT NULL,
    block_number     BIGINT         NOT NULL,
    block_time       TIMESTAMPTZ    NOT NULL,
    affiliate        TEXT           NOT NULL,
    attribution      TEXT           NOT NULL,
    fee_token        TEXT           NOT NULL,
    token_symbol     TEXT           NOT NULL DEFAULT '',
    fee_amount       NUMERIC(78, 0) NOT NULL,
    fee_usd          NUMERIC,
    swap_from_asset  TEXT,
    swap_to_asset    TEXT,
    swap_from_amount NUMERIC(78, 0),
    swap_to_amount   NUMERIC(78, 0),
    created_at       TIMESTAMPTZ    NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ    NOT NULL DEFAULT now(),
    PRIMARY KEY (chain, tx_hash, log_index)
);

CREATE INDEX IF NOT EXISTS idx_fee_events_affiliate ON fee_events (affiliate, block_time);
CREATE INDEX IF NOT EXISTS idx_fee_events_block ON fee_events (chain, contract, block_number);
CREATE INDEX IF NOT EXISTS idx_fee_events_unpriced ON fee_events (chain) WHERE fee_usd IS NULL;

CREATE TABLE IF NOT EXISTS scan_cursors (
    chain      TEXT        NOT NULL,
    contract   TEXT        NOT NULL,
    last_block BIGINT      NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (chain, contract)
);
`
