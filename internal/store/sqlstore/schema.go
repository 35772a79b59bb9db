package sqlstore

// Schema is the DDL for the SQL-emulated store, four tables — one per
// data-structure type — per spec §4.3 "SQL-emulated store. Data-
// structure tables per type (string, hash, list, sorted_set)". Primary
// keys enforce the semantic uniqueness each Redis-native structure
// provides implicitly.
const Schema = `
CREATE TABLE IF NOT EXISTS mesh_string (
	key    TEXT PRIMARY KEY,
	value  TEXT NOT NULL,
	expiry TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS mesh_hash (
	key    TEXT NOT NULL,
	field  TEXT NOT NULL,
	value  TEXT NOT NULL,
	expiry TIMESTAMPTZ,
	PRIMARY KEY (key, field)
);

CREATE TABLE IF NOT EXISTS mesh_list (
	key   TEXT NOT NULL,
	seq   BIGINT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (key, seq)
);

CREATE TABLE IF NOT EXISTS mesh_sorted_set (
	key    TEXT NOT NULL,
	member TEXT NOT NULL,
	score  DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (key, member)
);

-- RegisterTimeHook's first RPUSH into a bucket ZADDs that bucket
-- (NEW.member, a TIME_RANGE key) into the WORK_ITEMS index (NEW.key).
-- The appId lives inside NEW.member, not NEW.key: a TIME_RANGE key is
-- "hmsh:<ns>:timerange:<appId><GS><bucket>", so the 4th colon-field
-- split on the GS (ValSep, chr(29)) field separator yields the appId.
CREATE OR REPLACE FUNCTION meshflow_notify_time_hook() RETURNS trigger AS $$
DECLARE
	app_id TEXT;
BEGIN
	app_id := split_part(split_part(NEW.member, ':', 4), chr(29), 1);
	PERFORM pg_notify('time_hooks_' || app_id, NEW.member);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS meshflow_time_hook_notify ON mesh_sorted_set;
CREATE TRIGGER meshflow_time_hook_notify
	AFTER INSERT ON mesh_sorted_set
	FOR EACH ROW
	WHEN (NEW.key LIKE 'hmsh:%:workitems:%')
	EXECUTE FUNCTION meshflow_notify_time_hook();
`
