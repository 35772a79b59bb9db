// Package sqlstore is the Postgres-backed emulation of the Store
// contract described in spec §4.3: four tables (string/hash/list/
// sorted_set), a transactional batch accumulator built on pgx.Tx, and
// LISTEN/NOTIFY for time-hook scheduling. Grounded on the teacher's
// common/db/db.go (pgxpool wiring) and common/repository/run.go
// (raw-SQL table access pattern), generalized from one domain table to
// four generic data-structure tables.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lyzr/meshflow/internal/keyminter"
	"github.com/lyzr/meshflow/internal/logger"
	"github.com/lyzr/meshflow/internal/merrs"
	"github.com/lyzr/meshflow/internal/store"
)

// Store is the Postgres-backed Store.
type Store struct {
	pool   *pgxpool.Pool
	minter *keyminter.Minter
	log    *logger.Logger
}

// New wraps an existing *pgxpool.Pool. Callers must have already
// applied Schema.
func New(pool *pgxpool.Pool, minter *keyminter.Minter, log *logger.Logger) *Store {
	return &Store{pool: pool, minter: minter, log: log}
}

// sqlTx adapts a pgx.Tx into store.Transaction: a batch of statements
// accumulated client-side and executed inside BEGIN...COMMIT, per spec
// §4.3 "a batch accumulator formats each command into a parametric SQL
// statement and executes them inside BEGIN…COMMIT".
type sqlTx struct {
	ctx context.Context
	tx  pgx.Tx
}

func (t *sqlTx) Commit(ctx context.Context) error {
	if t.tx == nil {
		return &merrs.StorageError{Op: "transaction.commit", Err: errors.New("sqlstore: transaction was never begun")}
	}
	if err := t.tx.Commit(ctx); err != nil {
		return &merrs.StorageError{Op: "transaction.commit", Err: err}
	}
	return nil
}

func (t *sqlTx) Discard() {
	_ = t.tx.Rollback(t.ctx)
}

// NewTransaction begins a Postgres transaction.
func (s *Store) NewTransaction(ctx context.Context) store.Transaction {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		// The caller observes the failure via Commit; statements issued
		// with this transaction run directly against the pool instead.
		return &sqlTx{ctx: ctx}
	}
	return &sqlTx{ctx: ctx, tx: tx}
}

func (s *Store) exec(ctx context.Context, tx store.Transaction, sql string, args ...interface{}) error {
	var err error
	if st, ok := tx.(*sqlTx); ok && st.tx != nil {
		_, err = st.tx.Exec(ctx, sql, args...)
	} else {
		_, err = s.pool.Exec(ctx, sql, args...)
	}
	if err != nil {
		return &merrs.StorageError{Op: "exec", Err: err}
	}
	return nil
}

func (s *Store) queryRow(ctx context.Context, tx store.Transaction, sql string, args ...interface{}) pgx.Row {
	if st, ok := tx.(*sqlTx); ok && st.tx != nil {
		return st.tx.QueryRow(ctx, sql, args...)
	}
	return s.pool.QueryRow(ctx, sql, args...)
}

func (s *Store) query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return s.pool.Query(ctx, sql, args...)
}

// --- hash helpers ---

func (s *Store) hsetMap(ctx context.Context, key string, m map[string]string, tx store.Transaction) error {
	for field, value := range m {
		if err := s.exec(ctx, tx, `
			INSERT INTO mesh_hash (key, field, value) VALUES ($1,$2,$3)
			ON CONFLICT (key, field) DO UPDATE SET value = EXCLUDED.value`,
			key, field, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) hgetAll(ctx context.Context, key string) (map[string]string, error) {
	rows, err := s.query(ctx, `SELECT field, value FROM mesh_hash WHERE key=$1`, key)
	if err != nil {
		return nil, &merrs.StorageError{Op: "hgetAll", Err: err}
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var f, v string
		if err := rows.Scan(&f, &v); err != nil {
			return nil, &merrs.StorageError{Op: "hgetAll", Err: err}
		}
		out[f] = v
	}
	return out, rows.Err()
}

func (s *Store) hget(ctx context.Context, key, field string) (string, bool, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM mesh_hash WHERE key=$1 AND field=$2`, key, field).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &merrs.StorageError{Op: "hget", Err: err}
	}
	return v, true, nil
}

func (s *Store) hincrbyfloat(ctx context.Context, key, field string, delta float64) (float64, error) {
	var v float64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO mesh_hash (key, field, value) VALUES ($1,$2,$3)
		ON CONFLICT (key, field) DO UPDATE SET value = (mesh_hash.value::double precision + $3)::text
		RETURNING value::double precision`,
		key, field, delta).Scan(&v)
	if err != nil {
		return 0, &merrs.StorageError{Op: "hincrbyfloat", Err: err}
	}
	return v, nil
}

func (s *Store) GetApp(ctx context.Context, appID string) (*store.App, error) {
	key := s.minter.AppKey(appID)
	m, err := s.hgetAll(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, &merrs.NotFoundError{JobID: appID}
	}
	app := &store.App{ID: appID, Versions: make(map[string]string)}
	for k, v := range m {
		switch {
		case k == "active":
			app.Active = v == "true"
		case k == "version":
			app.Version = v
		case strings.HasPrefix(k, "versions/"):
			app.Versions[strings.TrimPrefix(k, "versions/")] = v
		}
	}
	return app, nil
}

func (s *Store) SetApp(ctx context.Context, app *store.App, tx store.Transaction) error {
	key := s.minter.AppKey(app.ID)
	fields := map[string]string{
		"active":  strconv.FormatBool(app.Active),
		"version": app.Version,
	}
	for v, status := range app.Versions {
		fields["versions/"+v] = status
	}
	return s.hsetMap(ctx, key, fields, tx)
}

func (s *Store) ActivateAppVersion(ctx context.Context, appID, version string) error {
	key := s.minter.AppKey(appID)
	_, ok, err := s.hget(ctx, key, "versions/"+version)
	if err != nil {
		return err
	}
	if !ok {
		return &merrs.ActivationError{AppID: appID, Version: version, Reason: "version not deployed"}
	}
	return s.hsetMap(ctx, key, map[string]string{"active": "true", "version": version}, nil)
}

func (s *Store) ReserveScoutRole(ctx context.Context, kind string, ttlSec int) (bool, error) {
	key := s.minter.Mint(keyminter.Hotmesh, "scout", kind)
	ct, err := s.pool.Exec(ctx, `
		INSERT INTO mesh_string (key, value, expiry) VALUES ($1,'1', now() + make_interval(secs => $2))
		ON CONFLICT (key) DO UPDATE SET value = mesh_string.value
		WHERE mesh_string.expiry IS NOT NULL AND mesh_string.expiry < now()`,
		key, ttlSec)
	if err != nil {
		return false, &merrs.StorageError{Op: "ReserveScoutRole", Err: err}
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) ReserveSymbolRange(ctx context.Context, target string, size int, kind string) (int, int, bool, error) {
	key := s.minter.Mint(keyminter.SymKeys, "ranges")
	field := kind + ":" + target
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, false, &merrs.StorageError{Op: "ReserveSymbolRange", Err: err}
	}
	defer tx.Rollback(ctx)

	var existing string
	err = tx.QueryRow(ctx, `SELECT value FROM mesh_hash WHERE key=$1 AND field=$2 FOR UPDATE`, key, field+":range").Scan(&existing)
	if err == nil {
		parts := strings.SplitN(existing, ":", 2)
		lo, _ := strconv.Atoi(parts[0])
		hi, _ := strconv.Atoi(parts[1])
		return lo, hi, true, tx.Commit(ctx)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, false, &merrs.StorageError{Op: "ReserveSymbolRange", Err: err}
	}

	var cursor float64
	err = tx.QueryRow(ctx, `
		INSERT INTO mesh_hash (key, field, value) VALUES ($1,$2,'0')
		ON CONFLICT (key, field) DO UPDATE SET value = (mesh_hash.value::double precision + $3)::text
		RETURNING value::double precision`,
		key, field+":cursor", float64(size)).Scan(&cursor)
	if err != nil {
		return 0, 0, false, &merrs.StorageError{Op: "ReserveSymbolRange", Err: err}
	}
	hi := int(cursor) - 1
	lo := hi - size + 1
	rangeStr := fmt.Sprintf("%d:%d", lo, hi)
	if _, err := tx.Exec(ctx, `INSERT INTO mesh_hash (key, field, value) VALUES ($1,$2,$3)
		ON CONFLICT (key, field) DO UPDATE SET value=EXCLUDED.value`, key, field+":range", rangeStr); err != nil {
		return 0, 0, false, &merrs.StorageError{Op: "ReserveSymbolRange", Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, 0, false, &merrs.StorageError{Op: "ReserveSymbolRange", Err: err}
	}
	return lo, hi, false, nil
}

func (s *Store) GetSymbols(ctx context.Context, scopeKey string) (map[string]string, error) {
	return s.hgetAll(ctx, s.minter.Mint(keyminter.SymKeys, scopeKey))
}

func (s *Store) AddSymbols(ctx context.Context, scopeKey string, symbols map[string]string, tx store.Transaction) error {
	return s.hsetMap(ctx, s.minter.Mint(keyminter.SymKeys, scopeKey), symbols, tx)
}

func (s *Store) GetSymbolValues(ctx context.Context, appID string) (map[string]string, error) {
	return s.hgetAll(ctx, s.minter.SymValsKey(appID))
}

func (s *Store) AddSymbolValues(ctx context.Context, appID string, values map[string]string, tx store.Transaction) error {
	return s.hsetMap(ctx, s.minter.SymValsKey(appID), values, tx)
}

func (s *Store) GetSymbolKeys(ctx context.Context, scopeKey string) ([]string, error) {
	m, err := s.GetSymbols(ctx, scopeKey)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *Store) GetAllSymbols(ctx context.Context, _ string, scopeKeys []string) (map[string]map[string]string, error) {
	out := make(map[string]map[string]string, len(scopeKeys))
	for _, sk := range scopeKeys {
		m, err := s.GetSymbols(ctx, sk)
		if err != nil {
			return nil, err
		}
		out[sk] = m
	}
	return out, nil
}

func (s *Store) SetState(ctx context.Context, jobID string, flat map[string]string, status *float64, tx store.Transaction) error {
	key := s.minter.Mint(keyminter.JobState, jobID)
	if err := s.hsetMap(ctx, key, flat, tx); err != nil {
		return err
	}
	if status != nil {
		return s.hsetMap(ctx, key, map[string]string{":": strconv.FormatFloat(*status, 'f', -1, 64)}, tx)
	}
	return nil
}

func (s *Store) GetState(ctx context.Context, jobID string, fields []string) (map[string]string, error) {
	key := s.minter.Mint(keyminter.JobState, jobID)
	all, err := s.hgetAll(ctx, key)
	if err != nil {
		return nil, err
	}
	if _, ok := all[":"]; !ok {
		return nil, &merrs.NotFoundError{JobID: jobID}
	}
	out := make(map[string]string)
	for _, f := range fields {
		if v, ok := all[f]; ok {
			out[f] = v
		}
	}
	return out, nil
}

func (s *Store) GetQueryState(ctx context.Context, jobID string, fields []string) (map[string]string, error) {
	key := s.minter.Mint(keyminter.JobState, jobID)
	all, err := s.hgetAll(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, f := range fields {
		qf := f
		if !strings.HasPrefix(qf, "_") {
			qf = "_" + qf
		}
		if v, ok := all[qf]; ok {
			out[f] = v
		}
	}
	return out, nil
}

func (s *Store) Collate(ctx context.Context, jobID, activityID string, delta float64, dIDs []string) (float64, error) {
	key := s.minter.Mint(keyminter.JobState, jobID)
	field := activityID + "/output/metadata/as"
	if len(dIDs) > 0 {
		field += "," + strings.Join(dIDs, ",")
	}
	return s.hincrbyfloat(ctx, key, field, delta)
}

func (s *Store) CollateSynthetic(ctx context.Context, jobID, guid string, delta float64) (float64, error) {
	key := s.minter.Mint(keyminter.JobState, jobID)
	return s.hincrbyfloat(ctx, key, "~"+guid, delta)
}

func (s *Store) SetStatus(ctx context.Context, jobID string, delta float64) (float64, error) {
	key := s.minter.Mint(keyminter.JobState, jobID)
	return s.hincrbyfloat(ctx, key, ":", delta)
}

func (s *Store) SetStateNX(ctx context.Context, jobID, appID string, status *float64, entity string) (bool, error) {
	key := s.minter.Mint(keyminter.JobState, jobID)
	statusStr := ""
	if status != nil {
		statusStr = strconv.FormatFloat(*status, 'f', -1, 64)
	}
	ct, err := s.pool.Exec(ctx, `
		INSERT INTO mesh_hash (key, field, value) VALUES ($1,':',$2)
		ON CONFLICT (key, field) DO NOTHING`, key, statusStr)
	if err != nil {
		return false, &merrs.StorageError{Op: "SetStateNX", Err: err}
	}
	if ct.RowsAffected() == 0 {
		return false, nil
	}
	fields := map[string]string{"metadata/app": appID}
	if entity != "" {
		fields["metadata/entity"] = entity
	}
	if err := s.hsetMap(ctx, key, fields, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) SetSchemas(ctx context.Context, appID string, schemas map[string]string, tx store.Transaction) error {
	return s.hsetMap(ctx, s.minter.Mint(keyminter.Schemas, appID), schemas, tx)
}
func (s *Store) GetSchemas(ctx context.Context, appID string) (map[string]string, error) {
	return s.hgetAll(ctx, s.minter.Mint(keyminter.Schemas, appID))
}
func (s *Store) SetSubscriptions(ctx context.Context, appID string, subs map[string]string, tx store.Transaction) error {
	return s.hsetMap(ctx, s.minter.Mint(keyminter.Subscriptions, appID), subs, tx)
}
func (s *Store) GetSubscriptions(ctx context.Context, appID string) (map[string]string, error) {
	return s.hgetAll(ctx, s.minter.Mint(keyminter.Subscriptions, appID))
}
func (s *Store) GetSubscription(ctx context.Context, appID, topic string) (string, bool, error) {
	return s.hget(ctx, s.minter.Mint(keyminter.Subscriptions, appID), topic)
}
func (s *Store) SetTransitions(ctx context.Context, appID string, transitions map[string]string, tx store.Transaction) error {
	return s.hsetMap(ctx, s.minter.Mint(keyminter.Subscriptions, appID, "transitions"), transitions, tx)
}
func (s *Store) GetTransitions(ctx context.Context, appID string) (map[string]string, error) {
	return s.hgetAll(ctx, s.minter.Mint(keyminter.Subscriptions, appID, "transitions"))
}
func (s *Store) SetHookRules(ctx context.Context, appID string, rules map[string]string, tx store.Transaction) error {
	return s.hsetMap(ctx, s.minter.Mint(keyminter.Hooks, appID), rules, tx)
}
func (s *Store) GetHookRules(ctx context.Context, appID string) (map[string]string, error) {
	return s.hgetAll(ctx, s.minter.Mint(keyminter.Hooks, appID))
}

func (s *Store) SetHookSignal(ctx context.Context, signalKey, jobID string) error {
	key := s.minter.Mint(keyminter.Signals, signalKey)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mesh_string (key, value) VALUES ($1,$2)
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value`, key, jobID)
	if err != nil {
		return &merrs.StorageError{Op: "SetHookSignal", Err: err}
	}
	return nil
}

func (s *Store) GetHookSignal(ctx context.Context, signalKey string) (string, bool, error) {
	key := s.minter.Mint(keyminter.Signals, signalKey)
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM mesh_string WHERE key=$1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &merrs.StorageError{Op: "GetHookSignal", Err: err}
	}
	return v, true, nil
}

func (s *Store) DeleteHookSignal(ctx context.Context, signalKey string) error {
	key := s.minter.Mint(keyminter.Signals, signalKey)
	_, err := s.pool.Exec(ctx, `DELETE FROM mesh_string WHERE key=$1`, key)
	if err != nil {
		return &merrs.StorageError{Op: "DeleteHookSignal", Err: err}
	}
	return nil
}

func (s *Store) AddTaskQueues(ctx context.Context, keys []string, score float64) error {
	zkey := s.minter.Mint(keyminter.WorkItems, "global")
	for _, k := range keys {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO mesh_sorted_set (key, member, score) VALUES ($1,$2,$3)
			ON CONFLICT (key, member) DO NOTHING`, zkey, k, score)
		if err != nil {
			return &merrs.StorageError{Op: "AddTaskQueues", Err: err}
		}
	}
	return nil
}

func (s *Store) GetActiveTaskQueue(ctx context.Context, appID string) (string, bool, error) {
	key := s.minter.Mint(keyminter.WorkItems, appID, "active")
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM mesh_string WHERE key=$1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &merrs.StorageError{Op: "GetActiveTaskQueue", Err: err}
	}
	return v, true, nil
}

func (s *Store) ProcessTaskQueue(ctx context.Context, src, dst string) (string, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", false, &merrs.StorageError{Op: "ProcessTaskQueue", Err: err}
	}
	defer tx.Rollback(ctx)

	var seq int64
	var value string
	err = tx.QueryRow(ctx, `SELECT seq, value FROM mesh_list WHERE key=$1 ORDER BY seq ASC LIMIT 1`, src).Scan(&seq, &value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &merrs.StorageError{Op: "ProcessTaskQueue", Err: err}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM mesh_list WHERE key=$1 AND seq=$2`, src, seq); err != nil {
		return "", false, &merrs.StorageError{Op: "ProcessTaskQueue", Err: err}
	}
	var maxSeq int64
	_ = tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq),0) FROM mesh_list WHERE key=$1`, dst).Scan(&maxSeq)
	if _, err := tx.Exec(ctx, `INSERT INTO mesh_list (key, seq, value) VALUES ($1,$2,$3)`, dst, maxSeq+1, value); err != nil {
		return "", false, &merrs.StorageError{Op: "ProcessTaskQueue", Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return "", false, &merrs.StorageError{Op: "ProcessTaskQueue", Err: err}
	}
	return value, true, nil
}

func (s *Store) DeleteProcessedTaskQueue(ctx context.Context, item, key, procKey string, scrub bool) error {
	zkey := s.minter.Mint(keyminter.WorkItems, "global")
	if _, err := s.pool.Exec(ctx, `DELETE FROM mesh_sorted_set WHERE key=$1 AND member=$2`, zkey, item); err != nil {
		return &merrs.StorageError{Op: "DeleteProcessedTaskQueue", Err: err}
	}
	if scrub {
		_, err := s.pool.Exec(ctx, `DELETE FROM mesh_list WHERE key=$1`, procKey)
		if err != nil {
			return &merrs.StorageError{Op: "DeleteProcessedTaskQueue", Err: err}
		}
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE mesh_list SET key=$1 WHERE key=$2`, key, procKey)
	if err != nil {
		return &merrs.StorageError{Op: "DeleteProcessedTaskQueue", Err: err}
	}
	return nil
}

func (s *Store) RegisterTimeHook(ctx context.Context, appID, jobID, gID, activityID, taskType string, tAt int64, dad bool, tx store.Transaction) error {
	bucket := s.minter.TimeRangeKey(appID, strconv.FormatInt(tAt, 10))
	task := strings.Join([]string{taskType, activityID, gID, jobID}, "|")

	var maxSeq int64
	_ = s.queryRow(ctx, tx, `SELECT COALESCE(MAX(seq),0) FROM mesh_list WHERE key=$1`, bucket).Scan(&maxSeq)
	first := maxSeq == 0
	if err := s.exec(ctx, tx, `INSERT INTO mesh_list (key, seq, value) VALUES ($1,$2,$3)`, bucket, maxSeq+1, task); err != nil {
		return err
	}
	if first {
		idxKey := s.minter.WorkItemsKey(appID)
		if err := s.exec(ctx, tx, `
			INSERT INTO mesh_sorted_set (key, member, score) VALUES ($1,$2,$3)
			ON CONFLICT (key, member) DO NOTHING`, idxKey, bucket, float64(tAt)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetNextTask(ctx context.Context, appID string, listKey string) (string, string, string, string, string, bool, error) {
	idxKey := s.minter.WorkItemsKey(appID)
	key := listKey
	if key == "" {
		var member string
		err := s.pool.QueryRow(ctx, `
			SELECT member FROM mesh_sorted_set
			WHERE key=$1 AND score <= $2
			ORDER BY score ASC LIMIT 1`, idxKey, float64(nowMillis())).Scan(&member)
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", "", "", "", false, nil
		}
		if err != nil {
			return "", "", "", "", "", false, &merrs.StorageError{Op: "GetNextTask", Err: err}
		}
		key = member
	}

	var seq int64
	var value string
	err := s.pool.QueryRow(ctx, `SELECT seq, value FROM mesh_list WHERE key=$1 ORDER BY seq ASC LIMIT 1`, key).Scan(&seq, &value)
	if errors.Is(err, pgx.ErrNoRows) {
		s.pool.Exec(ctx, `DELETE FROM mesh_sorted_set WHERE key=$1 AND member=$2`, idxKey, key)
		return key, "", "", "", "", true, nil
	}
	if err != nil {
		return "", "", "", "", "", false, &merrs.StorageError{Op: "GetNextTask", Err: err}
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM mesh_list WHERE key=$1 AND seq=$2`, key, seq); err != nil {
		return "", "", "", "", "", false, &merrs.StorageError{Op: "GetNextTask", Err: err}
	}
	parts := strings.SplitN(value, "|", 4)
	if len(parts) != 4 {
		return key, "", "", "", "", true, fmt.Errorf("sqlstore: malformed task item %q", value)
	}
	return key, parts[3], parts[2], parts[1], parts[0], true, nil
}

func (s *Store) Interrupt(ctx context.Context, topic, jobID string, opts store.InterruptOptions) error {
	key := s.minter.Mint(keyminter.JobState, jobID)
	v, ok, err := s.hget(ctx, key, ":")
	if err != nil {
		return err
	}
	cur := 0.0
	if ok {
		cur, _ = strconv.ParseFloat(v, 64)
	}
	if cur <= 0 {
		if opts.Suppress {
			return nil
		}
		return &merrs.InterruptConflictError{JobID: jobID}
	}
	if _, err := s.hincrbyfloat(ctx, key, ":", -1_000_000_000); err != nil {
		return err
	}
	if opts.Throw {
		rec := fmt.Sprintf(`{"code":410,"message":"interrupted","topic":%q,"job_id":%q}`, topic, jobID)
		return s.hsetMap(ctx, key, map[string]string{"metadata/err": rec}, nil)
	}
	return nil
}

func (s *Store) Scrub(ctx context.Context, jobID string) error {
	key := s.minter.Mint(keyminter.JobState, jobID)
	_, err := s.pool.Exec(ctx, `DELETE FROM mesh_hash WHERE key=$1`, key)
	if err != nil {
		return &merrs.StorageError{Op: "Scrub", Err: err}
	}
	return nil
}

func (s *Store) FindJobs(ctx context.Context, pattern string, limit int, cursor uint64) (uint64, []string, error) {
	likePattern := strings.ReplaceAll(pattern, "*", "%")
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT key FROM mesh_hash
		WHERE key LIKE $1 AND key > (SELECT key FROM mesh_hash ORDER BY key OFFSET $2 LIMIT 1)
		ORDER BY key LIMIT $3`, likePattern, cursor, limit)
	if err != nil {
		return 0, nil, &merrs.StorageError{Op: "FindJobs", Err: err}
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return 0, nil, &merrs.StorageError{Op: "FindJobs", Err: err}
		}
		keys = append(keys, k)
	}
	return cursor + uint64(len(keys)), keys, rows.Err()
}

func (s *Store) SetThrottleRate(ctx context.Context, appID, topic string, rateMs int) error {
	key := s.minter.ThrottleRateKey(appID, "")
	field := topic
	if field == "" {
		field = "*"
	}
	return s.hsetMap(ctx, key, map[string]string{field: strconv.Itoa(store.ClampThrottle(rateMs))}, nil)
}

func (s *Store) GetThrottleRates(ctx context.Context, appID string) (map[string]int, error) {
	m, err := s.hgetAll(ctx, s.minter.ThrottleRateKey(appID, ""))
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		n, _ := strconv.Atoi(v)
		out[k] = n
	}
	return out, nil
}

func (s *Store) GetThrottleRate(ctx context.Context, appID, topic string) (int, error) {
	key := s.minter.ThrottleRateKey(appID, "")
	v, ok, err := s.hget(ctx, key, topic)
	if err != nil {
		return 0, err
	}
	if !ok {
		v, ok, err = s.hget(ctx, key, "*")
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, nil
		}
	}
	n, _ := strconv.Atoi(v)
	return n, nil
}

func statBucketKeyType(bucket store.StatBucket) keyminter.KeyType {
	switch bucket {
	case store.StatIndex:
		return keyminter.JobStatsIndex
	case store.StatMedian:
		return keyminter.JobStatsMedian
	default:
		return keyminter.JobStatsGeneral
	}
}

func (s *Store) RecordJobStat(ctx context.Context, appID string, bucket store.StatBucket, statKey, granularity string, score float64, member string) error {
	key := s.minter.JobStatsKey(statBucketKeyType(bucket), appID, statKey, granularity)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mesh_sorted_set (key, member, score) VALUES ($1,$2,$3)
		ON CONFLICT (key, member) DO UPDATE SET score=EXCLUDED.score`, key, member, score)
	if err != nil {
		return &merrs.StorageError{Op: "RecordJobStat", Err: err}
	}
	return nil
}

func (s *Store) QueryJobStats(ctx context.Context, appID string, bucket store.StatBucket, statKey, granularity string, startScore, endScore float64) ([]store.StatEntry, error) {
	key := s.minter.JobStatsKey(statBucketKeyType(bucket), appID, statKey, granularity)
	rows, err := s.pool.Query(ctx, `
		SELECT member, score FROM mesh_sorted_set
		WHERE key=$1 AND score BETWEEN $2 AND $3
		ORDER BY score ASC`, key, startScore, endScore)
	if err != nil {
		return nil, &merrs.StorageError{Op: "QueryJobStats", Err: err}
	}
	defer rows.Close()

	var out []store.StatEntry
	for rows.Next() {
		var e store.StatEntry
		if err := rows.Scan(&e.Member, &e.Score); err != nil {
			return nil, &merrs.StorageError{Op: "QueryJobStats", Err: err}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &merrs.StorageError{Op: "QueryJobStats", Err: err}
	}
	return out, nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// ListenTimeHooks subscribes to the Postgres channel time_hooks_<appID>
// and invokes onNotify whenever the meshflow_time_hook_notify trigger
// fires, letting the task scout react to new buckets without polling
// per spec §4.3's LISTEN/NOTIFY requirement. Runs until ctx is
// cancelled or the connection errors.
func (s *Store) ListenTimeHooks(ctx context.Context, appID string, onNotify func(key string)) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return &merrs.StorageError{Op: "ListenTimeHooks", Err: err}
	}
	defer conn.Release()

	channel := "time_hooks_" + appID
	if _, err := conn.Exec(ctx, `LISTEN "`+channel+`"`); err != nil {
		return &merrs.StorageError{Op: "ListenTimeHooks", Err: err}
	}
	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &merrs.StorageError{Op: "ListenTimeHooks.wait", Err: err}
		}
		onNotify(notification.Payload)
	}
}

var _ store.Store = (*Store)(nil)
