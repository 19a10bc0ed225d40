/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements all persistence interfaces (fee.EntryStore, fee.SignatureIndex,
  fee.SourceQuerier, fee.PolicyLoader) using SQLite. In production, the same
  patterns apply to PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  fee.EntryStore:     Ledger entry persistence
  fee.SignatureIndex: Idempotent replay lookup
  fee.SourceQuerier:  Queries by owning business object
  fee.PolicyLoader:   Effective-dated policy resolution

APPEND-ONLY ENFORCEMENT:
  The store enforces append-only semantics on the ledger:
  - The only UPDATE on entries is the status flip to 'adjusted'
  - No DELETE statements on entries or their child rows
  - Corrections happen via new adjustment entries only

KEY TABLES:
  entries:           Immutable ledger of settlements and adjustments
  entry_components:  Per-component breakdown rows (1:N with entries)
  entry_allocations: Per-line fee distribution (1:N with entries)
  entry_warnings:    Non-fatal calculation notes (1:N with entries)
  refund_lines:      Component-level refund detail on adjustment entries
  policies:          Versioned policy configs as JSON, effective-dated

INDEXES:
  Critical indexes for performance:
  - idx_entries_transaction: running net fee per transaction (hot path)
  - idx_entries_signature:   replay detection on settle
  - idx_entries_source:      "all fees for this order" queries
  - idx_policies_channel:    effective policy resolution

DECIMALS:
  All money columns are TEXT holding exact decimal strings. SQLite REAL
  is binary floating point and must never touch fee amounts.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/fees.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  // Use with ledger
  ledger := fee.NewLedger(store, store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - fee/ledger.go: Interface definitions and the ledger using them
  - fee/store/memory.go: In-memory implementation for testing
  - factory/policy.go: JSON config parsing for stored policies
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/fee-engine/factory"
	"github.com/warp/fee-engine/fee"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Entries (append-only fee ledger)
	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL,
		parent_entry_id TEXT,
		event_type TEXT NOT NULL,
		status TEXT NOT NULL,
		currency TEXT NOT NULL,
		total_fee TEXT NOT NULL,
		signature TEXT,
		policy_key TEXT NOT NULL DEFAULT '',
		policy_version INTEGER NOT NULL DEFAULT 0,
		policy_hash TEXT NOT NULL DEFAULT '',
		policy_precision INTEGER NOT NULL DEFAULT 2,
		policy_component_count INTEGER NOT NULL DEFAULT 0,
		input_line_count INTEGER NOT NULL DEFAULT 0,
		input_order_base TEXT NOT NULL DEFAULT '0',
		input_order_gross TEXT NOT NULL DEFAULT '0',
		input_order_tax TEXT NOT NULL DEFAULT '0',
		source_module TEXT NOT NULL DEFAULT '',
		source_object_type TEXT NOT NULL DEFAULT '',
		source_object_id TEXT NOT NULL DEFAULT '',
		reason TEXT,
		created_at TEXT NOT NULL,
		seq INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_entries_transaction
		ON entries(transaction_id, created_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_signature
		ON entries(signature) WHERE signature IS NOT NULL AND signature != '';
	CREATE INDEX IF NOT EXISTS idx_entries_source
		ON entries(source_module, source_object_type, source_object_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_entries_parent
		ON entries(parent_entry_id) WHERE parent_entry_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_entries_status
		ON entries(status);

	-- Per-component breakdown rows
	CREATE TABLE IF NOT EXISTS entry_components (
		entry_id TEXT NOT NULL REFERENCES entries(id),
		position INTEGER NOT NULL,
		component_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		scope TEXT NOT NULL,
		amount TEXT NOT NULL,
		base_used TEXT NOT NULL DEFAULT '0',
		rate_applied TEXT,
		fixed_used TEXT,
		tier_index INTEGER,
		cap_delta TEXT,
		applied BOOLEAN NOT NULL,
		discard_reason TEXT,
		override_reason TEXT,
		proration TEXT NOT NULL DEFAULT '',
		tags_json TEXT,
		refund_json TEXT,
		line_ids_json TEXT,
		PRIMARY KEY (entry_id, position)
	);

	-- Per-line fee distribution
	CREATE TABLE IF NOT EXISTS entry_allocations (
		entry_id TEXT NOT NULL REFERENCES entries(id),
		position INTEGER NOT NULL,
		line_id TEXT NOT NULL,
		fee_amount TEXT NOT NULL,
		components_json TEXT,
		PRIMARY KEY (entry_id, position)
	);

	-- Non-fatal calculation warnings
	CREATE TABLE IF NOT EXISTS entry_warnings (
		entry_id TEXT NOT NULL REFERENCES entries(id),
		position INTEGER NOT NULL,
		code TEXT NOT NULL,
		component_id TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (entry_id, position)
	);

	-- Component-level refund detail (adjustment entries only)
	CREATE TABLE IF NOT EXISTS refund_lines (
		entry_id TEXT NOT NULL REFERENCES entries(id),
		position INTEGER NOT NULL,
		component_id TEXT NOT NULL,
		original_amount TEXT NOT NULL,
		refund TEXT NOT NULL,
		behavior TEXT NOT NULL DEFAULT '',
		skipped BOOLEAN NOT NULL DEFAULT FALSE,
		skip_reason TEXT,
		PRIMARY KEY (entry_id, position)
	);

	-- Policies (versioned JSON configs, effective-dated per channel)
	CREATE TABLE IF NOT EXISTS policies (
		channel_key TEXT NOT NULL,
		version INTEGER NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		currency TEXT NOT NULL DEFAULT '',
		config_json TEXT NOT NULL,
		effective_from TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (channel_key, version)
	);

	CREATE INDEX IF NOT EXISTS idx_policies_channel
		ON policies(channel_key, effective_from DESC, version DESC);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// seq gives a total insertion order independent of created_at ties.
	_, err := s.db.Exec(`
		CREATE TRIGGER IF NOT EXISTS trg_entries_seq
		AFTER INSERT ON entries
		WHEN NEW.seq IS NULL
		BEGIN
			UPDATE entries SET seq = (SELECT COALESCE(MAX(seq), 0) + 1 FROM entries) WHERE id = NEW.id;
		END;
	`)
	return err
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// ENTRY STORE (fee.EntryStore interface)
// =============================================================================

// SaveEntry persists an entry and all its child rows atomically and
// returns the entry id. A missing id is assigned.
func (s *Store) SaveEntry(ctx context.Context, e *fee.Entry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.EntryID == "" {
		e.EntryID = uuid.NewString()
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := s.insertEntry(ctx, sqlTx, e); err != nil {
		return "", err
	}
	if err := sqlTx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit entry: %w", err)
	}
	return e.EntryID, nil
}

func (s *Store) insertEntry(ctx context.Context, db execer, e *fee.Entry) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO entries
		(id, transaction_id, parent_entry_id, event_type, status, currency, total_fee,
		 signature, policy_key, policy_version, policy_hash, policy_precision,
		 policy_component_count, input_line_count, input_order_base, input_order_gross,
		 input_order_tax, source_module, source_object_type, source_object_id,
		 reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		e.EntryID,
		e.TransactionID,
		nullString(e.ParentEntryID),
		string(e.EventType),
		string(e.Status),
		e.Currency,
		e.TotalFee.String(),
		nullString(e.Signature),
		e.PolicySnapshot.Key,
		e.PolicySnapshot.Version,
		e.PolicySnapshot.Hash,
		e.PolicySnapshot.Precision,
		e.PolicySnapshot.ComponentCount,
		e.InputSnapshot.LineCount,
		e.InputSnapshot.OrderBase.String(),
		e.InputSnapshot.OrderGross.String(),
		e.InputSnapshot.OrderTax.String(),
		e.Source.Module,
		e.Source.ObjectType,
		e.Source.ObjectID,
		nullString(e.Reason),
		createdAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fee.ErrDuplicateSignature
		}
		return fmt.Errorf("failed to insert entry: %w", err)
	}

	for i, b := range e.Breakdown {
		if err := s.insertComponent(ctx, db, e.EntryID, i, b); err != nil {
			return err
		}
	}
	for i, a := range e.Allocation {
		componentsJSON, _ := json.Marshal(a.Components)
		_, err := db.ExecContext(ctx, `
			INSERT INTO entry_allocations (entry_id, position, line_id, fee_amount, components_json)
			VALUES (?, ?, ?, ?, ?)`,
			e.EntryID, i, a.LineID, a.FeeAmount.String(), string(componentsJSON),
		)
		if err != nil {
			return fmt.Errorf("failed to insert allocation: %w", err)
		}
	}
	for i, w := range e.Warnings {
		_, err := db.ExecContext(ctx, `
			INSERT INTO entry_warnings (entry_id, position, code, component_id, message)
			VALUES (?, ?, ?, ?, ?)`,
			e.EntryID, i, w.Code, w.ComponentID, w.Message,
		)
		if err != nil {
			return fmt.Errorf("failed to insert warning: %w", err)
		}
	}
	for i, r := range e.RefundPlan {
		_, err := db.ExecContext(ctx, `
			INSERT INTO refund_lines (entry_id, position, component_id, original_amount, refund, behavior, skipped, skip_reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.EntryID, i, r.ComponentID, r.OriginalAmount.String(), r.Refund.String(),
			string(r.Behavior), r.Skipped, nullString(r.SkipReason),
		)
		if err != nil {
			return fmt.Errorf("failed to insert refund line: %w", err)
		}
	}

	return nil
}

func (s *Store) insertComponent(ctx context.Context, db execer, entryID string, position int, b fee.BreakdownEntry) error {
	tagsJSON, _ := json.Marshal(b.Tags)
	refundJSON, _ := json.Marshal(b.Refund)
	lineIDsJSON, _ := json.Marshal(b.LineIDs)

	_, err := db.ExecContext(ctx, `
		INSERT INTO entry_components
		(entry_id, position, component_id, name, type, scope, amount, base_used,
		 rate_applied, fixed_used, tier_index, cap_delta, applied,
		 discard_reason, override_reason, proration, tags_json, refund_json, line_ids_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entryID, position, b.ComponentID, b.Name, string(b.Type), string(b.Scope),
		b.Amount.String(), b.BaseUsed.String(),
		nullDecimal(b.RateApplied), nullDecimal(b.FixedUsed), nullInt(b.TierIndex),
		nullDecimal(b.CapDelta), b.Applied,
		nullString(b.DiscardReason), nullString(b.OverrideReason), string(b.Proration),
		string(tagsJSON), string(refundJSON), string(lineIDsJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert component: %w", err)
	}
	return nil
}

// LoadEntry returns an entry with all child rows, or nil when absent.
func (s *Store) LoadEntry(ctx context.Context, entryID string) (*fee.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := s.queryEntries(ctx, entrySelect+" WHERE id = ?", entryID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

// UpdateEntryStatus flips an entry's status. This is the single permitted
// mutation on the entries table.
func (s *Store) UpdateEntryStatus(ctx context.Context, entryID string, status fee.EntryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE entries SET status = ? WHERE id = ?", string(status), entryID)
	if err != nil {
		return fmt.Errorf("failed to update entry status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fee.ErrEntryNotFound
	}
	return nil
}

// LoadByTransaction returns all entries for a transaction in insertion
// order.
func (s *Store) LoadByTransaction(ctx context.Context, transactionID string) ([]*fee.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryEntries(ctx,
		entrySelect+" WHERE transaction_id = ? ORDER BY seq ASC", transactionID)
}

// =============================================================================
// SIGNATURE INDEX (fee.SignatureIndex interface)
// =============================================================================

// FindBySignature returns the entry carrying the given calculation
// signature, or nil.
func (s *Store) FindBySignature(ctx context.Context, signature string) (*fee.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if signature == "" {
		return nil, nil
	}
	entries, err := s.queryEntries(ctx, entrySelect+" WHERE signature = ?", signature)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

// =============================================================================
// SOURCE QUERIES (fee.SourceQuerier interface)
// =============================================================================

const sourceWhere = " WHERE source_module = ? AND source_object_type = ? AND source_object_id = ?"

// LoadLatestForSource returns the most recent entry for a business object.
func (s *Store) LoadLatestForSource(ctx context.Context, src fee.SourceRef) (*fee.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := s.queryEntries(ctx,
		entrySelect+sourceWhere+" ORDER BY seq DESC LIMIT 1",
		src.Module, src.ObjectType, src.ObjectID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

// LoadAllForSource returns every entry for a business object in insertion
// order.
func (s *Store) LoadAllForSource(ctx context.Context, src fee.SourceRef) ([]*fee.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryEntries(ctx,
		entrySelect+sourceWhere+" ORDER BY seq ASC",
		src.Module, src.ObjectType, src.ObjectID)
}

// CountForSource counts entries for a business object.
func (s *Store) CountForSource(ctx context.Context, src fee.SourceRef) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entries"+sourceWhere,
		src.Module, src.ObjectType, src.ObjectID,
	).Scan(&count)
	return count, err
}

// IterateForSource streams entries for a business object. Iteration stops
// on the first error returned by fn.
func (s *Store) IterateForSource(ctx context.Context, src fee.SourceRef, fn func(*fee.Entry) error) error {
	entries, err := s.LoadAllForSource(ctx, src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// RUNNING TOTALS
// =============================================================================

// TransactionTotals computes running fee totals for a transaction in SQL
// without materializing the entries. Decimal sums are done in Go over the
// TEXT columns; SQLite SUM would coerce to float.
func (s *Store) TransactionTotals(ctx context.Context, transactionID string) (*fee.TransactionFees, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT event_type, total_fee FROM entries WHERE transaction_id = ?", transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fees := &fee.TransactionFees{TransactionID: transactionID}
	for rows.Next() {
		var eventType, totalFee string
		if err := rows.Scan(&eventType, &totalFee); err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(totalFee)
		if err != nil {
			return nil, fmt.Errorf("corrupt total_fee %q: %w", totalFee, err)
		}
		fees.EntryCount++
		if fee.EventType(eventType) == fee.EventSettle {
			fees.TotalFees = fees.TotalFees.Add(amount)
		} else {
			fees.TotalAdjustments = fees.TotalAdjustments.Add(amount)
		}
	}
	fees.NetFees = fees.TotalFees.Add(fees.TotalAdjustments)
	return fees, rows.Err()
}

// =============================================================================
// ENTRY SCANNING
// =============================================================================

const entrySelect = `
	SELECT id, transaction_id, parent_entry_id, event_type, status, currency, total_fee,
	       signature, policy_key, policy_version, policy_hash, policy_precision,
	       policy_component_count, input_line_count, input_order_base, input_order_gross,
	       input_order_tax, source_module, source_object_type, source_object_id,
	       reason, created_at
	FROM entries`

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]*fee.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []*fee.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, e := range entries {
		if err := s.loadChildren(ctx, e); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func scanEntry(rows *sql.Rows) (*fee.Entry, error) {
	var (
		e             fee.Entry
		parentEntryID sql.NullString
		eventType     string
		status        string
		totalFee      string
		signature     sql.NullString
		orderBase     string
		orderGross    string
		orderTax      string
		reason        sql.NullString
		createdAt     string
	)

	err := rows.Scan(
		&e.EntryID, &e.TransactionID, &parentEntryID, &eventType, &status,
		&e.Currency, &totalFee, &signature,
		&e.PolicySnapshot.Key, &e.PolicySnapshot.Version, &e.PolicySnapshot.Hash,
		&e.PolicySnapshot.Precision, &e.PolicySnapshot.ComponentCount,
		&e.InputSnapshot.LineCount, &orderBase, &orderGross, &orderTax,
		&e.Source.Module, &e.Source.ObjectType, &e.Source.ObjectID,
		&reason, &createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan entry: %w", err)
	}

	e.ParentEntryID = parentEntryID.String
	e.EventType = fee.EventType(eventType)
	e.Status = fee.EntryStatus(status)
	e.Signature = signature.String
	e.Reason = reason.String
	if e.TotalFee, err = decimal.NewFromString(totalFee); err != nil {
		return nil, fmt.Errorf("corrupt total_fee %q: %w", totalFee, err)
	}
	if e.InputSnapshot.OrderBase, err = decimal.NewFromString(orderBase); err != nil {
		return nil, fmt.Errorf("corrupt input_order_base %q: %w", orderBase, err)
	}
	if e.InputSnapshot.OrderGross, err = decimal.NewFromString(orderGross); err != nil {
		return nil, fmt.Errorf("corrupt input_order_gross %q: %w", orderGross, err)
	}
	if e.InputSnapshot.OrderTax, err = decimal.NewFromString(orderTax); err != nil {
		return nil, fmt.Errorf("corrupt input_order_tax %q: %w", orderTax, err)
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

	return &e, nil
}

func (s *Store) loadChildren(ctx context.Context, e *fee.Entry) error {
	if err := s.loadComponents(ctx, e); err != nil {
		return err
	}
	if err := s.loadAllocations(ctx, e); err != nil {
		return err
	}
	if err := s.loadWarnings(ctx, e); err != nil {
		return err
	}
	return s.loadRefundLines(ctx, e)
}

func (s *Store) loadComponents(ctx context.Context, e *fee.Entry) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT component_id, name, type, scope, amount, base_used,
		       rate_applied, fixed_used, tier_index, cap_delta, applied,
		       discard_reason, override_reason, proration, tags_json, refund_json, line_ids_json
		FROM entry_components WHERE entry_id = ? ORDER BY position ASC`, e.EntryID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			b             fee.BreakdownEntry
			compType      string
			scope         string
			amount        string
			baseUsed      string
			rateApplied   sql.NullString
			fixedUsed     sql.NullString
			tierIndex     sql.NullInt64
			capDelta      sql.NullString
			discardReason sql.NullString
			override      sql.NullString
			proration     string
			tagsJSON      sql.NullString
			refundJSON    sql.NullString
			lineIDsJSON   sql.NullString
		)
		if err := rows.Scan(
			&b.ComponentID, &b.Name, &compType, &scope, &amount, &baseUsed,
			&rateApplied, &fixedUsed, &tierIndex, &capDelta, &b.Applied,
			&discardReason, &override, &proration, &tagsJSON, &refundJSON, &lineIDsJSON,
		); err != nil {
			return fmt.Errorf("failed to scan component: %w", err)
		}

		b.Type = fee.ComponentType(compType)
		b.Scope = fee.ComponentScope(scope)
		b.Proration = fee.ProrationMethod(proration)
		b.DiscardReason = discardReason.String
		b.OverrideReason = override.String
		if b.Amount, err = decimal.NewFromString(amount); err != nil {
			return fmt.Errorf("corrupt component amount %q: %w", amount, err)
		}
		if b.BaseUsed, err = decimal.NewFromString(baseUsed); err != nil {
			return fmt.Errorf("corrupt component base %q: %w", baseUsed, err)
		}
		if b.RateApplied, err = scanDecimal(rateApplied); err != nil {
			return err
		}
		if b.FixedUsed, err = scanDecimal(fixedUsed); err != nil {
			return err
		}
		if b.CapDelta, err = scanDecimal(capDelta); err != nil {
			return err
		}
		if tierIndex.Valid {
			i := int(tierIndex.Int64)
			b.TierIndex = &i
		}
		if tagsJSON.Valid && tagsJSON.String != "" {
			json.Unmarshal([]byte(tagsJSON.String), &b.Tags)
		}
		if refundJSON.Valid && refundJSON.String != "" {
			json.Unmarshal([]byte(refundJSON.String), &b.Refund)
		}
		if lineIDsJSON.Valid && lineIDsJSON.String != "" {
			json.Unmarshal([]byte(lineIDsJSON.String), &b.LineIDs)
		}

		e.Breakdown = append(e.Breakdown, b)
	}
	return rows.Err()
}

func (s *Store) loadAllocations(ctx context.Context, e *fee.Entry) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT line_id, fee_amount, components_json
		FROM entry_allocations WHERE entry_id = ? ORDER BY position ASC`, e.EntryID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			a              fee.AllocationEntry
			feeAmount      string
			componentsJSON sql.NullString
		)
		if err := rows.Scan(&a.LineID, &feeAmount, &componentsJSON); err != nil {
			return fmt.Errorf("failed to scan allocation: %w", err)
		}
		if a.FeeAmount, err = decimal.NewFromString(feeAmount); err != nil {
			return fmt.Errorf("corrupt allocation amount %q: %w", feeAmount, err)
		}
		if componentsJSON.Valid && componentsJSON.String != "" {
			json.Unmarshal([]byte(componentsJSON.String), &a.Components)
		}
		e.Allocation = append(e.Allocation, a)
	}
	return rows.Err()
}

func (s *Store) loadWarnings(ctx context.Context, e *fee.Entry) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT code, component_id, message
		FROM entry_warnings WHERE entry_id = ? ORDER BY position ASC`, e.EntryID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var w fee.Warning
		if err := rows.Scan(&w.Code, &w.ComponentID, &w.Message); err != nil {
			return fmt.Errorf("failed to scan warning: %w", err)
		}
		e.Warnings = append(e.Warnings, w)
	}
	return rows.Err()
}

func (s *Store) loadRefundLines(ctx context.Context, e *fee.Entry) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT component_id, original_amount, refund, behavior, skipped, skip_reason
		FROM refund_lines WHERE entry_id = ? ORDER BY position ASC`, e.EntryID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r          fee.RefundLine
			original   string
			refund     string
			behavior   string
			skipReason sql.NullString
		)
		if err := rows.Scan(&r.ComponentID, &original, &refund, &behavior, &r.Skipped, &skipReason); err != nil {
			return fmt.Errorf("failed to scan refund line: %w", err)
		}
		if r.OriginalAmount, err = decimal.NewFromString(original); err != nil {
			return fmt.Errorf("corrupt refund original %q: %w", original, err)
		}
		if r.Refund, err = decimal.NewFromString(refund); err != nil {
			return fmt.Errorf("corrupt refund amount %q: %w", refund, err)
		}
		r.Behavior = fee.RefundBehavior(behavior)
		r.SkipReason = skipReason.String
		e.RefundPlan = append(e.RefundPlan, r)
	}
	return rows.Err()
}

// =============================================================================
// POLICY STORE (fee.PolicyLoader interface + admin CRUD)
// =============================================================================

// PolicyRecord is a stored policy config.
type PolicyRecord struct {
	ChannelKey    string
	Version       int
	Name          string
	Currency      string
	ConfigJSON    string
	EffectiveFrom time.Time
	CreatedAt     time.Time
}

// SavePolicy stores a policy version. The config is parsed first so a
// structurally invalid policy never reaches the table.
func (s *Store) SavePolicy(ctx context.Context, rec PolicyRecord) error {
	policy, err := factory.ParseString(rec.ConfigJSON)
	if err != nil {
		return err
	}
	if rec.Version == 0 {
		rec.Version = policy.Version
	}
	if rec.Name == "" {
		rec.Name = policy.Name
	}
	if rec.Currency == "" {
		rec.Currency = policy.Currency
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO policies (channel_key, version, name, currency, config_json, effective_from, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_key, version) DO UPDATE SET
			name = excluded.name,
			currency = excluded.currency,
			config_json = excluded.config_json,
			effective_from = excluded.effective_from
	`

	_, err = s.db.ExecContext(ctx, query,
		rec.ChannelKey, rec.Version, rec.Name, rec.Currency, rec.ConfigJSON,
		rec.EffectiveFrom.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// LoadPolicy resolves the effective policy for a channel at a date: the
// highest version whose effective_from is not after asOf. Returns
// (nil, nil) when no version is effective.
func (s *Store) LoadPolicy(ctx context.Context, channelKey string, asOf time.Time) (*fee.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	var configJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT config_json FROM policies
		WHERE channel_key = ? AND effective_from <= ?
		ORDER BY effective_from DESC, version DESC
		LIMIT 1`,
		channelKey, asOf.UTC().Format(time.RFC3339),
	).Scan(&configJSON)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return factory.ParseString(configJSON)
}

// GetPolicyVersion retrieves one stored policy version, or nil.
func (s *Store) GetPolicyVersion(ctx context.Context, channelKey string, version int) (*PolicyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec PolicyRecord
	var effectiveFrom, createdAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT channel_key, version, name, currency, config_json, effective_from, created_at
		FROM policies WHERE channel_key = ? AND version = ?`,
		channelKey, version,
	).Scan(&rec.ChannelKey, &rec.Version, &rec.Name, &rec.Currency, &rec.ConfigJSON, &effectiveFrom, &createdAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rec.EffectiveFrom, _ = time.Parse(time.RFC3339, effectiveFrom)
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &rec, nil
}

// ListPolicies returns all stored policy versions.
func (s *Store) ListPolicies(ctx context.Context) ([]PolicyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_key, version, name, currency, config_json, effective_from, created_at
		FROM policies ORDER BY channel_key, version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []PolicyRecord
	for rows.Next() {
		var rec PolicyRecord
		var effectiveFrom, createdAt string
		if err := rows.Scan(&rec.ChannelKey, &rec.Version, &rec.Name, &rec.Currency,
			&rec.ConfigJSON, &effectiveFrom, &createdAt); err != nil {
			return nil, err
		}
		rec.EffectiveFrom, _ = time.Parse(time.RFC3339, effectiveFrom)
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeletePolicyVersion removes one policy version. Entries that settled
// against it keep their snapshot and stay reproducible.
func (s *Store) DeletePolicyVersion(ctx context.Context, channelKey string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM policies WHERE channel_key = ? AND version = ?", channelKey, version)
	return err
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo). The ledger tables are wiped
// too; never call this in production.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"refund_lines", "entry_warnings", "entry_allocations", "entry_components", "entries", "policies"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// RecentEntries returns the most recent entries (for admin view).
func (s *Store) RecentEntries(ctx context.Context, limit int) ([]*fee.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryEntries(ctx, entrySelect+" ORDER BY seq DESC LIMIT ?", limit)
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func scanDecimal(ns sql.NullString) (*decimal.Decimal, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil, fmt.Errorf("corrupt decimal %q: %w", ns.String, err)
	}
	return &d, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
