package historian

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	go_ora "github.com/sijms/go-ora/v2"

	"github.com/plantops/qhist/config"
)

// ErrBatchFailed means every row of a batch was rejected.
var ErrBatchFailed = errors.New("historian: batch failed")

// OperationRow is one row for the operation table.
type OperationRow struct {
	Time  time.Time
	Name  string
	Value string
}

// TagLogRow is one row for the tag-log table. The ID comes from the
// table's sequence at insert time.
type TagLogRow struct {
	CTime    time.Time
	OTime    time.Time
	Name     string
	Type     string // single char, 'D' for collected data
	ValueStr string
	ValueNum sql.NullFloat64
	ValueRaw string
}

// RowError is one rejected row inside an otherwise surviving batch.
type RowError struct {
	Table string
	Index int
	Err   error
}

// BatchResult reports a batch insert with row-level resolution.
type BatchResult struct {
	Inserted  int
	RowErrors []RowError
}

// Partial reports whether some rows failed while others were committed.
func (r BatchResult) Partial() bool {
	return r.Inserted > 0 && len(r.RowErrors) > 0
}

// Store is the historian destination. *OracleStore satisfies it; tests
// substitute fakes.
type Store interface {
	// WriteBatch inserts both row sets in one transaction, reporting
	// per-row errors. It fails outright only when every row is rejected
	// or the transaction itself cannot commit.
	WriteBatch(ctx context.Context, ops []OperationRow, logs []TagLogRow) (BatchResult, error)
	Close() error
}

// OracleStore writes to the Oracle historian over database/sql.
type OracleStore struct {
	db       *sql.DB
	opTable  string
	logTable string
	sequence string
}

// Open connects to Oracle and verifies the link with a bounded ping.
func Open(cfg config.OracleConfig) (*OracleStore, error) {
	dsn := go_ora.BuildUrl(cfg.Host, cfg.Port, cfg.ServiceName, cfg.Username, cfg.Password, nil)
	db, err := sql.Open("oracle", dsn)
	if err != nil {
		return nil, fmt.Errorf("historian: open oracle: %w", err)
	}
	db.SetMaxOpenConns(cfg.PoolMax)
	db.SetMaxIdleConns(cfg.PoolMin)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("historian: ping oracle %s:%d/%s: %w",
			cfg.Host, cfg.Port, cfg.ServiceName, err)
	}

	return &OracleStore{
		db:       db,
		opTable:  cfg.OperationTable,
		logTable: cfg.TagLogTable,
		sequence: cfg.Sequence(),
	}, nil
}

// WriteBatch executes per-row inserts inside one transaction so row
// failures are attributable. Rows that fail are skipped; if every row
// fails the transaction is rolled back and the batch is a failure.
func (s *OracleStore) WriteBatch(ctx context.Context, ops []OperationRow, logs []TagLogRow) (BatchResult, error) {
	var res BatchResult
	total := len(ops) + len(logs)
	if total == 0 {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("historian: begin: %w", err)
	}
	defer tx.Rollback()

	if len(ops) > 0 {
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (TIME, NAME, VALUE) VALUES (:1, :2, :3)`, s.opTable))
		if err != nil {
			return res, fmt.Errorf("historian: prepare %s: %w", s.opTable, err)
		}
		for i, row := range ops {
			if _, err := stmt.ExecContext(ctx, row.Time, row.Name, row.Value); err != nil {
				if isConnectionLost(err) {
					stmt.Close()
					return res, fmt.Errorf("historian: insert %s: %w", s.opTable, err)
				}
				res.RowErrors = append(res.RowErrors, RowError{Table: s.opTable, Index: i, Err: err})
				continue
			}
			res.Inserted++
		}
		stmt.Close()
	}

	if len(logs) > 0 {
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (ID, CTIME, OTIME, DATATAG_NAME, DATATAG_TYPE, VALUE_STR, VALUE_NUM, VALUE_RAW)
			 VALUES (%s.NEXTVAL, :1, :2, :3, :4, :5, :6, :7)`, s.logTable, s.sequence))
		if err != nil {
			return res, fmt.Errorf("historian: prepare %s: %w", s.logTable, err)
		}
		for i, row := range logs {
			if _, err := stmt.ExecContext(ctx,
				row.CTime, row.OTime, row.Name, row.Type,
				row.ValueStr, row.ValueNum, row.ValueRaw); err != nil {
				if isConnectionLost(err) {
					stmt.Close()
					return res, fmt.Errorf("historian: insert %s: %w", s.logTable, err)
				}
				res.RowErrors = append(res.RowErrors, RowError{Table: s.logTable, Index: i, Err: err})
				continue
			}
			res.Inserted++
		}
		stmt.Close()
	}

	if res.Inserted == 0 {
		return res, fmt.Errorf("%w: all %d rows rejected, first: %v",
			ErrBatchFailed, total, res.RowErrors[0].Err)
	}
	if err := tx.Commit(); err != nil {
		res.Inserted = 0
		return res, fmt.Errorf("historian: commit: %w", err)
	}
	return res, nil
}

// Close releases the database handle.
func (s *OracleStore) Close() error {
	return s.db.Close()
}

// isConnectionLost reports whether the session itself is gone, making
// further per-row attempts in this transaction pointless.
func isConnectionLost(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// IsRetryable classifies Oracle-side failures worth another attempt:
// ORA- errors, dead connections, and network faults. Anything else is
// permanent for the writer's purposes.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, ErrBatchFailed) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "ora-") ||
		strings.Contains(msg, "connection") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "refused") ||
		strings.Contains(msg, "network")
}
