package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

var Databaseconnection *sql.DB

// ErrDuplicateReference means a payment reference was already settled
// under a different transaction id.
var ErrDuplicateReference = errors.New("reference already settled under a different transaction")

func ConnectDatabase() (*sql.DB, error) {
	mysqlHost := os.Getenv("MYSQL_HOST")
	mysqlPort := os.Getenv("MYSQL_PORT")
	mysqlUsername := os.Getenv("MYSQL_USER")
	mysqlPassword := os.Getenv("MYSQL_PASSWORD")
	mysqlDatabase := os.Getenv("MYSQL_DATABASE")

	connectionString := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true", mysqlUsername, mysqlPassword, mysqlHost, mysqlPort, mysqlDatabase)

	var err error
	Databaseconnection, err = sql.Open("mysql", connectionString)
	if err != nil {
		return nil, err
	}
	return Databaseconnection, nil
}

func DisconnectDatabase() error {
	if Databaseconnection != nil {
		return Databaseconnection.Close()
	}
	return nil
}

func CreateDatabases() {
	transactionsQuery := `CREATE TABLE IF NOT EXISTS transactions(
				id INT AUTO_INCREMENT PRIMARY KEY,
				reference VARCHAR(255) NOT NULL UNIQUE,
				transaction_id VARCHAR(255) NOT NULL,
				session_id VARCHAR(255) NOT NULL,
				payer_id VARCHAR(255) NOT NULL,
				plan_type VARCHAR(50),
				canonical_amount DECIMAL(12,2) NOT NULL,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				INDEX idx_session_id (session_id),
				INDEX idx_payer_id (payer_id)
				);`
	var err error
	_, err = Databaseconnection.Exec(transactionsQuery)
	if err != nil {
		fmt.Printf("transactions table creation failed with error %v\n", err)
	}

	attemptsQuery := `CREATE TABLE IF NOT EXISTS attempts(
				id INT AUTO_INCREMENT PRIMARY KEY,
				session_id VARCHAR(255) NOT NULL,
				gateway VARCHAR(50) NOT NULL,
				state VARCHAR(50) NOT NULL,
				latency_ms INT NOT NULL,
				success BOOLEAN NOT NULL,
				error_code VARCHAR(50),
				error_message TEXT,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				INDEX idx_session_id (session_id),
				INDEX idx_created_at (created_at)
				);`

	_, err = Databaseconnection.Exec(attemptsQuery)
	if err != nil {
		fmt.Printf("attempts table creation failed with error %v\n", err)
	}
}

// TransactionStore persists confirmed transactions and the attempt log.
type TransactionStore struct {
	db *sql.DB
}

func NewTransactionStore(db *sql.DB) *TransactionStore {
	return &TransactionStore{db: db}
}

// RecordConfirmation inserts a settled transaction keyed by its payment
// reference. Re-recording the same reference with the same transaction id
// is a no-op; a different transaction id returns ErrDuplicateReference.
func (s *TransactionStore) RecordConfirmation(ctx context.Context, meta SessionMeta, reference, transactionID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("database connection is nil")
	}

	query := `INSERT INTO transactions (reference, transaction_id, session_id, payer_id, plan_type, canonical_amount)
			  VALUES (?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query, reference, transactionID, meta.SessionID, meta.PayerID, meta.PlanType, meta.CanonicalAmount)
	if err == nil {
		return nil
	}
	if !strings.Contains(err.Error(), "Duplicate entry") {
		return fmt.Errorf("failed to record confirmation: %v", err)
	}

	var existing string
	row := s.db.QueryRowContext(ctx, "SELECT transaction_id FROM transactions WHERE reference = ?", reference)
	if scanErr := row.Scan(&existing); scanErr != nil {
		return fmt.Errorf("failed to resolve duplicate reference: %v", scanErr)
	}
	if existing != transactionID {
		return fmt.Errorf("%w: reference %s", ErrDuplicateReference, reference)
	}
	return nil
}

// LogAttempt records one checkout attempt outcome for reconciliation
// tooling.
func (s *TransactionStore) LogAttempt(ctx context.Context, sessionID, gateway, state string, latencyMs int64, success bool, errorCode, errorMessage string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("database connection is nil")
	}

	query := `INSERT INTO attempts (session_id, gateway, state, latency_ms, success, error_code, error_message)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query, sessionID, gateway, state, latencyMs, success, errorCode, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to log attempt: %v", err)
	}

	return nil
}

// AttemptItem is one row of the attempt log.
type AttemptItem struct {
	ID          int    `json:"id"`
	SessionID   string `json:"session_id"`
	Gateway     string `json:"gateway"`
	State       string `json:"state"`
	Latency     int    `json:"latency"`
	Success     bool   `json:"success"`
	ErrorCode   string `json:"error_code,omitempty"`
	CurrentTime int64  `json:"current_time"`
}

// RecentAttempts returns the newest attempt rows for the admin surface.
func (s *TransactionStore) RecentAttempts(ctx context.Context, limit int) ([]AttemptItem, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT id, session_id, gateway, state, latency_ms, success, COALESCE(error_code, ''), created_at
			  FROM attempts ORDER BY created_at DESC LIMIT ?;`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []AttemptItem
	for rows.Next() {
		var item AttemptItem
		var createdAt time.Time

		err := rows.Scan(&item.ID, &item.SessionID, &item.Gateway, &item.State, &item.Latency, &item.Success, &item.ErrorCode, &createdAt)
		if err != nil {
			return nil, err
		}
		item.CurrentTime = createdAt.Unix()

		attempts = append(attempts, item)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return attempts, nil
}
