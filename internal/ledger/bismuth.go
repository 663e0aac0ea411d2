package ledger

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/pooledbismuth/bismuth-pool/internal/types"
)

// recentRewardsQuery selects the mining reward transaction of each recent
// block. The node stores amounts as untyped text, hence the cast.
const recentRewardsQuery = `
	SELECT block_height, timestamp, block_hash
	FROM transactions
	WHERE CAST(reward AS REAL) > 0
	ORDER BY block_height DESC
	LIMIT ?`

// BismuthLedger reads chain history from a Bismuth node's sqlite ledger.
// The database belongs to the node; it is opened read-only.
type BismuthLedger struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenBismuthLedger opens the node ledger at path read-only and checks
// that it has a transactions table.
func OpenBismuthLedger(path string, logger *zap.Logger) (*BismuthLedger, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open bismuth ledger: %w", err)
	}
	db.SetMaxOpenConns(1)

	var tables int
	err = db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'transactions'`).Scan(&tables)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("read bismuth ledger %s: %w", path, err)
	}
	if tables == 0 {
		db.Close()
		return nil, fmt.Errorf("bismuth ledger %s has no transactions table", path)
	}

	logger.Info("bismuth ledger opened", zap.String("path", path))
	return &BismuthLedger{db: db, logger: logger}, nil
}

// Recent returns up to n of the most recent rewarded blocks, oldest first.
func (l *BismuthLedger) Recent(n int) ([]types.ConsensusRecord, error) {
	rows, err := l.db.Query(recentRewardsQuery, n)
	if err != nil {
		return nil, fmt.Errorf("query rewards: %w", err)
	}
	defer rows.Close()

	var newest []types.ConsensusRecord
	for rows.Next() {
		var rec types.ConsensusRecord
		if err := rows.Scan(&rec.Height, &rec.Stamp, &rec.Hash); err != nil {
			return nil, fmt.Errorf("scan reward: %w", err)
		}
		newest = append(newest, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rewards: %w", err)
	}

	out := make([]types.ConsensusRecord, len(newest))
	for i, rec := range newest {
		out[len(newest)-1-i] = rec
	}
	return out, nil
}

// Close closes the database handle.
func (l *BismuthLedger) Close() error {
	return l.db.Close()
}
