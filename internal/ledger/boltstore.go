package ledger

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/pooledbismuth/bismuth-pool/internal/types"
)

var (
	bucketConsensus = []byte("consensus")
	bucketBest      = []byte("best")
)

// BoltStore archives retired consensus records and their best results in
// bbolt. Records are keyed by big-endian height so cursor order is chain
// order.
type BoltStore struct {
	mu     sync.Mutex
	db     *bbolt.DB
	logger *zap.Logger
}

// NewBoltStore opens (or creates) the archive at path.
func NewBoltStore(path string, logger *zap.Logger) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketConsensus); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketBest)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	s := &BoltStore{db: db, logger: logger}

	var records int
	err = db.View(func(tx *bbolt.Tx) error {
		records = tx.Bucket(bucketConsensus).Stats().KeyN
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("count records: %w", err)
	}

	logger.Info("ledger archive opened",
		zap.String("path", path),
		zap.Int("records", records),
	)
	return s, nil
}

// PutConsensus archives a retired consensus record. A record at an
// existing height replaces the earlier one.
func (s *BoltStore) PutConsensus(rec types.ConsensusRecord) error {
	data, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode consensus: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConsensus).Put(heightKey(rec.Height), data)
	})
	if err != nil {
		return fmt.Errorf("persist consensus %d: %w", rec.Height, err)
	}
	return nil
}

// PutBest archives the best result found for a block.
func (s *BoltStore) PutBest(res types.MiningResult) error {
	data, err := cbor.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBest).Put([]byte(res.Block), data)
	})
	if err != nil {
		return fmt.Errorf("persist best for %s: %w", res.Block, err)
	}
	return nil
}

// Best returns the archived best result for a block hash.
func (s *BoltStore) Best(hash string) (types.MiningResult, bool, error) {
	var (
		res   types.MiningResult
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketBest).Get([]byte(hash))
		if v == nil {
			return nil
		}
		found = true
		return cbor.Unmarshal(v, &res)
	})
	if err != nil {
		return types.MiningResult{}, false, fmt.Errorf("load best for %s: %w", hash, err)
	}
	return res, found, nil
}

// Recent returns up to n of the highest archived records, oldest first.
func (s *BoltStore) Recent(n int) ([]types.ConsensusRecord, error) {
	if n <= 0 {
		return nil, nil
	}

	var out []types.ConsensusRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketConsensus).Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			var rec types.ConsensusRecord
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode record %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func heightKey(h int64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(h))
	return k[:]
}
