package receipt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zombor/expense-agent/internal/matching"
	"go.etcd.io/bbolt"
)

const (
	receiptsBucket     = "receipts"
	candidatesBucket   = "candidates"
	matchesBucket      = "matches"
	itemizationsBucket = "itemizations"
)

// ErrNotFound is wrapped by every lookup of a missing key
var ErrNotFound = errors.New("not found")

// DB defines the interface for database operations
type DB interface {
	SaveReceipt(receipt *Receipt) error
	GetReceipt(id string) (*Receipt, error)
	ListReceipts() ([]*Receipt, error)
	DeleteReceipt(id string) error

	// SaveCandidates upserts candidates by ID
	SaveCandidates(candidates []matching.ExpenseCandidate) error
	GetCandidate(id string) (*matching.ExpenseCandidate, error)
	ListCandidates() ([]matching.ExpenseCandidate, error)

	// SaveMatch upserts a match by its receipt and candidate pair
	SaveMatch(match *Match) error
	ListMatches() ([]*Match, error)
	DeleteMatches(receiptID string) error

	SaveItemization(it *Itemization) error
	GetItemization(receiptID string) (*Itemization, error)
	DeleteItemization(receiptID string) error

	Close() error
}

// BoltDB implements DB with one bucket per record kind, values stored as JSON
type BoltDB struct {
	db *bbolt.DB
}

func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{receiptsBucket, candidatesBucket, matchesBucket, itemizationsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

func put(tx *bbolt.Tx, bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", bucket, err)
	}
	return tx.Bucket([]byte(bucket)).Put([]byte(key), data)
}

func get[T any](b *BoltDB, bucket, key string) (*T, error) {
	var v *T
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucket)).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%w: %s %s", ErrNotFound, bucket, key)
		}
		return json.Unmarshal(data, &v)
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func list[T any](b *BoltDB, bucket string) ([]T, error) {
	out := make([]T, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).ForEach(func(k, v []byte) error {
			var item T
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("unmarshaling %s %s: %w", bucket, k, err)
			}
			out = append(out, item)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltDB) SaveReceipt(receipt *Receipt) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, receiptsBucket, receipt.ID, receipt)
	})
}

func (b *BoltDB) GetReceipt(id string) (*Receipt, error) {
	return get[Receipt](b, receiptsBucket, id)
}

func (b *BoltDB) ListReceipts() ([]*Receipt, error) {
	return list[*Receipt](b, receiptsBucket)
}

func (b *BoltDB) DeleteReceipt(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(receiptsBucket)).Delete([]byte(id))
	})
}

// SaveCandidates writes all candidates in one transaction
func (b *BoltDB) SaveCandidates(candidates []matching.ExpenseCandidate) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for i := range candidates {
			if err := put(tx, candidatesBucket, candidates[i].ID, &candidates[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltDB) GetCandidate(id string) (*matching.ExpenseCandidate, error) {
	return get[matching.ExpenseCandidate](b, candidatesBucket, id)
}

func (b *BoltDB) ListCandidates() ([]matching.ExpenseCandidate, error) {
	return list[matching.ExpenseCandidate](b, candidatesBucket)
}

func (b *BoltDB) SaveMatch(match *Match) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, matchesBucket, match.key(), match)
	})
}

func (b *BoltDB) ListMatches() ([]*Match, error) {
	return list[*Match](b, matchesBucket)
}

// DeleteMatches removes every match of a receipt. Match keys start with the
// receipt ID, so a prefix scan finds them.
func (b *BoltDB) DeleteMatches(receiptID string) error {
	prefix := []byte(receiptID + "/")
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(matchesBucket))
		var keys [][]byte
		c := bucket.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltDB) SaveItemization(it *Itemization) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, itemizationsBucket, it.ReceiptID, it)
	})
}

func (b *BoltDB) GetItemization(receiptID string) (*Itemization, error) {
	return get[Itemization](b, itemizationsBucket, receiptID)
}

func (b *BoltDB) DeleteItemization(receiptID string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(itemizationsBucket)).Delete([]byte(receiptID))
	})
}

func (b *BoltDB) Close() error {
	return b.db.Close()
}
