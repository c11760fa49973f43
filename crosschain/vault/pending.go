package vault

import (
	"encoding/json"
	"errors"
	"math/big"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// ErrUnknownOperation marks lookups for correlation ids never issued.
	ErrUnknownOperation = errors.New("vault: unknown cross-chain operation")
	// ErrDuplicateOperation marks a second resolution of a pending operation.
	ErrDuplicateOperation = errors.New("vault: operation already resolved")
)

// Operation lifecycle states.
const (
	OpStatusPending   = "pending"
	OpStatusConfirmed = "confirmed"
	OpStatusRefunded  = "refunded"
)

// PendingOperation tracks one in-flight cross-chain deposit until the hub
// confirms it or the refund window opens.
type PendingOperation struct {
	CorrelationID string    `json:"correlationId"`
	Lender        string    `json:"lender"`
	Amount        *big.Int  `json:"amount"`
	Status        string    `json:"status"`
	SharesMinted  *big.Int  `json:"sharesMinted,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	ResolvedAt    time.Time `json:"resolvedAt,omitempty"`
}

var pendingBucket = []byte("pending-ops")

// PendingStore persists pending operation records so refunds survive process
// restarts.
type PendingStore struct {
	db *bolt.DB
}

// OpenPendingStore opens (creating if needed) the bolt database at path.
func OpenPendingStore(path string) (*PendingStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pendingBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &PendingStore{db: db}, nil
}

func (s *PendingStore) Close() error { return s.db.Close() }

// Put writes the operation record.
func (s *PendingStore) Put(op *PendingOperation) error {
	raw, err := json.Marshal(op)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).Put([]byte(op.CorrelationID), raw)
	})
}

// Get loads the operation record for the correlation id.
func (s *PendingStore) Get(correlationID string) (*PendingOperation, error) {
	var op *PendingOperation
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(pendingBucket).Get([]byte(correlationID))
		if raw == nil {
			return ErrUnknownOperation
		}
		op = &PendingOperation{}
		return json.Unmarshal(raw, op)
	})
	if err != nil {
		return nil, err
	}
	return op, nil
}

// Pending returns every operation still awaiting resolution.
func (s *PendingStore) Pending() ([]*PendingOperation, error) {
	var ops []*PendingOperation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).ForEach(func(_, raw []byte) error {
			op := &PendingOperation{}
			if err := json.Unmarshal(raw, op); err != nil {
				return err
			}
			if op.Status == OpStatusPending {
				ops = append(ops, op)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}
