package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/lendcore/custody-workers/chain"
)

// ErrSettlementInFlight means a settlement cycle for the asset is already
// submitted and not yet terminal.
var ErrSettlementInFlight = errors.New("settlement already in flight for asset")

// Store persists collection/settlement records, the invoice watch list, the
// in-flight settlement markers and the pending signed transfers that make
// resubmission idempotent.
type Store struct {
	db *leveldb.DB
}

func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("could not open leveldb storage at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func collectionKey(id string) []byte { return []byte("collection-" + id) }
func settlementKey(id string) []byte { return []byte("settlement-" + id) }
func inflightKey(asset string) []byte {
	return []byte("settlement-inflight-" + asset)
}
func pendingKey(id string) []byte { return []byte("pendingtx-" + id) }
func watchKey(chainKey string, invoiceID int64) []byte {
	return []byte(fmt.Sprintf("watch-%s-%d", chainKey, invoiceID))
}

func (s *Store) put(key []byte, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Put(key, raw, nil)
}

func (s *Store) get(key []byte, v interface{}) (bool, error) {
	raw, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(raw, v)
}

func (s *Store) SaveCollection(rec *CollectionRecord) error {
	return s.put(collectionKey(rec.ID), rec)
}

func (s *Store) GetCollection(id string) (*CollectionRecord, error) {
	var rec CollectionRecord
	ok, err := s.get(collectionKey(id), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) SaveSettlement(rec *SettlementRecord) error {
	return s.put(settlementKey(rec.ID), rec)
}

func (s *Store) GetSettlement(id string) (*SettlementRecord, error) {
	var rec SettlementRecord
	ok, err := s.get(settlementKey(id), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// ListCollections returns every collection record for a chain, for operator
// reconciliation.
func (s *Store) ListCollections(chainKey string) ([]*CollectionRecord, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte("collection-")), nil)
	defer iter.Release()

	var out []*CollectionRecord
	for iter.Next() {
		var rec CollectionRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		if chainKey == "" || rec.ChainKey == chainKey {
			r := rec
			out = append(out, &r)
		}
	}
	return out, iter.Error()
}

// MarkSettlementInFlight claims the single settlement slot for an asset.
// Returns ErrSettlementInFlight when another cycle already holds it; the
// record id of the holder is returned either way.
func (s *Store) MarkSettlementInFlight(asset, recordID string) (string, error) {
	existing, err := s.db.Get(inflightKey(asset), nil)
	if err == nil {
		return string(existing), ErrSettlementInFlight
	}
	if err != leveldb.ErrNotFound {
		return "", err
	}
	if err := s.db.Put(inflightKey(asset), []byte(recordID), nil); err != nil {
		return "", err
	}
	return recordID, nil
}

// SettlementInFlight returns the record id holding the slot, if any.
func (s *Store) SettlementInFlight(asset string) (string, bool, error) {
	raw, err := s.db.Get(inflightKey(asset), nil)
	if err == leveldb.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(raw), true, nil
}

func (s *Store) ClearSettlementInFlight(asset string) error {
	return s.db.Delete(inflightKey(asset), nil)
}

// SavePendingTransfer stores a signed-but-not-yet-confirmed transfer under a
// stable transfer key. As long as the entry exists, a retry must reuse it
// instead of signing a second payload.
func (s *Store) SavePendingTransfer(transferID string, tx *chain.SignedTx) error {
	return s.put(pendingKey(transferID), tx)
}

func (s *Store) GetPendingTransfer(transferID string) (*chain.SignedTx, error) {
	var tx chain.SignedTx
	ok, err := s.get(pendingKey(transferID), &tx)
	if err != nil || !ok {
		return nil, err
	}
	return &tx, nil
}

func (s *Store) DeletePendingTransfer(transferID string) error {
	return s.db.Delete(pendingKey(transferID), nil)
}

// WatchInvoice registers an invoice wallet for sweeping. External
// collaborators append entries when an invoice address is handed out.
func (s *Store) WatchInvoice(chainKey string, invoiceID int64) error {
	return s.db.Put(watchKey(chainKey, invoiceID), []byte{1}, nil)
}

func (s *Store) UnwatchInvoice(chainKey string, invoiceID int64) error {
	return s.db.Delete(watchKey(chainKey, invoiceID), nil)
}

// WatchedInvoices lists the invoice ids currently monitored for a chain.
func (s *Store) WatchedInvoices(chainKey string) ([]int64, error) {
	prefix := fmt.Sprintf("watch-%s-", chainKey)
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	var out []int64
	for iter.Next() {
		idStr := strings.TrimPrefix(string(iter.Key()), prefix)
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, iter.Error()
}
