package dvp

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"

	"dvpnet/storage"
)

const (
	tradeCountKey     = "dvp/trades/count"
	tradeKeyPrefix    = "dvp/trade/"
	assetIndexPrefix  = "dvp/index/asset/"
	holderIndexPrefix = "dvp/index/holder/"
)

// Store persists the append-only trade ledger and its asset/holder indices in
// a key-value database. It satisfies the engine's state interface with either
// the in-memory or the LevelDB backend.
type Store struct {
	mu sync.Mutex
	db storage.Database
}

// NewStore wraps the supplied database as a trade ledger.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

type storedLeg struct {
	Asset     string   `json:"asset"`
	Amount    string   `json:"amount"`
	Subclass  string   `json:"subclass"`
	Standard  uint8    `json:"standard"`
	Type      uint8    `json:"type"`
	Accepted  bool     `json:"accepted"`
	Approvers []string `json:"approvers,omitempty"`
}

type storedTrade struct {
	Index          uint64    `json:"index"`
	Holder1        string    `json:"holder1"`
	Holder2        string    `json:"holder2"`
	Executer       string    `json:"executer"`
	ExpirationDate int64     `json:"expirationDate"`
	SettlementDate int64     `json:"settlementDate"`
	CreatedAt      int64     `json:"createdAt"`
	Leg1           storedLeg `json:"leg1"`
	Leg2           storedLeg `json:"leg2"`
	State          uint8     `json:"state"`
}

func encodeAddress(addr [20]byte) string {
	return hex.EncodeToString(addr[:])
}

func decodeAddress(s string) ([20]byte, error) {
	var addr [20]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(addr) {
		return addr, fmt.Errorf("dvp: malformed stored address %q", s)
	}
	copy(addr[:], raw)
	return addr, nil
}

func encodeLeg(leg *AssetLeg) storedLeg {
	approvers := make([]string, 0, len(leg.Approvers))
	for _, a := range leg.Approvers {
		approvers = append(approvers, encodeAddress(a))
	}
	amount := leg.Amount
	if amount == nil {
		amount = big.NewInt(0)
	}
	return storedLeg{
		Asset:     encodeAddress(leg.Asset),
		Amount:    amount.String(),
		Subclass:  hex.EncodeToString(leg.Subclass[:]),
		Standard:  uint8(leg.Standard),
		Type:      uint8(leg.Type),
		Accepted:  leg.Accepted,
		Approvers: approvers,
	}
}

func decodeLeg(s storedLeg) (AssetLeg, error) {
	var leg AssetLeg
	asset, err := decodeAddress(s.Asset)
	if err != nil {
		return leg, err
	}
	amount, ok := new(big.Int).SetString(s.Amount, 10)
	if !ok {
		return leg, fmt.Errorf("dvp: malformed stored amount %q", s.Amount)
	}
	subclass, err := hex.DecodeString(s.Subclass)
	if err != nil || len(subclass) != 32 {
		return leg, fmt.Errorf("dvp: malformed stored subclass %q", s.Subclass)
	}
	leg.Asset = asset
	leg.Amount = amount
	copy(leg.Subclass[:], subclass)
	leg.Standard = Standard(s.Standard)
	leg.Type = TradeType(s.Type)
	leg.Accepted = s.Accepted
	for _, a := range s.Approvers {
		addr, err := decodeAddress(a)
		if err != nil {
			return leg, err
		}
		leg.Approvers = append(leg.Approvers, addr)
	}
	return leg, nil
}

func encodeTrade(t *Trade) ([]byte, error) {
	record := storedTrade{
		Index:          t.Index,
		Holder1:        encodeAddress(t.Holder1),
		Holder2:        encodeAddress(t.Holder2),
		Executer:       encodeAddress(t.Executer),
		ExpirationDate: t.ExpirationDate,
		SettlementDate: t.SettlementDate,
		CreatedAt:      t.CreatedAt,
		Leg1:           encodeLeg(&t.Leg1),
		Leg2:           encodeLeg(&t.Leg2),
		State:          uint8(t.State),
	}
	return json.Marshal(record)
}

func decodeTrade(raw []byte) (*Trade, error) {
	var record storedTrade
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, err
	}
	holder1, err := decodeAddress(record.Holder1)
	if err != nil {
		return nil, err
	}
	holder2, err := decodeAddress(record.Holder2)
	if err != nil {
		return nil, err
	}
	executer, err := decodeAddress(record.Executer)
	if err != nil {
		return nil, err
	}
	leg1, err := decodeLeg(record.Leg1)
	if err != nil {
		return nil, err
	}
	leg2, err := decodeLeg(record.Leg2)
	if err != nil {
		return nil, err
	}
	return &Trade{
		Index:          record.Index,
		Holder1:        holder1,
		Holder2:        holder2,
		Executer:       executer,
		ExpirationDate: record.ExpirationDate,
		SettlementDate: record.SettlementDate,
		CreatedAt:      record.CreatedAt,
		Leg1:           leg1,
		Leg2:           leg2,
		State:          TradeState(record.State),
	}, nil
}

func tradeKey(index uint64) []byte {
	return []byte(tradeKeyPrefix + strconv.FormatUint(index, 10))
}

// TradeAppend assigns the next 1-based index to the trade and persists it.
func (s *Store) TradeAppend(t *Trade) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count, err := s.count()
	if err != nil {
		return 0, err
	}
	index := count + 1
	t.Index = index
	raw, err := encodeTrade(t)
	if err != nil {
		return 0, err
	}
	if err := s.db.Put(tradeKey(index), raw); err != nil {
		return 0, err
	}
	if err := s.db.Put([]byte(tradeCountKey), []byte(strconv.FormatUint(index, 10))); err != nil {
		return 0, err
	}
	return index, nil
}

// TradePut overwrites an existing trade record.
func (s *Store) TradePut(t *Trade) error {
	if t == nil || t.Index == 0 {
		return fmt.Errorf("dvp: trade index not assigned")
	}
	raw, err := encodeTrade(t)
	if err != nil {
		return err
	}
	return s.db.Put(tradeKey(t.Index), raw)
}

// TradeGet loads the trade at the given index.
func (s *Store) TradeGet(index uint64) (*Trade, bool) {
	raw, err := s.db.Get(tradeKey(index))
	if err != nil {
		return nil, false
	}
	trade, err := decodeTrade(raw)
	if err != nil {
		return nil, false
	}
	return trade, true
}

// TradeCount returns the number of trades ever appended.
func (s *Store) TradeCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	count, err := s.count()
	if err != nil {
		return 0
	}
	return count
}

func (s *Store) count() (uint64, error) {
	raw, err := s.db.Get([]byte(tradeCountKey))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(string(raw), 10, 64)
}

// TradeIndexAsset records the trade under the asset's index.
func (s *Store) TradeIndexAsset(asset [20]byte, index uint64) error {
	return s.appendIndex(assetIndexPrefix+encodeAddress(asset), index)
}

// TradeIndexHolder records the trade under the holder's index.
func (s *Store) TradeIndexHolder(holder [20]byte, index uint64) error {
	return s.appendIndex(holderIndexPrefix+encodeAddress(holder), index)
}

// TradesByAsset lists the trade indices recorded for the asset.
func (s *Store) TradesByAsset(asset [20]byte) []uint64 {
	return s.readIndex(assetIndexPrefix + encodeAddress(asset))
}

// TradesByHolder lists the trade indices recorded for the holder.
func (s *Store) TradesByHolder(holder [20]byte) []uint64 {
	return s.readIndex(holderIndexPrefix + encodeAddress(holder))
}

func (s *Store) appendIndex(key string, index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.readIndexLocked(key)
	for _, existing := range list {
		if existing == index {
			return nil
		}
	}
	list = append(list, index)
	raw, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(key), raw)
}

func (s *Store) readIndex(key string) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readIndexLocked(key)
}

func (s *Store) readIndexLocked(key string) []uint64 {
	raw, err := s.db.Get([]byte(key))
	if err != nil {
		return nil
	}
	var list []uint64
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil
	}
	return list
}
