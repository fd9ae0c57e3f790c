package dvp

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
)

// Transfer-notification payloads are fixed-width sequences of 32-byte words.
// The first word is a marker flag; addresses are right-aligned in their word,
// integers are big-endian.
const payloadWord = 32

const (
	proposalWords   = 10
	acceptanceWords = 2
)

var (
	// TradeProposalFlag tags an inbound transfer whose payload requests a new
	// trade on behalf of the sender.
	TradeProposalFlag = repeatByteWord(0xcc)
	// TradeAcceptanceFlag tags an inbound transfer that accepts an existing
	// trade leg identified by index.
	TradeAcceptanceFlag = repeatByteWord(0xdd)

	errPayloadLength = errors.New("dvp: invalid payload length")
	errPayloadMarker = errors.New("dvp: invalid payload marker")
)

func repeatByteWord(b byte) [32]byte {
	var word [32]byte
	for i := range word {
		word[i] = b
	}
	return word
}

// TradeProposalPayload is the decoded form of a proposal payload: the
// counterparty to bind, optional executer, trade timing and the descriptor of
// the counter leg the recipient is expected to deliver.
type TradeProposalPayload struct {
	Recipient       [20]byte
	Executer        [20]byte
	ExpirationDate  int64
	SettlementDate  int64
	CounterAsset    [20]byte
	CounterAmount   *big.Int
	CounterSubclass [32]byte
	CounterStandard Standard
	CounterType     TradeType
}

// TradeAcceptancePayload identifies the trade the inbound transfer accepts.
type TradeAcceptancePayload struct {
	TradeIndex uint64
}

// IsTradeProposal reports whether the payload carries the proposal marker.
func IsTradeProposal(data []byte) bool {
	return len(data) >= payloadWord && bytes.Equal(data[:payloadWord], TradeProposalFlag[:])
}

// IsTradeAcceptance reports whether the payload carries the acceptance marker.
func IsTradeAcceptance(data []byte) bool {
	return len(data) >= payloadWord && bytes.Equal(data[:payloadWord], TradeAcceptanceFlag[:])
}

func wordAt(data []byte, i int) [32]byte {
	var word [32]byte
	copy(word[:], data[i*payloadWord:(i+1)*payloadWord])
	return word
}

func addressWord(addr [20]byte) [32]byte {
	var word [32]byte
	copy(word[12:], addr[:])
	return word
}

func addressFromWord(word [32]byte) ([20]byte, error) {
	for _, b := range word[:12] {
		if b != 0 {
			return [20]byte{}, fmt.Errorf("dvp: malformed address word")
		}
	}
	var addr [20]byte
	copy(addr[:], word[12:])
	return addr, nil
}

func uintWord(v uint64) [32]byte {
	var word [32]byte
	new(big.Int).SetUint64(v).FillBytes(word[:])
	return word
}

func uintFromWord(word [32]byte) (uint64, error) {
	v := new(big.Int).SetBytes(word[:])
	if !v.IsUint64() {
		return 0, fmt.Errorf("dvp: integer word out of range")
	}
	return v.Uint64(), nil
}

// EncodeTradeProposal renders the proposal payload in its fixed layout.
func EncodeTradeProposal(p TradeProposalPayload) []byte {
	amount := p.CounterAmount
	if amount == nil {
		amount = big.NewInt(0)
	}
	var amountWord [32]byte
	amount.FillBytes(amountWord[:])
	words := [proposalWords][32]byte{
		TradeProposalFlag,
		addressWord(p.Recipient),
		addressWord(p.Executer),
		uintWord(uint64(p.ExpirationDate)),
		uintWord(uint64(p.SettlementDate)),
		addressWord(p.CounterAsset),
		amountWord,
		p.CounterSubclass,
		uintWord(uint64(p.CounterStandard)),
		uintWord(uint64(p.CounterType)),
	}
	out := make([]byte, 0, proposalWords*payloadWord)
	for _, w := range words {
		out = append(out, w[:]...)
	}
	return out
}

// DecodeTradeProposal parses a proposal payload. Any other length or marker
// is rejected.
func DecodeTradeProposal(data []byte) (*TradeProposalPayload, error) {
	if len(data) != proposalWords*payloadWord {
		return nil, errPayloadLength
	}
	if !IsTradeProposal(data) {
		return nil, errPayloadMarker
	}
	recipient, err := addressFromWord(wordAt(data, 1))
	if err != nil {
		return nil, err
	}
	executer, err := addressFromWord(wordAt(data, 2))
	if err != nil {
		return nil, err
	}
	expiration, err := uintFromWord(wordAt(data, 3))
	if err != nil {
		return nil, err
	}
	settlement, err := uintFromWord(wordAt(data, 4))
	if err != nil {
		return nil, err
	}
	counterAsset, err := addressFromWord(wordAt(data, 5))
	if err != nil {
		return nil, err
	}
	amountWord := wordAt(data, 6)
	standardRaw, err := uintFromWord(wordAt(data, 8))
	if err != nil {
		return nil, err
	}
	typeRaw, err := uintFromWord(wordAt(data, 9))
	if err != nil {
		return nil, err
	}
	standard := Standard(standardRaw)
	if uint64(standard) != standardRaw || !standard.Valid() {
		return nil, fmt.Errorf("dvp: invalid counter-leg standard %d", standardRaw)
	}
	tradeType := TradeType(typeRaw)
	if uint64(tradeType) != typeRaw || !tradeType.Valid() {
		return nil, fmt.Errorf("dvp: invalid counter-leg trade type %d", typeRaw)
	}
	return &TradeProposalPayload{
		Recipient:       recipient,
		Executer:        executer,
		ExpirationDate:  int64(expiration),
		SettlementDate:  int64(settlement),
		CounterAsset:    counterAsset,
		CounterAmount:   new(big.Int).SetBytes(amountWord[:]),
		CounterSubclass: wordAt(data, 7),
		CounterStandard: standard,
		CounterType:     tradeType,
	}, nil
}

// EncodeTradeAcceptance renders the acceptance payload in its fixed layout.
func EncodeTradeAcceptance(p TradeAcceptancePayload) []byte {
	out := make([]byte, 0, acceptanceWords*payloadWord)
	out = append(out, TradeAcceptanceFlag[:]...)
	index := uintWord(p.TradeIndex)
	out = append(out, index[:]...)
	return out
}

// DecodeTradeAcceptance parses an acceptance payload. Any other length or
// marker is rejected.
func DecodeTradeAcceptance(data []byte) (*TradeAcceptancePayload, error) {
	if len(data) != acceptanceWords*payloadWord {
		return nil, errPayloadLength
	}
	if !IsTradeAcceptance(data) {
		return nil, errPayloadMarker
	}
	index, err := uintFromWord(wordAt(data, 1))
	if err != nil {
		return nil, err
	}
	return &TradeAcceptancePayload{TradeIndex: index}, nil
}
