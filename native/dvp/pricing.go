package dvp

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	// ErrAmbiguousPriceOwnership is returned when both directions of an asset
	// pair claim price ownership; every read and write for the pair fails
	// until one side releases.
	ErrAmbiguousPriceOwnership = errors.New("dvp: ambiguous price ownership")

	errNotPriceOracle   = errors.New("dvp: caller is not a price oracle")
	errPriceNotOwned    = errors.New("dvp: price ownership not taken")
	errStartDateTooSoon = errors.New("dvp: variable price start date below minimum lead time")
)

// wildcardSubclass matches any subclass not given a specific quote entry.
var wildcardSubclass = [32]byte{}

type pairKey struct {
	quoting   [20]byte
	reference [20]byte
}

type quoteKey struct {
	quoting      [20]byte
	reference    [20]byte
	quotingSub   [32]byte
	referenceSub [32]byte
}

// priceBook tracks single-writer price ownership per ordered asset pair, the
// quoted multiples and the per-asset variable-price cutover times.
type priceBook struct {
	ownership  map[pairKey]bool
	quotes     map[quoteKey]decimal.Decimal
	startDates map[[20]byte]int64
}

func newPriceBook() *priceBook {
	return &priceBook{
		ownership:  make(map[pairKey]bool),
		quotes:     make(map[quoteKey]decimal.Decimal),
		startDates: make(map[[20]byte]int64),
	}
}

// SetPriceOwnership claims or releases the (assetA -> assetB) quoting right.
// The caller must be a registered price oracle of assetA.
func (e *Engine) SetPriceOwnership(caller, assetA, assetB [20]byte, claim bool) error {
	if !e.IsPriceOracle(assetA, caller) {
		return errNotPriceOracle
	}
	key := pairKey{quoting: assetA, reference: assetB}
	if claim {
		e.prices.ownership[key] = true
	} else {
		delete(e.prices.ownership, key)
	}
	e.emit(NewPriceOwnershipEvent(caller, assetA, assetB, claim))
	return nil
}

// PriceOwnership reports whether the (assetA -> assetB) direction is owned.
func (e *Engine) PriceOwnership(assetA, assetB [20]byte) bool {
	return e.prices.ownership[pairKey{quoting: assetA, reference: assetB}]
}

// ownedDirection resolves which side of the pair currently quotes. It fails
// with ErrAmbiguousPriceOwnership when both directions are claimed and with
// errPriceNotOwned when neither is.
func (e *Engine) ownedDirection(assetA, assetB [20]byte) (quoting, reference [20]byte, err error) {
	ab := e.prices.ownership[pairKey{quoting: assetA, reference: assetB}]
	ba := e.prices.ownership[pairKey{quoting: assetB, reference: assetA}]
	switch {
	case ab && ba:
		return [20]byte{}, [20]byte{}, ErrAmbiguousPriceOwnership
	case ab:
		return assetA, assetB, nil
	case ba:
		return assetB, assetA, nil
	default:
		return [20]byte{}, [20]byte{}, errPriceNotOwned
	}
}

// SetTokenPrice stores the quoted multiple for an asset pair, keyed by the
// owning direction. Exactly one direction of the pair must be owned and the
// caller must be an oracle of the owning asset.
func (e *Engine) SetTokenPrice(caller, assetA, assetB [20]byte, subclassA, subclassB [32]byte, multiple decimal.Decimal) error {
	if multiple.Sign() <= 0 {
		return fmt.Errorf("dvp: price multiple must be positive")
	}
	quoting, reference, err := e.ownedDirection(assetA, assetB)
	if err != nil {
		return err
	}
	if !e.IsPriceOracle(quoting, caller) {
		return errNotPriceOracle
	}
	key := quoteKey{quoting: quoting, reference: reference}
	if quoting == assetA {
		key.quotingSub, key.referenceSub = subclassA, subclassB
	} else {
		key.quotingSub, key.referenceSub = subclassB, subclassA
	}
	e.prices.quotes[key] = multiple
	e.emit(NewTokenPriceEvent(caller, quoting, reference, multiple))
	return nil
}

// TokenPrice returns the quote stored for the exact (quoting, reference,
// subclass, subclass) tuple, without wildcard fallback.
func (e *Engine) TokenPrice(quoting, reference [20]byte, quotingSub, referenceSub [32]byte) (decimal.Decimal, bool) {
	m, ok := e.prices.quotes[quoteKey{quoting: quoting, reference: reference, quotingSub: quotingSub, referenceSub: referenceSub}]
	return m, ok
}

// SetVariablePriceStartDate sets the time after which quotes for the asset
// become live instead of the amounts fixed at trade creation. The caller must
// be a price oracle of the asset; the date must be at least the engine's
// minimum lead time away, or zero to clear.
func (e *Engine) SetVariablePriceStartDate(caller, asset [20]byte, startDate int64) error {
	if !e.IsPriceOracle(asset, caller) {
		return errNotPriceOracle
	}
	if startDate == 0 {
		delete(e.prices.startDates, asset)
		e.emit(NewVariablePriceStartDateEvent(caller, asset, 0))
		return nil
	}
	if startDate < e.now()+e.priceLeadTime {
		return errStartDateTooSoon
	}
	e.prices.startDates[asset] = startDate
	e.emit(NewVariablePriceStartDateEvent(caller, asset, startDate))
	return nil
}

// VariablePriceStartDate returns the cutover time configured for the asset,
// zero when unset.
func (e *Engine) VariablePriceStartDate(asset [20]byte) int64 {
	return e.prices.startDates[asset]
}

// lookupQuote resolves the multiple for the owning direction with wildcard
// fallback, tried in fixed specificity order: exact/exact, exact/wildcard,
// wildcard/exact, wildcard/wildcard.
func (e *Engine) lookupQuote(quoting, reference [20]byte, quotingSub, referenceSub [32]byte) (decimal.Decimal, bool) {
	candidates := [4]quoteKey{
		{quoting: quoting, reference: reference, quotingSub: quotingSub, referenceSub: referenceSub},
		{quoting: quoting, reference: reference, quotingSub: quotingSub, referenceSub: wildcardSubclass},
		{quoting: quoting, reference: reference, quotingSub: wildcardSubclass, referenceSub: referenceSub},
		{quoting: quoting, reference: reference, quotingSub: wildcardSubclass, referenceSub: wildcardSubclass},
	}
	for _, key := range candidates {
		if m, ok := e.prices.quotes[key]; ok {
			return m, true
		}
	}
	return decimal.Decimal{}, false
}

// GetPrice returns the amount of the second leg's asset payable at execution.
// Without an owned quote, or before the quoting asset's variable-price start
// date, it is the amount recorded at trade creation. With a live quote it is
// leg1Amount * multiple when leg1's asset owns the direction, or
// round(leg1Amount / multiple) when leg2's asset does.
func (e *Engine) GetPrice(index uint64) (*big.Int, error) {
	trade, err := e.loadTrade(index)
	if err != nil {
		return nil, err
	}
	return e.priceFor(trade)
}

func (e *Engine) priceFor(trade *Trade) (*big.Int, error) {
	recorded := new(big.Int).Set(trade.Leg2.Amount)
	quoting, _, err := e.ownedDirection(trade.Leg1.Asset, trade.Leg2.Asset)
	if err != nil {
		if errors.Is(err, errPriceNotOwned) {
			return recorded, nil
		}
		return nil, err
	}
	startDate := e.prices.startDates[quoting]
	if startDate == 0 || e.now() < startDate {
		return recorded, nil
	}
	base := decimal.NewFromBigInt(trade.Leg1.Amount, 0)
	if quoting == trade.Leg1.Asset {
		multiple, ok := e.lookupQuote(quoting, trade.Leg2.Asset, trade.Leg1.Subclass, trade.Leg2.Subclass)
		if !ok {
			return recorded, nil
		}
		return base.Mul(multiple).Round(0).BigInt(), nil
	}
	multiple, ok := e.lookupQuote(quoting, trade.Leg1.Asset, trade.Leg2.Subclass, trade.Leg1.Subclass)
	if !ok {
		return recorded, nil
	}
	// Reverse-direction quotes divide and round, which can demand more than
	// was originally escrowed or authorized; execution then fails with an
	// insufficiency error.
	return base.Div(multiple).Round(0).BigInt(), nil
}
