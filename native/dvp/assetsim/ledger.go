// Package assetsim provides in-memory asset ledgers implementing the
// settlement engine's AssetAdapter. It backs the engine's tests and the demo
// daemon; production deployments substitute adapters over real asset
// registries.
package assetsim

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"dvpnet/native/dvp"
)

var (
	errUnknownAsset        = errors.New("assetsim: unknown asset")
	errStandardMismatch    = errors.New("assetsim: asset standard mismatch")
	errInsufficientBalance = errors.New("assetsim: insufficient balance")
	errInsufficientAllow   = errors.New("assetsim: insufficient allowance")
	errNotTokenOwner       = errors.New("assetsim: caller does not own token")
	errNotApproved         = errors.New("assetsim: transfer not approved")
)

// TransferHook receives partitioned-fungible operator transfers addressed to
// the hook target, together with the raw payload.
type TransferHook func(asset, from [20]byte, partition [32]byte, amount *big.Int, data []byte) error

// Ledger keeps balances, allowances and ownership for the four on-ledger
// asset kinds. The native asset is registered under the zero address.
type Ledger struct {
	mu        sync.Mutex
	standards map[[20]byte]dvp.Standard
	admins    map[[20]byte][20]byte

	native map[[20]byte]*big.Int

	fungible   map[[20]byte]map[[20]byte]*big.Int
	allowances map[[20]byte]map[[20]byte]map[[20]byte]*big.Int

	nftOwners    map[[20]byte]map[[32]byte][20]byte
	nftApprovals map[[20]byte]map[[32]byte][20]byte

	partitioned    map[[20]byte]map[[32]byte]map[[20]byte]*big.Int
	partAllowances map[[20]byte]map[[32]byte]map[[20]byte]map[[20]byte]*big.Int

	hookTarget [20]byte
	hook       TransferHook
}

// NewLedger creates an empty ledger with the native asset pre-registered.
func NewLedger() *Ledger {
	l := &Ledger{
		standards:      make(map[[20]byte]dvp.Standard),
		admins:         make(map[[20]byte][20]byte),
		native:         make(map[[20]byte]*big.Int),
		fungible:       make(map[[20]byte]map[[20]byte]*big.Int),
		allowances:     make(map[[20]byte]map[[20]byte]map[[20]byte]*big.Int),
		nftOwners:      make(map[[20]byte]map[[32]byte][20]byte),
		nftApprovals:   make(map[[20]byte]map[[32]byte][20]byte),
		partitioned:    make(map[[20]byte]map[[32]byte]map[[20]byte]*big.Int),
		partAllowances: make(map[[20]byte]map[[32]byte]map[[20]byte]map[[20]byte]*big.Int),
	}
	l.standards[[20]byte{}] = dvp.StandardNative
	return l
}

// SetTransferHook routes payload-carrying partitioned transfers addressed to
// target into the supplied hook, typically the settlement engine.
func (l *Ledger) SetTransferHook(target [20]byte, hook TransferHook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hookTarget = target
	l.hook = hook
}

// RegisterAsset declares an asset of the given standard with an
// administrative authority.
func (l *Ledger) RegisterAsset(asset [20]byte, std dvp.Standard, admin [20]byte) error {
	if !std.Valid() || std == dvp.StandardOffLedger {
		return errStandardMismatch
	}
	if std == dvp.StandardNative {
		if asset != ([20]byte{}) {
			return fmt.Errorf("assetsim: native asset uses the zero address")
		}
	} else if asset == ([20]byte{}) {
		return fmt.Errorf("assetsim: asset address required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.standards[asset] = std
	l.admins[asset] = admin
	return nil
}

func (l *Ledger) requireStandard(asset [20]byte, std dvp.Standard) error {
	registered, ok := l.standards[asset]
	if !ok {
		return errUnknownAsset
	}
	if registered != std {
		return errStandardMismatch
	}
	return nil
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// MintNative credits native value to a holder.
func (l *Ledger) MintNative(holder [20]byte, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.creditNativeLocked(holder, cloneAmount(amount))
}

func (l *Ledger) creditNativeLocked(holder [20]byte, amount *big.Int) {
	current := l.native[holder]
	if current == nil {
		current = big.NewInt(0)
	}
	l.native[holder] = new(big.Int).Add(current, amount)
}

// Mint credits fungible units to a holder.
func (l *Ledger) Mint(asset, holder [20]byte, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.requireStandard(asset, dvp.StandardFungible); err != nil {
		return err
	}
	balances := l.fungible[asset]
	if balances == nil {
		balances = make(map[[20]byte]*big.Int)
		l.fungible[asset] = balances
	}
	current := balances[holder]
	if current == nil {
		current = big.NewInt(0)
	}
	balances[holder] = new(big.Int).Add(current, cloneAmount(amount))
	return nil
}

// MintToken assigns a non-fungible token id to an owner.
func (l *Ledger) MintToken(asset [20]byte, id [32]byte, owner [20]byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.requireStandard(asset, dvp.StandardNonFungible); err != nil {
		return err
	}
	owners := l.nftOwners[asset]
	if owners == nil {
		owners = make(map[[32]byte][20]byte)
		l.nftOwners[asset] = owners
	}
	if _, exists := owners[id]; exists {
		return fmt.Errorf("assetsim: token id already minted")
	}
	owners[id] = owner
	return nil
}

// MintByPartition credits partitioned units to a holder.
func (l *Ledger) MintByPartition(asset [20]byte, partition [32]byte, holder [20]byte, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.requireStandard(asset, dvp.StandardPartitionedFungible); err != nil {
		return err
	}
	l.creditPartitionLocked(asset, partition, holder, cloneAmount(amount))
	return nil
}

func (l *Ledger) creditPartitionLocked(asset [20]byte, partition [32]byte, holder [20]byte, amount *big.Int) {
	partitions := l.partitioned[asset]
	if partitions == nil {
		partitions = make(map[[32]byte]map[[20]byte]*big.Int)
		l.partitioned[asset] = partitions
	}
	balances := partitions[partition]
	if balances == nil {
		balances = make(map[[20]byte]*big.Int)
		partitions[partition] = balances
	}
	current := balances[holder]
	if current == nil {
		current = big.NewInt(0)
	}
	balances[holder] = new(big.Int).Add(current, amount)
}

// Approve grants an operator a fungible spending allowance.
func (l *Ledger) Approve(asset, owner, operator [20]byte, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.requireStandard(asset, dvp.StandardFungible); err != nil {
		return err
	}
	owners := l.allowances[asset]
	if owners == nil {
		owners = make(map[[20]byte]map[[20]byte]*big.Int)
		l.allowances[asset] = owners
	}
	operators := owners[owner]
	if operators == nil {
		operators = make(map[[20]byte]*big.Int)
		owners[owner] = operators
	}
	operators[operator] = cloneAmount(amount)
	return nil
}

// ApproveToken authorizes an operator to transfer a specific token id.
func (l *Ledger) ApproveToken(asset [20]byte, id [32]byte, operator [20]byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.requireStandard(asset, dvp.StandardNonFungible); err != nil {
		return err
	}
	approvals := l.nftApprovals[asset]
	if approvals == nil {
		approvals = make(map[[32]byte][20]byte)
		l.nftApprovals[asset] = approvals
	}
	approvals[id] = operator
	return nil
}

// ApproveByPartition grants an operator a spending allowance scoped to a
// partition.
func (l *Ledger) ApproveByPartition(asset [20]byte, partition [32]byte, owner, operator [20]byte, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.requireStandard(asset, dvp.StandardPartitionedFungible); err != nil {
		return err
	}
	partitions := l.partAllowances[asset]
	if partitions == nil {
		partitions = make(map[[32]byte]map[[20]byte]map[[20]byte]*big.Int)
		l.partAllowances[asset] = partitions
	}
	owners := partitions[partition]
	if owners == nil {
		owners = make(map[[20]byte]map[[20]byte]*big.Int)
		partitions[partition] = owners
	}
	operators := owners[owner]
	if operators == nil {
		operators = make(map[[20]byte]*big.Int)
		owners[owner] = operators
	}
	operators[operator] = cloneAmount(amount)
	return nil
}

// BalanceOfNative returns a holder's native balance.
func (l *Ledger) BalanceOfNative(holder [20]byte) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return cloneAmount(l.native[holder])
}

// BalanceOf returns a holder's fungible balance.
func (l *Ledger) BalanceOf(asset, holder [20]byte) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return cloneAmount(l.fungible[asset][holder])
}

// OwnerOf returns the owner of a token id.
func (l *Ledger) OwnerOf(asset [20]byte, id [32]byte) ([20]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	owner, ok := l.nftOwners[asset][id]
	return owner, ok
}

// BalanceOfByPartition returns a holder's balance within a partition.
func (l *Ledger) BalanceOfByPartition(asset [20]byte, partition [32]byte, holder [20]byte) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return cloneAmount(l.partitioned[asset][partition][holder])
}

// Balance implements dvp.AssetAdapter.
func (l *Ledger) Balance(asset, holder [20]byte, subclass [32]byte, std dvp.Standard) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.requireStandard(asset, std); err != nil {
		return nil, err
	}
	switch std {
	case dvp.StandardNative:
		return cloneAmount(l.native[holder]), nil
	case dvp.StandardFungible:
		return cloneAmount(l.fungible[asset][holder]), nil
	case dvp.StandardNonFungible:
		if owner, ok := l.nftOwners[asset][subclass]; ok && owner == holder {
			return big.NewInt(1), nil
		}
		return big.NewInt(0), nil
	case dvp.StandardPartitionedFungible:
		return cloneAmount(l.partitioned[asset][subclass][holder]), nil
	default:
		return nil, errStandardMismatch
	}
}

// Pull implements dvp.AssetAdapter. Authorization follows the standard:
// fungible and partitioned pulls consume an allowance granted to the
// operator, non-fungible pulls require a token approval, native pulls are
// authorized by the value attached to the triggering call (which the engine
// has already verified).
func (l *Ledger) Pull(asset [20]byte, operator, from, to [20]byte, amount *big.Int, subclass [32]byte, std dvp.Standard) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.requireStandard(asset, std); err != nil {
		return err
	}
	amt := cloneAmount(amount)
	switch std {
	case dvp.StandardNative:
		return l.moveNativeLocked(from, to, amt)
	case dvp.StandardFungible:
		allowance := l.allowances[asset][from][operator]
		if operator != from {
			if allowance == nil || allowance.Cmp(amt) < 0 {
				return errInsufficientAllow
			}
		}
		if err := l.moveFungibleLocked(asset, from, to, amt); err != nil {
			return err
		}
		if operator != from && allowance != nil {
			l.allowances[asset][from][operator] = new(big.Int).Sub(allowance, amt)
		}
		return nil
	case dvp.StandardNonFungible:
		owner, ok := l.nftOwners[asset][subclass]
		if !ok || owner != from {
			return errNotTokenOwner
		}
		if operator != from && l.nftApprovals[asset][subclass] != operator {
			return errNotApproved
		}
		l.nftOwners[asset][subclass] = to
		delete(l.nftApprovals[asset], subclass)
		return nil
	case dvp.StandardPartitionedFungible:
		allowance := l.partAllowances[asset][subclass][from][operator]
		if operator != from {
			if allowance == nil || allowance.Cmp(amt) < 0 {
				return errInsufficientAllow
			}
		}
		if err := l.movePartitionLocked(asset, subclass, from, to, amt); err != nil {
			return err
		}
		if operator != from && allowance != nil {
			l.partAllowances[asset][subclass][from][operator] = new(big.Int).Sub(allowance, amt)
		}
		return nil
	default:
		return errStandardMismatch
	}
}

// Push implements dvp.AssetAdapter: a direct transfer out of the sender's own
// holdings.
func (l *Ledger) Push(asset [20]byte, from, to [20]byte, amount *big.Int, subclass [32]byte, std dvp.Standard) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.requireStandard(asset, std); err != nil {
		return err
	}
	amt := cloneAmount(amount)
	switch std {
	case dvp.StandardNative:
		return l.moveNativeLocked(from, to, amt)
	case dvp.StandardFungible:
		return l.moveFungibleLocked(asset, from, to, amt)
	case dvp.StandardNonFungible:
		owner, ok := l.nftOwners[asset][subclass]
		if !ok || owner != from {
			return errNotTokenOwner
		}
		l.nftOwners[asset][subclass] = to
		delete(l.nftApprovals[asset], subclass)
		return nil
	case dvp.StandardPartitionedFungible:
		return l.movePartitionLocked(asset, subclass, from, to, amt)
	default:
		return errStandardMismatch
	}
}

// AssetAdmin implements dvp.AssetAdapter.
func (l *Ledger) AssetAdmin(asset [20]byte) ([20]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	admin, ok := l.admins[asset]
	return admin, ok
}

func (l *Ledger) moveNativeLocked(from, to [20]byte, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	current := l.native[from]
	if current == nil || current.Cmp(amount) < 0 {
		return errInsufficientBalance
	}
	l.native[from] = new(big.Int).Sub(current, amount)
	l.creditNativeLocked(to, amount)
	return nil
}

func (l *Ledger) moveFungibleLocked(asset [20]byte, from, to [20]byte, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	balances := l.fungible[asset]
	current := balances[from]
	if current == nil || current.Cmp(amount) < 0 {
		return errInsufficientBalance
	}
	balances[from] = new(big.Int).Sub(current, amount)
	credit := balances[to]
	if credit == nil {
		credit = big.NewInt(0)
	}
	balances[to] = new(big.Int).Add(credit, amount)
	return nil
}

func (l *Ledger) movePartitionLocked(asset [20]byte, partition [32]byte, from, to [20]byte, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	balances := l.partitioned[asset][partition]
	current := balances[from]
	if current == nil || current.Cmp(amount) < 0 {
		return errInsufficientBalance
	}
	balances[from] = new(big.Int).Sub(current, amount)
	l.creditPartitionLocked(asset, partition, to, amount)
	return nil
}

// OperatorTransferByPartition moves partitioned units on behalf of the
// sender and, when the transfer targets the hook address with a payload,
// forwards it to the configured hook. A hook failure reverts the transfer.
func (l *Ledger) OperatorTransferByPartition(asset [20]byte, from, to [20]byte, partition [32]byte, amount *big.Int, data []byte) error {
	l.mu.Lock()
	if err := l.requireStandard(asset, dvp.StandardPartitionedFungible); err != nil {
		l.mu.Unlock()
		return err
	}
	amt := cloneAmount(amount)
	if err := l.movePartitionLocked(asset, partition, from, to, amt); err != nil {
		l.mu.Unlock()
		return err
	}
	hook, target := l.hook, l.hookTarget
	l.mu.Unlock()
	if hook == nil || to != target || len(data) == 0 {
		return nil
	}
	if err := hook(asset, from, partition, amt, data); err != nil {
		l.mu.Lock()
		_ = l.movePartitionLocked(asset, partition, to, from, amt)
		l.mu.Unlock()
		return err
	}
	return nil
}
