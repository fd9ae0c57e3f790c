package dvp

import (
	"errors"
	"fmt"
)

var (
	errNotOwner        = errors.New("dvp: caller is not the engine owner")
	errOwnerRenounced  = errors.New("dvp: ownership renounced")
	errNotRoleGated    = errors.New("dvp: engine is not role-gated")
	errNotAssetManager = errors.New("dvp: caller cannot administer asset roles")
)

// roleRegistry holds the per-engine authorization tables: an optional owner,
// an optional executer whitelist and per-asset controller and price-oracle
// lists. It is plain storage; authorization decisions that need the asset
// adapter live on the engine.
type roleRegistry struct {
	owner     [20]byte
	ownerSet  bool
	executers map[[20]byte]bool

	controllers map[[20]byte][][20]byte
	oracles     map[[20]byte][][20]byte
}

func newRoleRegistry(owner [20]byte) *roleRegistry {
	r := &roleRegistry{
		executers:   make(map[[20]byte]bool),
		controllers: make(map[[20]byte][][20]byte),
		oracles:     make(map[[20]byte][][20]byte),
	}
	if owner != ([20]byte{}) {
		r.owner = owner
		r.ownerSet = true
	}
	return r
}

func containsAddress(list [][20]byte, addr [20]byte) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}

func cloneAddresses(list [][20]byte) [][20]byte {
	if len(list) == 0 {
		return nil
	}
	out := make([][20]byte, len(list))
	copy(out, list)
	return out
}

// Owner returns the current engine owner and whether one is set.
func (e *Engine) Owner() ([20]byte, bool) {
	return e.roles.owner, e.roles.ownerSet
}

// RenounceOwnership irreversibly clears the engine owner. Executer-whitelist
// changes become permanently impossible afterwards.
func (e *Engine) RenounceOwnership(caller [20]byte) error {
	if !e.roles.ownerSet {
		return errOwnerRenounced
	}
	if caller != e.roles.owner {
		return errNotOwner
	}
	e.roles.owner = [20]byte{}
	e.roles.ownerSet = false
	e.emit(NewOwnershipRenouncedEvent(caller))
	return nil
}

// SetTradeExecuters replaces the executer whitelist wholesale. Only the owner
// of a role-gated engine may call it.
func (e *Engine) SetTradeExecuters(caller [20]byte, list [][20]byte) error {
	if !e.roleGated {
		return errNotRoleGated
	}
	if !e.roles.ownerSet {
		return errOwnerRenounced
	}
	if caller != e.roles.owner {
		return errNotOwner
	}
	executers := make(map[[20]byte]bool, len(list))
	for _, addr := range list {
		if addr == ([20]byte{}) {
			return fmt.Errorf("dvp: empty executer address")
		}
		executers[addr] = true
	}
	e.roles.executers = executers
	e.emit(NewTradeExecutersSetEvent(caller, len(list)))
	return nil
}

// IsTradeExecuter reports whether addr is whitelisted. Engines that are not
// role-gated accept any executer.
func (e *Engine) IsTradeExecuter(addr [20]byte) bool {
	if !e.roleGated {
		return true
	}
	return e.roles.executers[addr]
}

// SetTokenControllers replaces the controller list for an asset. Callable by
// the asset's administrative authority or by any currently registered
// controller of that asset.
func (e *Engine) SetTokenControllers(caller, asset [20]byte, list [][20]byte) error {
	if err := e.checkAssetRoleManager(caller, asset, e.roles.controllers[asset]); err != nil {
		return err
	}
	e.roles.controllers[asset] = cloneAddresses(list)
	e.emit(NewTokenControllersSetEvent(caller, asset, len(list)))
	return nil
}

// TokenControllers returns the registered controllers for an asset.
func (e *Engine) TokenControllers(asset [20]byte) [][20]byte {
	return cloneAddresses(e.roles.controllers[asset])
}

// IsTokenController reports whether addr currently controls the asset.
func (e *Engine) IsTokenController(asset, addr [20]byte) bool {
	return containsAddress(e.roles.controllers[asset], addr)
}

// SetPriceOracles replaces the price-oracle list for an asset. Callable by the
// asset's administrative authority or by any currently registered oracle of
// that asset.
func (e *Engine) SetPriceOracles(caller, asset [20]byte, list [][20]byte) error {
	if err := e.checkAssetRoleManager(caller, asset, e.roles.oracles[asset]); err != nil {
		return err
	}
	e.roles.oracles[asset] = cloneAddresses(list)
	e.emit(NewPriceOraclesSetEvent(caller, asset, len(list)))
	return nil
}

// PriceOracles returns the registered price oracles for an asset.
func (e *Engine) PriceOracles(asset [20]byte) [][20]byte {
	return cloneAddresses(e.roles.oracles[asset])
}

// IsPriceOracle reports whether addr is a registered oracle for the asset.
func (e *Engine) IsPriceOracle(asset, addr [20]byte) bool {
	return containsAddress(e.roles.oracles[asset], addr)
}

// checkAssetRoleManager admits the asset's administrative authority and any
// current member of the role list being replaced. The member rule makes each
// per-asset admin set self-perpetuating.
func (e *Engine) checkAssetRoleManager(caller, asset [20]byte, current [][20]byte) error {
	if containsAddress(current, caller) {
		return nil
	}
	if e.adapter != nil {
		if admin, ok := e.adapter.AssetAdmin(asset); ok && admin == caller {
			return nil
		}
	}
	return errNotAssetManager
}
