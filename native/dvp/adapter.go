package dvp

import "math/big"

// AssetAdapter is the engine's only window onto asset implementations. Every
// call is dispatched by Standard tag; the engine never sees concrete token
// code. Amounts are ignored for StandardNonFungible, where the Subclass field
// carries the token id. StandardOffLedger legs never reach the adapter.
type AssetAdapter interface {
	// Balance reports the holder's balance of the asset. For NonFungible it
	// returns 1 when the holder owns the subclass token id, otherwise 0.
	Balance(asset, holder [20]byte, subclass [32]byte, std Standard) (*big.Int, error)

	// Pull moves assets from a holder using an authorization previously
	// granted to the operator (allowance, token approval or, for Native, the
	// value attached to the triggering call). It is the only way the engine
	// takes possession of assets it does not already hold.
	Pull(asset [20]byte, operator, from, to [20]byte, amount *big.Int, subclass [32]byte, std Standard) error

	// Push moves assets out of the sender's own holdings. The engine uses it
	// to release or refund custody balances and relies on custody-funded
	// pushes succeeding: a delivered leg cannot be clawed back, so a push
	// that fails mid-settlement aborts with the trade still pending.
	Push(asset [20]byte, from, to [20]byte, amount *big.Int, subclass [32]byte, std Standard) error

	// AssetAdmin resolves the administrative authority of an asset, used to
	// bootstrap controller and price-oracle registrations.
	AssetAdmin(asset [20]byte) ([20]byte, bool)
}
