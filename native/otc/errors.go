package otc

import "errors"

var (
	// ErrInvalidCounterparty rejects trade creation against the null identity.
	ErrInvalidCounterparty = errors.New("otc: invalid counterparty")
	// ErrInvalidAmount rejects non-positive or out-of-range amounts.
	ErrInvalidAmount = errors.New("otc: amount must be positive")
	// ErrInvalidAssetClass rejects unrecognised asset class tags.
	ErrInvalidAssetClass = errors.New("otc: invalid asset class")
	// ErrTradeAlreadyOpen rejects creation while the pair slot is pending.
	ErrTradeAlreadyOpen = errors.New("otc: trade already open for pair")
	// ErrNoPendingTrade rejects deposits and cancels without a pending trade.
	ErrNoPendingTrade = errors.New("otc: no pending trade for pair")
	// ErrUnknownParticipant rejects deposits from neither recorded side.
	ErrUnknownParticipant = errors.New("otc: caller is not a trade participant")
	// ErrAlreadyFunded rejects a second deposit from the same side.
	ErrAlreadyFunded = errors.New("otc: side already funded")
	// ErrAssetMismatch rejects deposits whose asset differs from the terms.
	ErrAssetMismatch = errors.New("otc: deposit asset does not match trade terms")
	// ErrAmountMismatch rejects deposits whose amount differs from the terms.
	ErrAmountMismatch = errors.New("otc: deposit amount does not match trade terms")
	// ErrAlreadyCanceled rejects cancels once the relevant side is flagged.
	ErrAlreadyCanceled = errors.New("otc: side already canceled")
	// ErrArithmeticOverflow signals fee arithmetic exceeding 256-bit width.
	ErrArithmeticOverflow = errors.New("otc: arithmetic overflow")
	// ErrUnauthorized rejects administrative calls from non-owners.
	ErrUnauthorized = errors.New("otc: unauthorized")
	// ErrTransferFailed wraps a declined asset movement by the ledger.
	ErrTransferFailed = errors.New("otc: transfer failed")

	errNilState  = errors.New("otc: engine state not configured")
	errNilOracle = errors.New("otc: stake oracle not configured")
)
