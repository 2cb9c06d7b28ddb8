package txpool

import "errors"

var (
	ErrAlreadyKnown       = errors.New("transaction already known")
	ErrUnderpriced        = errors.New("transaction underpriced")
	ErrNonceTooLow        = errors.New("nonce too low")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrReplaceUnderpriced = errors.New("replace transaction underpriced")
	ErrOversizedData      = errors.New("transaction data too big")
	ErrGasLimit           = errors.New("exceeds block gas limit")
	ErrNegativeValue      = errors.New("negative value")
	ErrInvalidSender      = errors.New("invalid sender")
	ErrIntrinsicGas       = errors.New("intrinsic gas too low")
)
