package mempool

import "fmt"

// RejectCode classifies a mempool admission failure.
type RejectCode int

const (
	RejectDuplicate RejectCode = iota
	RejectCoinbase
	RejectConflict
	RejectInvalid
	RejectInsufficientFee
	RejectNonStandard
)

var rejectCodeStrings = map[RejectCode]string{
	RejectDuplicate:       "Duplicate",
	RejectCoinbase:        "Coinbase",
	RejectConflict:        "Conflict",
	RejectInvalid:         "Invalid",
	RejectInsufficientFee: "InsufficientFee",
	RejectNonStandard:     "NonStandard",
}

func (c RejectCode) String() string {
	if s, ok := rejectCodeStrings[c]; ok {
		return s
	}
	return fmt.Sprintf("RejectCode(%d)", int(c))
}

// TxRuleError rejects a transaction from the pool. It does not imply the
// relaying peer misbehaved unless the wrapped cause is a consensus error.
type TxRuleError struct {
	Code RejectCode
	Desc string
	Err  error
}

func (e TxRuleError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Desc)
}

func (e TxRuleError) Unwrap() error {
	return e.Err
}

func txRuleError(code RejectCode, format string, args ...interface{}) TxRuleError {
	return TxRuleError{Code: code, Desc: fmt.Sprintf(format, args...)}
}

// IsRejectCode reports whether err is a TxRuleError carrying code.
func IsRejectCode(err error, code RejectCode) bool {
	re, ok := err.(TxRuleError)
	return ok && re.Code == code
}
