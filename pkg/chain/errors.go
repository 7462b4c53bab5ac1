package chain

import "fmt"

// RuleErrorCode classifies a consensus rule violation.
type RuleErrorCode int

const (
	ErrDuplicateBlock RuleErrorCode = iota
	ErrBlockTooBig
	ErrNoTransactions
	ErrFirstTxNotCoinbase
	ErrMultipleCoinbases
	ErrDuplicateTxInputs
	ErrBadMerkleRoot
	ErrTimeTooNew
	ErrTimeTooOld
	ErrMissingParent
	ErrKnownInvalidParent
	ErrHighHash
	ErrBadTxInput
	ErrNoTxInputs
	ErrNoTxOutputs
	ErrBadTxOutValue
	ErrMissingTxOut
	ErrDoubleSpend
	ErrImmatureCoinbase
	ErrImmatureStake
	ErrSpendTooHigh
	ErrBadFees
	ErrBadCoinbaseValue
	ErrScriptValidation
	ErrBadStakeProof
	ErrIneligibleProducer
	ErrLotteryLoss
	ErrBadProducerSig
)

var ruleErrorCodeStrings = map[RuleErrorCode]string{
	ErrDuplicateBlock:     "DuplicateBlock",
	ErrBlockTooBig:        "BlockTooBig",
	ErrNoTransactions:     "NoTransactions",
	ErrFirstTxNotCoinbase: "FirstTxNotCoinbase",
	ErrMultipleCoinbases:  "MultipleCoinbases",
	ErrDuplicateTxInputs:  "DuplicateTxInputs",
	ErrBadMerkleRoot:      "BadMerkleRoot",
	ErrTimeTooNew:         "TimeTooNew",
	ErrTimeTooOld:         "TimeTooOld",
	ErrMissingParent:      "MissingParent",
	ErrKnownInvalidParent: "KnownInvalidParent",
	ErrHighHash:           "HighHash",
	ErrBadTxInput:         "BadTxInput",
	ErrNoTxInputs:         "NoTxInputs",
	ErrNoTxOutputs:        "NoTxOutputs",
	ErrBadTxOutValue:      "BadTxOutValue",
	ErrMissingTxOut:       "MissingTxOut",
	ErrDoubleSpend:        "DoubleSpend",
	ErrImmatureCoinbase:   "ImmatureCoinbase",
	ErrImmatureStake:      "ImmatureStake",
	ErrSpendTooHigh:       "SpendTooHigh",
	ErrBadFees:            "BadFees",
	ErrBadCoinbaseValue:   "BadCoinbaseValue",
	ErrScriptValidation:   "ScriptValidation",
	ErrBadStakeProof:      "BadStakeProof",
	ErrIneligibleProducer: "IneligibleProducer",
	ErrLotteryLoss:        "LotteryLoss",
	ErrBadProducerSig:     "BadProducerSig",
}

func (c RuleErrorCode) String() string {
	if s, ok := ruleErrorCodeStrings[c]; ok {
		return s
	}
	return fmt.Sprintf("RuleErrorCode(%d)", int(c))
}

// RuleError marks a block or transaction as violating consensus. A block
// rejected with a RuleError is permanently invalid and the relaying peer is
// penalized; transient conditions (a missing parent) are NOT rule errors.
type RuleError struct {
	Code RuleErrorCode
	Desc string
}

func (e RuleError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Desc)
}

func ruleError(code RuleErrorCode, format string, args ...interface{}) RuleError {
	return RuleError{Code: code, Desc: fmt.Sprintf(format, args...)}
}

// NewRuleError builds a consensus violation; collaborators that plug into
// validation (the participation verifier) use it so their rejections carry
// the same ban-the-peer semantics.
func NewRuleError(code RuleErrorCode, format string, args ...interface{}) RuleError {
	return ruleError(code, format, args...)
}

// IsRuleError reports whether err is a consensus violation.
func IsRuleError(err error) bool {
	_, ok := err.(RuleError)
	return ok
}

// IsRuleCode reports whether err is a RuleError carrying code.
func IsRuleCode(err error, code RuleErrorCode) bool {
	re, ok := err.(RuleError)
	return ok && re.Code == code
}

// OrphanError is the transient missing-parent condition: the block is held
// and its ancestry requested, the peer is not penalized.
type OrphanError struct {
	Desc string
}

func (e OrphanError) Error() string {
	return e.Desc
}

// IsOrphanError reports whether err is the transient missing-parent case.
func IsOrphanError(err error) bool {
	_, ok := err.(OrphanError)
	return ok
}
