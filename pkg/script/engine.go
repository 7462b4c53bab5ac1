package script

import (
	"bytes"
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"glc-node/pkg/core"
)

// Engine executes output-locking predicates. A fresh engine evaluates the
// input's signature script followed by the referenced output's pubkey
// script over a shared stack; success requires a true top item at the end.
type Engine struct {
	tx  *core.MsgTx
	idx int

	stack    [][]byte
	altStack [][]byte

	// condStack tracks nested OP_IF execution state.
	condStack []bool

	numOps int

	// subScript is the script CHECKSIG hashes against, i.e. the pubkey
	// script of the spent output during its evaluation.
	subScript []byte
}

// VerifyInput evaluates sigScript then pkScript for input idx of tx.
func VerifyInput(sigScript, pkScript []byte, tx *core.MsgTx, idx int) error {
	if len(sigScript) > MaxScriptSize || len(pkScript) > MaxScriptSize {
		return scriptError(ErrScriptTooBig, "script exceeds %d bytes", MaxScriptSize)
	}

	eng := &Engine{tx: tx, idx: idx}

	eng.subScript = sigScript
	if err := eng.execute(sigScript); err != nil {
		return err
	}

	eng.numOps = 0
	eng.condStack = nil
	eng.subScript = pkScript
	if err := eng.execute(pkScript); err != nil {
		return err
	}

	if len(eng.stack) == 0 {
		return scriptError(ErrEvalFalse, "empty final stack")
	}
	if !asBool(eng.stack[len(eng.stack)-1]) {
		return scriptError(ErrEvalFalse, "final stack item is false")
	}
	return nil
}

func (e *Engine) push(v []byte) error {
	if len(v) > MaxStackElementSize {
		return scriptError(ErrElementTooBig, "element of %d bytes", len(v))
	}
	if len(e.stack)+len(e.altStack) >= 1000 {
		return scriptError(ErrStackOverflow, "stack of %d items", len(e.stack))
	}
	e.stack = append(e.stack, v)
	return nil
}

func (e *Engine) pop() ([]byte, error) {
	if len(e.stack) == 0 {
		return nil, scriptError(ErrStackUnderflow, "pop on empty stack")
	}
	v := e.stack[len(e.stack)-1]
	e.stack = e.stack[:len(e.stack)-1]
	return v, nil
}

func (e *Engine) popNum() (scriptNum, error) {
	v, err := e.pop()
	if err != nil {
		return 0, err
	}
	return makeScriptNum(v)
}

func (e *Engine) peek(depth int) ([]byte, error) {
	if depth >= len(e.stack) {
		return nil, scriptError(ErrStackUnderflow, "peek depth %d of %d", depth, len(e.stack))
	}
	return e.stack[len(e.stack)-1-depth], nil
}

// executing reports whether the current branch of nested conditionals runs.
func (e *Engine) executing() bool {
	for _, c := range e.condStack {
		if !c {
			return false
		}
	}
	return true
}

func (e *Engine) execute(scr []byte) error {
	pc := 0
	for pc < len(scr) {
		op := scr[pc]
		pc++

		// Data pushes.
		if op <= OP_PUSHDATA4 {
			var n int
			switch {
			case op < OP_PUSHDATA1:
				n = int(op)
			case op == OP_PUSHDATA1:
				if pc+1 > len(scr) {
					return scriptError(ErrMalformedPush, "truncated OP_PUSHDATA1")
				}
				n = int(scr[pc])
				pc++
			case op == OP_PUSHDATA2:
				if pc+2 > len(scr) {
					return scriptError(ErrMalformedPush, "truncated OP_PUSHDATA2")
				}
				n = int(scr[pc]) | int(scr[pc+1])<<8
				pc += 2
			default:
				if pc+4 > len(scr) {
					return scriptError(ErrMalformedPush, "truncated OP_PUSHDATA4")
				}
				n = int(scr[pc]) | int(scr[pc+1])<<8 | int(scr[pc+2])<<16 | int(scr[pc+3])<<24
				pc += 4
			}
			if n < 0 || pc+n > len(scr) {
				return scriptError(ErrMalformedPush, "push of %d bytes past script end", n)
			}
			if e.executing() {
				data := make([]byte, n)
				copy(data, scr[pc:pc+n])
				if err := e.push(data); err != nil {
					return err
				}
			}
			pc += n
			continue
		}

		if op > OP_16 {
			e.numOps++
			if e.numOps > MaxOpsPerScript {
				return scriptError(ErrTooManyOps, "more than %d operations", MaxOpsPerScript)
			}
		}

		// Conditionals execute even on dead branches to stay balanced.
		switch op {
		case OP_IF, OP_NOTIF:
			cond := false
			if e.executing() {
				v, err := e.pop()
				if err != nil {
					return err
				}
				cond = asBool(v)
				if op == OP_NOTIF {
					cond = !cond
				}
			}
			e.condStack = append(e.condStack, cond)
			continue
		case OP_ELSE:
			if len(e.condStack) == 0 {
				return scriptError(ErrUnbalancedConditional, "OP_ELSE with no OP_IF")
			}
			e.condStack[len(e.condStack)-1] = !e.condStack[len(e.condStack)-1]
			continue
		case OP_ENDIF:
			if len(e.condStack) == 0 {
				return scriptError(ErrUnbalancedConditional, "OP_ENDIF with no OP_IF")
			}
			e.condStack = e.condStack[:len(e.condStack)-1]
			continue
		}

		if !e.executing() {
			continue
		}

		if err := e.step(op); err != nil {
			return err
		}
	}

	if len(e.condStack) != 0 {
		return scriptError(ErrUnbalancedConditional, "unterminated OP_IF")
	}
	return nil
}

func (e *Engine) step(op byte) error {
	switch op {
	case OP_0:
		return e.push(nil)

	case OP_1NEGATE:
		return e.push(scriptNum(-1).Bytes())

	case OP_1, OP_2, OP_3, OP_4, OP_5, OP_6, OP_7, OP_8,
		OP_9, OP_10, OP_11, OP_12, OP_13, OP_14, OP_15, OP_16:
		return e.push(scriptNum(op - OP_1 + 1).Bytes())

	case OP_NOP:
		return nil

	case OP_VERIFY:
		v, err := e.pop()
		if err != nil {
			return err
		}
		if !asBool(v) {
			return scriptError(ErrVerifyFailed, "OP_VERIFY on false")
		}
		return nil

	case OP_RETURN:
		return scriptError(ErrEarlyReturn, "OP_RETURN executed")

	case OP_TOALTSTACK:
		v, err := e.pop()
		if err != nil {
			return err
		}
		e.altStack = append(e.altStack, v)
		return nil

	case OP_FROMALTSTACK:
		if len(e.altStack) == 0 {
			return scriptError(ErrStackUnderflow, "empty alt stack")
		}
		v := e.altStack[len(e.altStack)-1]
		e.altStack = e.altStack[:len(e.altStack)-1]
		return e.push(v)

	case OP_DROP:
		_, err := e.pop()
		return err

	case OP_2DROP:
		if _, err := e.pop(); err != nil {
			return err
		}
		_, err := e.pop()
		return err

	case OP_DUP:
		v, err := e.peek(0)
		if err != nil {
			return err
		}
		return e.push(v)

	case OP_2DUP:
		a, err := e.peek(1)
		if err != nil {
			return err
		}
		b, _ := e.peek(0)
		if err := e.push(a); err != nil {
			return err
		}
		return e.push(b)

	case OP_3DUP:
		a, err := e.peek(2)
		if err != nil {
			return err
		}
		b, _ := e.peek(1)
		c, _ := e.peek(0)
		if err := e.push(a); err != nil {
			return err
		}
		if err := e.push(b); err != nil {
			return err
		}
		return e.push(c)

	case OP_IFDUP:
		v, err := e.peek(0)
		if err != nil {
			return err
		}
		if asBool(v) {
			return e.push(v)
		}
		return nil

	case OP_DEPTH:
		return e.push(scriptNum(len(e.stack)).Bytes())

	case OP_NIP:
		top, err := e.pop()
		if err != nil {
			return err
		}
		if _, err := e.pop(); err != nil {
			return err
		}
		return e.push(top)

	case OP_OVER:
		v, err := e.peek(1)
		if err != nil {
			return err
		}
		return e.push(v)

	case OP_PICK, OP_ROLL:
		n, err := e.popNum()
		if err != nil {
			return err
		}
		depth := int(n)
		if depth < 0 || depth >= len(e.stack) {
			return scriptError(ErrStackUnderflow, "pick/roll depth %d", depth)
		}
		pos := len(e.stack) - 1 - depth
		v := e.stack[pos]
		if op == OP_ROLL {
			e.stack = append(e.stack[:pos], e.stack[pos+1:]...)
		}
		return e.push(v)

	case OP_ROT:
		c, err := e.pop()
		if err != nil {
			return err
		}
		b, err := e.pop()
		if err != nil {
			return err
		}
		a, err := e.pop()
		if err != nil {
			return err
		}
		e.stack = append(e.stack, b, c, a)
		return nil

	case OP_SWAP:
		b, err := e.pop()
		if err != nil {
			return err
		}
		a, err := e.pop()
		if err != nil {
			return err
		}
		e.stack = append(e.stack, b, a)
		return nil

	case OP_TUCK:
		b, err := e.pop()
		if err != nil {
			return err
		}
		a, err := e.pop()
		if err != nil {
			return err
		}
		e.stack = append(e.stack, b, a, b)
		return nil

	case OP_SIZE:
		v, err := e.peek(0)
		if err != nil {
			return err
		}
		return e.push(scriptNum(len(v)).Bytes())

	case OP_EQUAL, OP_EQUALVERIFY:
		b, err := e.pop()
		if err != nil {
			return err
		}
		a, err := e.pop()
		if err != nil {
			return err
		}
		equal := bytes.Equal(a, b)
		if op == OP_EQUALVERIFY {
			if !equal {
				return scriptError(ErrVerifyFailed, "OP_EQUALVERIFY mismatch")
			}
			return nil
		}
		return e.push(boolBytes(equal))

	case OP_1ADD, OP_1SUB, OP_NEGATE, OP_ABS, OP_NOT, OP_0NOTEQUAL:
		n, err := e.popNum()
		if err != nil {
			return err
		}
		switch op {
		case OP_1ADD:
			n++
		case OP_1SUB:
			n--
		case OP_NEGATE:
			n = -n
		case OP_ABS:
			if n < 0 {
				n = -n
			}
		case OP_NOT:
			if n == 0 {
				n = 1
			} else {
				n = 0
			}
		case OP_0NOTEQUAL:
			if n != 0 {
				n = 1
			}
		}
		return e.push(n.Bytes())

	case OP_ADD, OP_SUB, OP_BOOLAND, OP_BOOLOR, OP_NUMEQUAL, OP_NUMEQUALVERIFY,
		OP_NUMNOTEQUAL, OP_LESSTHAN, OP_GREATERTHAN, OP_LESSTHANOREQUAL,
		OP_GREATERTHANOREQUAL, OP_MIN, OP_MAX:
		b, err := e.popNum()
		if err != nil {
			return err
		}
		a, err := e.popNum()
		if err != nil {
			return err
		}
		var out scriptNum
		switch op {
		case OP_ADD:
			out = a + b
		case OP_SUB:
			out = a - b
		case OP_BOOLAND:
			if a != 0 && b != 0 {
				out = 1
			}
		case OP_BOOLOR:
			if a != 0 || b != 0 {
				out = 1
			}
		case OP_NUMEQUAL, OP_NUMEQUALVERIFY:
			if a == b {
				out = 1
			}
			if op == OP_NUMEQUALVERIFY {
				if out != 1 {
					return scriptError(ErrVerifyFailed, "OP_NUMEQUALVERIFY mismatch")
				}
				return nil
			}
		case OP_NUMNOTEQUAL:
			if a != b {
				out = 1
			}
		case OP_LESSTHAN:
			if a < b {
				out = 1
			}
		case OP_GREATERTHAN:
			if a > b {
				out = 1
			}
		case OP_LESSTHANOREQUAL:
			if a <= b {
				out = 1
			}
		case OP_GREATERTHANOREQUAL:
			if a >= b {
				out = 1
			}
		case OP_MIN:
			out = a
			if b < a {
				out = b
			}
		case OP_MAX:
			out = a
			if b > a {
				out = b
			}
		}
		return e.push(out.Bytes())

	case OP_WITHIN:
		max, err := e.popNum()
		if err != nil {
			return err
		}
		min, err := e.popNum()
		if err != nil {
			return err
		}
		x, err := e.popNum()
		if err != nil {
			return err
		}
		return e.push(boolBytes(x >= min && x < max))

	case OP_SHA256:
		v, err := e.pop()
		if err != nil {
			return err
		}
		h := sha256.Sum256(v)
		return e.push(h[:])

	case OP_HASH160:
		v, err := e.pop()
		if err != nil {
			return err
		}
		return e.push(btcutil.Hash160(v))

	case OP_HASH256:
		v, err := e.pop()
		if err != nil {
			return err
		}
		return e.push(chainhash.DoubleHashB(v))

	case OP_CHECKSIG, OP_CHECKSIGVERIFY:
		pubKey, err := e.pop()
		if err != nil {
			return err
		}
		sig, err := e.pop()
		if err != nil {
			return err
		}
		ok := e.checkSig(sig, pubKey)
		if op == OP_CHECKSIGVERIFY {
			if !ok {
				return scriptError(ErrVerifyFailed, "OP_CHECKSIGVERIFY failed")
			}
			return nil
		}
		return e.push(boolBytes(ok))

	case OP_CHECKMULTISIG, OP_CHECKMULTISIGVERIFY:
		ok, err := e.checkMultiSig()
		if err != nil {
			return err
		}
		if op == OP_CHECKMULTISIGVERIFY {
			if !ok {
				return scriptError(ErrVerifyFailed, "OP_CHECKMULTISIGVERIFY failed")
			}
			return nil
		}
		return e.push(boolBytes(ok))

	default:
		return scriptError(ErrInvalidOpcode, "opcode 0x%02x", op)
	}
}

// checkSig verifies a DER signature (with trailing sighash flag) against a
// serialized public key over the transaction being spent.
func (e *Engine) checkSig(sigBytes, pubKeyBytes []byte) bool {
	if len(sigBytes) == 0 || e.tx == nil {
		return false
	}

	hashType := sigBytes[len(sigBytes)-1]
	sigBytes = sigBytes[:len(sigBytes)-1]

	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return false
	}
	pubKey, err := btcec.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}

	hash, err := CalcSignatureHash(e.subScript, hashType, e.tx, e.idx)
	if err != nil {
		return false
	}
	return sig.Verify(hash, pubKey)
}

func (e *Engine) checkMultiSig() (bool, error) {
	numKeys, err := e.popNum()
	if err != nil {
		return false, err
	}
	if numKeys < 0 || numKeys > MaxPubKeysPerMultiSig {
		return false, scriptError(ErrPubKeyCount, "%d public keys", numKeys)
	}
	pubKeys := make([][]byte, 0, numKeys)
	for i := scriptNum(0); i < numKeys; i++ {
		pk, err := e.pop()
		if err != nil {
			return false, err
		}
		pubKeys = append(pubKeys, pk)
	}

	numSigs, err := e.popNum()
	if err != nil {
		return false, err
	}
	if numSigs < 0 || numSigs > numKeys {
		return false, scriptError(ErrSigCount, "%d signatures for %d keys", numSigs, numKeys)
	}
	sigs := make([][]byte, 0, numSigs)
	for i := scriptNum(0); i < numSigs; i++ {
		sig, err := e.pop()
		if err != nil {
			return false, err
		}
		sigs = append(sigs, sig)
	}

	// Historical off-by-one: one extra item is consumed.
	if _, err := e.pop(); err != nil {
		return false, err
	}

	// Signatures must match keys in order; each key is tried at most once.
	sigIdx, keyIdx := 0, 0
	for sigIdx < len(sigs) {
		if len(sigs)-sigIdx > len(pubKeys)-keyIdx {
			return false, nil
		}
		if e.checkSig(sigs[sigIdx], pubKeys[keyIdx]) {
			sigIdx++
		}
		keyIdx++
	}
	return true, nil
}
