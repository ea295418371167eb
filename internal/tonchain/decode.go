package tonchain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/polarpass/teller/internal/toncell"
	"github.com/polarpass/teller/pkg/models"
)

// Message body opcodes recognized by the scanner.
const (
	opTextComment    = 0x00000000
	opJettonTransfer = 0xf8a7ea5
)

// Smallest-unit scale of the supported currencies.
const (
	tonDecimals  = 1e9
	usdtDecimals = 1e6
)

// Payment is a normalized value movement recovered from a transaction.
type Payment struct {
	Currency  string
	Amount    float64
	Direction models.Direction
	Tag       string
}

// messages yields the in-message followed by the out-messages.
func (tx RawTransaction) messages() []*RawMessage {
	var msgs []*RawMessage
	if tx.InMessage != nil {
		msgs = append(msgs, tx.InMessage)
	}
	for i := range tx.OutMessages {
		msgs = append(msgs, &tx.OutMessages[i])
	}
	return msgs
}

// DecodePayment turns a raw transaction into a payment record for the
// watched wallet. Direction follows the addresses: a token transfer whose
// destination is the wallet is a Credit and anything else a Debit; plain
// value compares the message envelope's destination and source the same
// way. Transactions that move no recognizable value return (nil, nil).
func DecodePayment(tx RawTransaction, wallet *toncell.Address) (*Payment, error) {
	payment, err := parseTokenTransfer(tx, wallet)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		payment = parsePlainTransfer(tx, wallet)
	}
	if payment == nil {
		return nil, nil
	}
	payment.Tag = extractTag(tx)
	return payment, nil
}

// parseTokenTransfer scans every message of the transaction for a TEP-74
// transfer body. A malformed transfer body fails the whole transaction;
// the scanner logs and skips it.
func parseTokenTransfer(tx RawTransaction, wallet *toncell.Address) (*Payment, error) {
	for _, msg := range tx.messages() {
		s, op := messageOpcode(msg)
		if op != opJettonTransfer {
			continue
		}
		body, err := parseTransferBody(s)
		if err != nil {
			return nil, err
		}
		direction := models.DirectionDebit
		if body.destination.Equal(wallet) {
			direction = models.DirectionCredit
		}
		return &Payment{
			Currency:  models.CurrencyUSDT,
			Amount:    scaleAmount(body.amount, usdtDecimals),
			Direction: direction,
		}, nil
	}
	return nil, nil
}

// parsePlainTransfer sums the native value addressed to the wallet and the
// native value leaving it. Incoming value wins when a transaction carries
// both, matching a wallet that never pays out in the same transaction it
// is paid in.
func parsePlainTransfer(tx RawTransaction, wallet *toncell.Address) *Payment {
	incoming := new(big.Int)
	if in := tx.InMessage; in != nil && in.Value != nil && sameAccount(in.Destination, wallet) {
		incoming.Add(incoming, in.Value)
	}

	outgoing := new(big.Int)
	for i := range tx.OutMessages {
		out := &tx.OutMessages[i]
		if out.Value != nil && sameAccount(out.Source, wallet) {
			outgoing.Add(outgoing, out.Value)
		}
	}

	if incoming.Sign() > 0 {
		return &Payment{
			Currency:  models.CurrencyTON,
			Amount:    scaleAmount(incoming, tonDecimals),
			Direction: models.DirectionCredit,
		}
	}
	if outgoing.Sign() > 0 {
		return &Payment{
			Currency:  models.CurrencyTON,
			Amount:    scaleAmount(outgoing, tonDecimals),
			Direction: models.DirectionDebit,
		}
	}
	return nil
}

// extractTag recovers the correlation comment. Senders attach it to the
// transfer's forward payload or to a companion message of the same
// transaction, so every message is checked, in-message first. Messages
// that fail to parse yield no tag rather than failing the transaction.
func extractTag(tx RawTransaction) string {
	for _, msg := range tx.messages() {
		if tag := messageTag(msg); tag != "" {
			return tag
		}
	}
	return ""
}

func messageTag(msg *RawMessage) string {
	if msg.Body == nil {
		return trimComment(msg.Text)
	}
	s, op := messageOpcode(msg)
	switch op {
	case opTextComment:
		tag, err := loadSnakeString(s)
		if err != nil {
			return ""
		}
		return trimComment(tag)
	case opJettonTransfer:
		body, err := parseTransferBody(s)
		if err != nil {
			return ""
		}
		return forwardComment(body.forward)
	}
	return ""
}

// messageOpcode returns the body slice positioned after its opcode. Bodies
// too short to carry an opcode report an opcode no variant matches.
func messageOpcode(msg *RawMessage) (*toncell.Slice, uint64) {
	const opNone = 1<<63 - 1
	if msg.Body == nil {
		return nil, opNone
	}
	s := msg.Body.BeginParse()
	if s.RemainingBits() < 32 {
		return nil, opNone
	}
	op, err := s.LoadUint(32)
	if err != nil {
		return nil, opNone
	}
	return s, op
}

// transferBody is a parsed TEP-74 transfer. forward is positioned at the
// forward payload, inline or unwrapped from its child reference.
type transferBody struct {
	amount      *big.Int
	destination *toncell.Address
	forward     *toncell.Slice
}

func parseTransferBody(s *toncell.Slice) (*transferBody, error) {
	if _, err := s.LoadUint(64); err != nil { // query id
		return nil, fmt.Errorf("bad transfer query id: %w", err)
	}
	amount, err := s.LoadCoins()
	if err != nil {
		return nil, fmt.Errorf("bad transfer amount: %w", err)
	}
	dest, err := s.LoadAddress()
	if err != nil {
		return nil, fmt.Errorf("bad transfer destination: %w", err)
	}
	if _, err := s.LoadAddress(); err != nil { // response destination
		return nil, fmt.Errorf("bad transfer response address: %w", err)
	}
	hasCustom, err := s.LoadBit()
	if err != nil {
		return nil, err
	}
	if hasCustom {
		if _, err := s.LoadRef(); err != nil {
			return nil, fmt.Errorf("bad transfer custom payload: %w", err)
		}
	}
	if _, err := s.LoadCoins(); err != nil { // forward ton amount
		return nil, fmt.Errorf("bad transfer forward amount: %w", err)
	}

	inRef, err := s.LoadBit()
	if err != nil {
		return nil, err
	}
	fwd := s
	if inRef {
		ref, err := s.LoadRef()
		if err != nil {
			return nil, fmt.Errorf("bad transfer forward payload: %w", err)
		}
		fwd = ref.BeginParse()
	}
	return &transferBody{amount: amount, destination: dest, forward: fwd}, nil
}

func forwardComment(fwd *toncell.Slice) string {
	if fwd.RemainingBits() < 32 {
		return ""
	}
	op, err := fwd.LoadUint(32)
	if err != nil || op != opTextComment {
		return ""
	}
	tag, err := loadSnakeString(fwd)
	if err != nil {
		return ""
	}
	return trimComment(tag)
}

// loadSnakeString reads the remaining bytes of a slice, following the chain
// of child references long comments are split across.
func loadSnakeString(s *toncell.Slice) (string, error) {
	var b strings.Builder
	for {
		chunk, err := s.RestBytes()
		if err != nil {
			return "", err
		}
		b.Write(chunk)
		if s.RemainingRefs() == 0 {
			return b.String(), nil
		}
		ref, err := s.LoadRef()
		if err != nil {
			return "", err
		}
		s = ref.BeginParse()
	}
}

func sameAccount(raw string, wallet *toncell.Address) bool {
	if raw == "" {
		return false
	}
	addr, err := toncell.ParseAddress(raw)
	if err != nil {
		return false
	}
	return addr.Equal(wallet)
}

func scaleAmount(v *big.Int, decimals float64) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f / decimals
}

func trimComment(s string) string {
	return strings.Trim(s, "\n")
}
