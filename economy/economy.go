/*
Package economy owns currency movements: rewards, purchases, refunds and
adjustments.

PURPOSE:
  The balance is never set directly. Every change is a Transaction whose
  BalanceAfter is the previous balance plus Amount, and a change that would
  take the balance below zero is rejected, not clamped. The functions here
  are pure: they build transactions and diffs, the store commits them.

KEY CONCEPTS:
  - Engine.ApplyTransaction: One transaction against a snapshot
  - Chain: Several transactions inside one diff, each building on the last
  - Shop (shop.go): Purchases validated against the current catalog price

EXAMPLE:
  chain := engine.Begin(progress)
  if _, err := chain.Apply(30, ledger.ReasonReward, economy.Ref(token)); err != nil {
      return err
  }
  diff.Transactions = chain.Transactions()
*/
package economy

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/warp/progression-engine/ledger"
)

type Engine struct {
	newID func() ledger.TransactionID
}

func NewEngine() *Engine {
	return &Engine{newID: func() ledger.TransactionID { return ledger.TransactionID(uuid.NewString()) }}
}

// NewEngineWithIDs uses newID for transaction IDs (tests).
func NewEngineWithIDs(newID func() ledger.TransactionID) *Engine {
	return &Engine{newID: newID}
}

// Option decorates a transaction with purchase or refund context.
type Option func(*ledger.Transaction)

// Ref sets the reference (attempt token, purchase id, achievement id).
func Ref(id string) Option {
	return func(tx *ledger.Transaction) { tx.ReferenceID = id }
}

func Item(id ledger.ItemID, qty int) Option {
	return func(tx *ledger.Transaction) {
		tx.ItemID = id
		tx.Quantity = qty
	}
}

func Memo(memo string) Option {
	return func(tx *ledger.Transaction) { tx.Memo = memo }
}

// ApplyTransaction builds the transaction moving p's balance by amount.
// It fails with InsufficientFundsError when balance + amount < 0.
func (e *Engine) ApplyTransaction(p ledger.UserProgress, amount int64, reason ledger.TransactionReason, at time.Time, opts ...Option) (ledger.Transaction, error) {
	return e.next(p.UserID, p.CurrencyBalance, amount, reason, at, opts)
}

func (e *Engine) next(userID ledger.UserID, balance, amount int64, reason ledger.TransactionReason, at time.Time, opts []Option) (ledger.Transaction, error) {
	if amount == 0 {
		return ledger.Transaction{}, ledger.Invalid("amount", "must not be zero")
	}
	if !reason.Valid() {
		return ledger.Transaction{}, ledger.Invalid("reason", "unknown reason %q", reason)
	}
	if amount > 0 && balance > math.MaxInt64-amount {
		return ledger.Transaction{}, ledger.Invalid("amount", "credit of %d overflows balance %d", amount, balance)
	}
	if amount < 0 && balance+amount < 0 {
		return ledger.Transaction{}, &ledger.InsufficientFundsError{UserID: userID, Balance: balance, Amount: amount}
	}
	tx := ledger.Transaction{
		ID:           e.newID(),
		UserID:       userID,
		Amount:       amount,
		Reason:       reason,
		BalanceAfter: balance + amount,
		Timestamp:    at,
	}
	for _, opt := range opts {
		opt(&tx)
	}
	return tx, nil
}

// =============================================================================
// CHAIN - Several transactions in one diff
// =============================================================================

type Chain struct {
	engine  *Engine
	userID  ledger.UserID
	balance int64
	at      time.Time
	txs     []ledger.Transaction
}

// Begin starts a chain at p's current balance.
func (e *Engine) Begin(p ledger.UserProgress, at time.Time) *Chain {
	return &Chain{engine: e, userID: p.UserID, balance: p.CurrencyBalance, at: at}
}

// Apply appends one transaction. On error the chain is unchanged.
func (c *Chain) Apply(amount int64, reason ledger.TransactionReason, opts ...Option) (ledger.Transaction, error) {
	tx, err := c.engine.next(c.userID, c.balance, amount, reason, c.at, opts)
	if err != nil {
		return ledger.Transaction{}, err
	}
	c.balance = tx.BalanceAfter
	c.txs = append(c.txs, tx)
	return tx, nil
}

func (c *Chain) Balance() int64 { return c.balance }

func (c *Chain) Transactions() []ledger.Transaction {
	return append([]ledger.Transaction(nil), c.txs...)
}

// Credited sums the positive amounts applied so far.
func (c *Chain) Credited() int64 {
	var n int64
	for _, tx := range c.txs {
		if tx.Amount > 0 {
			n += tx.Amount
		}
	}
	return n
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

// Adjust builds an administrative correction. memo is required.
func (e *Engine) Adjust(p ledger.UserProgress, amount int64, memo string, at time.Time) (ledger.Diff, ledger.Transaction, error) {
	if memo == "" {
		return ledger.Diff{}, ledger.Transaction{}, ledger.Invalid("memo", "adjustments need a memo")
	}
	tx, err := e.ApplyTransaction(p, amount, ledger.ReasonAdjustment, at, Memo(memo))
	if err != nil {
		return ledger.Diff{}, ledger.Transaction{}, err
	}
	return ledger.Diff{Transactions: []ledger.Transaction{tx}}, tx, nil
}
