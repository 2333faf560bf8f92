package economy

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/progression-engine/ledger"
)

// =============================================================================
// SHOP CATALOG
// =============================================================================

type Category string

const (
	CategoryPowerUp    Category = "power_up"
	CategoryCosmetic   Category = "cosmetic"
	CategoryConsumable Category = "consumable"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryPowerUp, CategoryCosmetic, CategoryConsumable:
		return true
	}
	return false
}

// PowerUp is the XP multiplier a power_up item activates on purchase.
type PowerUp struct {
	Factor          decimal.Decimal `json:"factor"`
	DurationMinutes int             `json:"duration_minutes"`
}

func (p PowerUp) Duration() time.Duration {
	return time.Duration(p.DurationMinutes) * time.Minute
}

type ShopItem struct {
	ID          ledger.ItemID `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Category    Category      `json:"category"`
	Price       int64         `json:"price"`
	Limit       int           `json:"limit,omitempty"` // per user; 0 = unlimited
	PowerUp     *PowerUp      `json:"power_up,omitempty"`
}

type Catalog struct {
	items []ShopItem
	index map[ledger.ItemID]int
}

func NewCatalog(items []ShopItem) (*Catalog, error) {
	c := &Catalog{items: make([]ShopItem, 0, len(items)), index: make(map[ledger.ItemID]int, len(items))}
	for i, it := range items {
		switch {
		case it.ID == "":
			return nil, ledger.Invalid("shop", "item %d has no id", i)
		case it.Price <= 0:
			return nil, ledger.Invalid("shop", "%q: price must be positive", it.ID)
		case it.Limit < 0:
			return nil, ledger.Invalid("shop", "%q: limit must not be negative", it.ID)
		case !it.Category.Valid():
			return nil, ledger.Invalid("shop", "%q: unknown category %q", it.ID, it.Category)
		}
		if _, dup := c.index[it.ID]; dup {
			return nil, ledger.Invalid("shop", "duplicate item id %q", it.ID)
		}
		if it.Category == CategoryPowerUp {
			if it.PowerUp == nil || !it.PowerUp.Factor.GreaterThan(decimal.NewFromInt(1)) || it.PowerUp.DurationMinutes <= 0 {
				return nil, ledger.Invalid("shop", "%q: power-ups need a factor above 1 and a positive duration", it.ID)
			}
		}
		c.index[it.ID] = len(c.items)
		c.items = append(c.items, it)
	}
	return c, nil
}

func (c *Catalog) Lookup(id ledger.ItemID) (ShopItem, error) {
	i, ok := c.index[id]
	if !ok {
		return ShopItem{}, fmt.Errorf("%w: %s", ledger.ErrUnknownItem, id)
	}
	return c.items[i], nil
}

func (c *Catalog) Items() []ShopItem {
	return append([]ShopItem(nil), c.items...)
}

// =============================================================================
// SHOP
// =============================================================================

type Shop struct {
	catalog *Catalog
	engine  *Engine
	newID   func() string
}

func NewShop(catalog *Catalog, engine *Engine) *Shop {
	return &Shop{catalog: catalog, engine: engine, newID: uuid.NewString}
}

func (s *Shop) Catalog() *Catalog { return s.catalog }

// PurchaseRequest carries the unit price the learner confirmed.
type PurchaseRequest struct {
	ItemID      ledger.ItemID `json:"item_id"`
	Quantity    int           `json:"quantity"`
	QuotedPrice int64         `json:"quoted_price"`
}

// Purchase builds the diff for buying req against snapshot p. The quoted
// price must equal the catalog price at this moment.
func (s *Shop) Purchase(p ledger.UserProgress, req PurchaseRequest, at time.Time) (ledger.Diff, ledger.Transaction, error) {
	item, err := s.catalog.Lookup(req.ItemID)
	if err != nil {
		return ledger.Diff{}, ledger.Transaction{}, err
	}
	if req.Quantity <= 0 {
		return ledger.Diff{}, ledger.Transaction{}, ledger.Invalid("quantity", "must be positive, got %d", req.Quantity)
	}
	if item.PowerUp != nil && req.Quantity != 1 {
		return ledger.Diff{}, ledger.Transaction{}, ledger.Invalid("quantity", "power-ups are bought one at a time")
	}
	if req.QuotedPrice != item.Price {
		return ledger.Diff{}, ledger.Transaction{}, &ledger.PriceChangedError{ItemID: item.ID, Quoted: req.QuotedPrice, Current: item.Price}
	}
	if int64(req.Quantity) > math.MaxInt64/item.Price {
		return ledger.Diff{}, ledger.Transaction{}, ledger.Invalid("quantity", "%d x %d overflows the price total", req.Quantity, item.Price)
	}
	if item.Limit > 0 && req.Quantity > item.Limit-p.Inventory[item.ID] {
		return ledger.Diff{}, ledger.Transaction{}, ledger.Invalid("quantity", "limit of %d for %s reached", item.Limit, item.ID)
	}

	total := item.Price * int64(req.Quantity)
	tx, err := s.engine.ApplyTransaction(p, -total, ledger.ReasonPurchase, at, Item(item.ID, req.Quantity))
	if err != nil {
		return ledger.Diff{}, ledger.Transaction{}, err
	}

	diff := ledger.Diff{
		Transactions: []ledger.Transaction{tx},
		Inventory:    []ledger.InventoryChange{{ItemID: item.ID, Delta: req.Quantity}},
	}
	if item.PowerUp != nil {
		expires := at.Add(item.PowerUp.Duration())
		diff.Multipliers = []ledger.MultiplierSource{{
			ID:        s.newID(),
			Kind:      ledger.MultiplierPowerUp,
			Factor:    item.PowerUp.Factor,
			Label:     item.Name,
			GrantedAt: at,
			ExpiresAt: &expires,
		}}
	}
	return diff, tx, nil
}

// Refund reverses a purchase found in history. Power-ups are activated on
// purchase and cannot be refunded.
func (s *Shop) Refund(p ledger.UserProgress, history []ledger.Transaction, purchaseID ledger.TransactionID, at time.Time) (ledger.Diff, ledger.Transaction, error) {
	var purchase *ledger.Transaction
	for i := range history {
		tx := &history[i]
		if tx.Reason == ledger.ReasonRefund && tx.ReferenceID == string(purchaseID) {
			return ledger.Diff{}, ledger.Transaction{}, fmt.Errorf("%w: %s", ledger.ErrAlreadyRefunded, purchaseID)
		}
		if tx.ID == purchaseID {
			purchase = tx
		}
	}
	if purchase == nil || purchase.UserID != p.UserID {
		return ledger.Diff{}, ledger.Transaction{}, fmt.Errorf("%w: %s", ledger.ErrUnknownTransaction, purchaseID)
	}
	if purchase.Reason != ledger.ReasonPurchase {
		return ledger.Diff{}, ledger.Transaction{}, ledger.Invalid("transaction_id", "%s is a %s, not a purchase", purchaseID, purchase.Reason)
	}
	if item, err := s.catalog.Lookup(purchase.ItemID); err == nil && item.PowerUp != nil {
		return ledger.Diff{}, ledger.Transaction{}, ledger.Invalid("transaction_id", "power-up %s is not refundable", item.ID)
	}
	if p.Inventory[purchase.ItemID] < purchase.Quantity {
		return ledger.Diff{}, ledger.Transaction{}, ledger.Invalid("transaction_id", "only %d of %d %s left to return",
			p.Inventory[purchase.ItemID], purchase.Quantity, purchase.ItemID)
	}

	tx, err := s.engine.ApplyTransaction(p, -purchase.Amount, ledger.ReasonRefund, at,
		Item(purchase.ItemID, purchase.Quantity), Ref(string(purchase.ID)))
	if err != nil {
		return ledger.Diff{}, ledger.Transaction{}, err
	}
	return ledger.Diff{
		Transactions: []ledger.Transaction{tx},
		Inventory:    []ledger.InventoryChange{{ItemID: purchase.ItemID, Delta: -purchase.Quantity}},
	}, tx, nil
}
