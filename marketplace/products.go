package marketplace

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
)

var (
	ErrProductNotFound         = errors.New("financial product not found")
	ErrProductNotOpen          = errors.New("financial product is not open for investment")
	ErrIncompatibleStatus      = errors.New("operation is incompatible with the product status")
	ErrInvalidProduct          = errors.New("financial product parameters are invalid")
	ErrTooManyProducts         = errors.New("active products limit reached")
	ErrInvestmentTooSmall      = errors.New("investment is below the product minimum")
	ErrUnauthorizedProductCall = errors.New("caller is not the creator of the product")
)

// ProductType classifies a financial product.
type ProductType uint8

const (
	ProductGuaranteedSavings ProductType = iota + 1
	ProductBusinessLoan
	ProductInvestment
	ProductOther
)

// String returns human readable representation of the ProductType.
func (t ProductType) String() string {
	switch t {
	case ProductGuaranteedSavings:
		return "guaranteed_savings"
	case ProductBusinessLoan:
		return "business_loan"
	case ProductInvestment:
		return "investment"
	case ProductOther:
		return "other"
	default:
		return "unknown"
	}
}

// ProductStatus is the lifecycle state of a financial product.
type ProductStatus uint8

const (
	ProductOpen ProductStatus = iota + 1
	ProductClosed
	ProductMatured
	ProductEarlyTerminated
)

// String returns human readable representation of the ProductStatus.
func (s ProductStatus) String() string {
	switch s {
	case ProductOpen:
		return "open"
	case ProductClosed:
		return "closed"
	case ProductMatured:
		return "matured"
	case ProductEarlyTerminated:
		return "early_terminated"
	default:
		return "unknown"
	}
}

// Product is a financial product open for cumulative investments.
type Product struct {
	ID                    [32]byte      `msgpack:"id"`
	Creator               string        `msgpack:"creator"`
	Name                  string        `msgpack:"name"`
	Type                  ProductType   `msgpack:"type"`
	ExpectedYield         uint64        `msgpack:"expected_yield"`
	MinInvestmentDuration uint64        `msgpack:"min_investment_duration"`
	MinInvestmentAmount   uint64        `msgpack:"min_investment_amount"`
	TotalInvested         uint64        `msgpack:"total_invested"`
	RiskLevel             uint8         `msgpack:"risk_level"`
	Status                ProductStatus `msgpack:"status"`
	CreatedAt             uint64        `msgpack:"created_at"`
}

// CreateProduct registers a new financial product.
// The creation fee is transferred to the fee account up front.
func (e *Engine) CreateProduct(
	creator, name string, ptype ProductType,
	expectedYield, minDuration, minAmount uint64, riskLevel uint8,
) ([32]byte, error) {
	var id [32]byte
	if name == "" || expectedYield == 0 || minDuration == 0 || minAmount == 0 {
		return id, ErrInvalidProduct
	}
	if riskLevel < 1 || riskLevel > 5 {
		return id, ErrInvalidProduct
	}

	e.mux.Lock()
	defer e.mux.Unlock()

	var open int
	for _, p := range e.products {
		if p.Status == ProductOpen {
			open++
		}
	}
	if open >= e.cfg.MaxActiveProducts {
		return id, ErrTooManyProducts
	}

	if err := e.currency.Transfer(creator, e.cfg.FeeAccount, e.cfg.ProductCreationFee); err != nil {
		return id, err
	}

	now := e.clk.Current()
	e.counter++
	id = productID(creator, name, now, e.counter)
	p := &Product{
		ID:                    id,
		Creator:               creator,
		Name:                  name,
		Type:                  ptype,
		ExpectedYield:         expectedYield,
		MinInvestmentDuration: minDuration,
		MinInvestmentAmount:   minAmount,
		RiskLevel:             riskLevel,
		Status:                ProductOpen,
		CreatedAt:             now,
	}
	e.products[id] = p
	e.events.Publish(Event{Kind: EventProductCreated, Product: *p})
	return id, nil
}

// Invest records a cumulative investment of the caller in an open product.
// The invested amount is transferred to the fee account acting as the
// product treasury.
func (e *Engine) Invest(investor string, id [32]byte, amount uint64) error {
	e.mux.Lock()
	defer e.mux.Unlock()

	p, ok := e.products[id]
	if !ok {
		return ErrProductNotFound
	}
	if p.Status != ProductOpen {
		return ErrProductNotOpen
	}
	if amount < p.MinInvestmentAmount {
		return ErrInvestmentTooSmall
	}
	if err := e.currency.Transfer(investor, e.cfg.FeeAccount, amount); err != nil {
		return err
	}

	e.investments[invKey{investor: investor, product: id}] += amount
	p.TotalInvested += amount
	e.events.Publish(Event{Kind: EventInvestmentMade, Product: *p, Account: investor, Amount: amount})
	return nil
}

// CloseProduct moves an open product to closed blocking further investments.
// Only the product creator may close it.
func (e *Engine) CloseProduct(caller string, id [32]byte) error {
	e.mux.Lock()
	defer e.mux.Unlock()

	p, ok := e.products[id]
	if !ok {
		return ErrProductNotFound
	}
	if p.Creator != caller {
		return ErrUnauthorizedProductCall
	}
	if p.Status != ProductOpen {
		return ErrIncompatibleStatus
	}
	p.Status = ProductClosed
	e.events.Publish(Event{Kind: EventProductClosed, Product: *p})
	return nil
}

// DistributeYield reports a yield distribution for a closed or matured
// product. The payout itself settles outside the engine, this is a
// reporting hook for external observers.
func (e *Engine) DistributeYield(caller string, id [32]byte, amount uint64) error {
	e.mux.Lock()
	defer e.mux.Unlock()

	p, ok := e.products[id]
	if !ok {
		return ErrProductNotFound
	}
	if p.Creator != caller {
		return ErrUnauthorizedProductCall
	}
	if p.Status != ProductClosed && p.Status != ProductMatured {
		return ErrIncompatibleStatus
	}
	e.events.Publish(Event{Kind: EventYieldDistributed, Product: *p, Amount: amount})
	return nil
}

// Product returns the product of the given id.
func (e *Engine) Product(id [32]byte) (Product, bool) {
	e.mux.RLock()
	defer e.mux.RUnlock()
	p, ok := e.products[id]
	if !ok {
		return Product{}, false
	}
	return *p, true
}

// Investment returns the cumulative stake of the investor in the product.
func (e *Engine) Investment(investor string, id [32]byte) uint64 {
	e.mux.RLock()
	defer e.mux.RUnlock()
	return e.investments[invKey{investor: investor, product: id}]
}

func productID(creator, name string, timestamp, counter uint64) [32]byte {
	data := make([]byte, 0, len(creator)+len(name)+16)
	data = append(data, []byte(creator)...)
	data = append(data, []byte(name)...)
	data = binary.LittleEndian.AppendUint64(data, timestamp)
	data = binary.LittleEndian.AppendUint64(data, counter)
	return sha256.Sum256(data)
}
