// Package catalog maps storefront product ids to plan terms.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

type PlanKind string

const (
	PlanIndividual PlanKind = "individual"
	PlanCompany    PlanKind = "company"
)

type Product struct {
	ProductID string   `json:"product_id"`
	Name      string   `json:"name"`
	Kind      PlanKind `json:"kind"`
	TermDays  int      `json:"term_days"`
	// SeatPrice is in minor units; company plans only.
	SeatPrice int64 `json:"seat_price,omitempty"`
	// PriceIDs are the Stripe prices that bill this product.
	PriceIDs []string `json:"price_ids,omitempty"`
}

type catalogFile struct {
	Products []Product `json:"products"`
}

type Catalog struct {
	mu       sync.RWMutex
	products map[string]*Product
	byPrice  map[string]*Product
}

func New() *Catalog {
	return &Catalog{
		products: make(map[string]*Product),
		byPrice:  make(map[string]*Product),
	}
}

func LoadFromFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var file catalogFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	c := New()
	for i := range file.Products {
		if err := c.Register(&file.Products[i]); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) Register(p *Product) error {
	if p.ProductID == "" {
		return fmt.Errorf("catalog product without product_id")
	}
	if p.TermDays <= 0 {
		return fmt.Errorf("catalog product %q: term_days must be positive", p.ProductID)
	}
	if p.Kind == "" {
		p.Kind = PlanIndividual
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[p.ProductID] = p
	for _, priceID := range p.PriceIDs {
		c.byPrice[priceID] = p
	}
	return nil
}

func (c *Catalog) Get(productID string) (*Product, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.products[productID]
	return p, ok
}

// ByPrice resolves a Stripe price id to its product.
func (c *Catalog) ByPrice(priceID string) (*Product, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.byPrice[priceID]
	return p, ok
}

// TermDays returns the billing term of a product, 0 if unknown.
func (c *Catalog) TermDays(productID string) int {
	if p, ok := c.Get(productID); ok {
		return p.TermDays
	}
	return 0
}

func (c *Catalog) IsCompanyPlan(productID string) bool {
	p, ok := c.Get(productID)
	return ok && p.Kind == PlanCompany
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.products)
}
