// Package eligibility decides which documents are worth forwarding and on which lane.
package eligibility

import (
	"context"
	"math"

	"github.com/aluiziolira/mapcamera-watch/config"
	"github.com/aluiziolira/mapcamera-watch/models"
)

// Drop reasons reported through Partition's callback and metrics.
const (
	DropForwarded        = "forwarded"
	DropNoProductCode    = "no_product_code"
	DropNoReferencePrice = "no_reference_price"
	DropNoDerivedPrice   = "no_derived_price"
	DropMargin           = "margin"
	DropNoCondition      = "no_condition"
	// DropClaimed marks an enrichment doc already taken by this page load.
	DropClaimed = "claimed"
)

// Rules holds the pricing constants.
type Rules struct {
	MarkupRate       float64
	ReferenceFeeRate float64
	FixedFee         float64
	MinMargin        float64
	EnrichCondition  int
}

// RulesFromConfig copies the pricing constants out of cfg.
func RulesFromConfig(cfg *config.Config) Rules {
	return Rules{
		MarkupRate:       cfg.MarkupRate,
		ReferenceFeeRate: cfg.ReferenceFeeRate,
		FixedFee:         cfg.FixedFee,
		MinMargin:        cfg.MinMargin,
		EnrichCondition:  cfg.EnrichCondition,
	}
}

// DerivedPrice is the listing price plus markup, truncated toward zero.
// specialPrice wins when non-zero; with both prices zero the price is unknown.
func (r Rules) DerivedPrice(doc models.ProductDoc) (int64, bool) {
	base := doc.SpecialPrice()
	if base == 0 {
		base = doc.SalesPrice()
		if base == 0 {
			return 0, false
		}
	}
	return int64(math.Trunc(base + base*r.MarkupRate)), true
}

// Margin is the reference price minus fee, fixed cost and derived price.
func (r Rules) Margin(reference float64, derived int64) float64 {
	return reference - (reference*r.ReferenceFeeRate + r.FixedFee + float64(derived))
}

// PriceSource resolves reference prices.
type PriceSource interface {
	Get(ctx context.Context, code string) (float64, bool)
}

// Seen reports identities already forwarded in this session.
type Seen interface {
	Has(id string) bool
}

// Lanes is the partition of eligible documents.
type Lanes struct {
	Direct []models.ProductDoc
	Enrich []models.ProductDoc
}

// Filter applies Rules to batches of documents.
type Filter struct {
	Rules  Rules
	Prices PriceSource
	Seen   Seen
	// OnDrop, when set, is called once per removed document.
	OnDrop func(doc models.ProductDoc, reason string)
}

// Partition keeps documents with margin >= MinMargin and routes them by condition.
func (f *Filter) Partition(ctx context.Context, docs []models.ProductDoc) Lanes {
	var lanes Lanes

	for _, doc := range docs {
		if id, ok := doc.Identity(); ok && f.Seen != nil && f.Seen.Has(id) {
			f.drop(doc, DropForwarded)
			continue
		}
		code, ok := doc.ProductCode()
		if !ok {
			f.drop(doc, DropNoProductCode)
			continue
		}
		reference, ok := f.Prices.Get(ctx, code)
		if !ok {
			f.drop(doc, DropNoReferencePrice)
			continue
		}
		derived, ok := f.Rules.DerivedPrice(doc)
		if !ok {
			f.drop(doc, DropNoDerivedPrice)
			continue
		}
		if f.Rules.Margin(reference, derived) < f.Rules.MinMargin {
			f.drop(doc, DropMargin)
			continue
		}
		cond, ok := doc.Condition()
		if !ok {
			f.drop(doc, DropNoCondition)
			continue
		}
		if cond == f.Rules.EnrichCondition {
			lanes.Enrich = append(lanes.Enrich, doc)
		} else {
			lanes.Direct = append(lanes.Direct, doc)
		}
	}
	return lanes
}

func (f *Filter) drop(doc models.ProductDoc, reason string) {
	if f.OnDrop != nil {
		f.OnDrop(doc, reason)
	}
}
