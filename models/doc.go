// Package models defines the records that flow through the watch agent.
package models

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ProductDoc is one entry of the item search response. The API shape is not
// owned by us, so the document is kept as an open map and only the fields the
// pipeline understands are read through accessors.
type ProductDoc map[string]any

var (
	identityKeys    = []string{"genpinId", "genpin_id", "genpinid"}
	productCodeKeys = []string{"janCode", "jancode", "jan_code"}
	conditionKeys   = []string{"cond", "conditionid", "conditionId"}
	specialKeys     = []string{"specialPrice", "specialprice"}
	salesKeys       = []string{"salesPrice", "salesprice"}
	detailURLKeys   = []string{"itemUrl", "detailUrl", "url"}
	pageCodeKeys    = []string{"mapcode", "mapCode", "itemCode"}
	nameKeys        = []string{"genpinName", "genpin_name", "itemName"}
)

// Identity returns the dedup key of the document.
func (d ProductDoc) Identity() (string, bool) {
	return d.firstString(identityKeys)
}

// ProductCode returns the JAN code used to look up the reference price.
func (d ProductDoc) ProductCode() (string, bool) {
	return d.firstString(productCodeKeys)
}

// Condition returns the integer condition grade.
func (d ProductDoc) Condition() (int, bool) {
	value, ok := d.firstNumber(conditionKeys)
	if !ok || value != math.Trunc(value) {
		return 0, false
	}
	return int(value), true
}

// SpecialPrice returns the discounted price, zero when absent.
func (d ProductDoc) SpecialPrice() float64 {
	value, _ := d.firstNumber(specialKeys)
	return value
}

// SalesPrice returns the regular price, zero when absent.
func (d ProductDoc) SalesPrice() float64 {
	value, _ := d.firstNumber(salesKeys)
	return value
}

// DetailURL returns an explicit item page URL carried by the document.
func (d ProductDoc) DetailURL() (string, bool) {
	return d.firstString(detailURLKeys)
}

// PageCode returns the product-page code used to synthesize a detail URL.
func (d ProductDoc) PageCode() (string, bool) {
	return d.firstString(pageCodeKeys)
}

// Name returns the product name shown in the listing.
func (d ProductDoc) Name() string {
	name, _ := d.firstString(nameKeys)
	return name
}

func (d ProductDoc) firstString(keys []string) (string, bool) {
	for _, key := range keys {
		raw, ok := d[key]
		if !ok || raw == nil {
			continue
		}
		if s, ok := stringify(raw); ok {
			return s, true
		}
	}
	return "", false
}

func (d ProductDoc) firstNumber(keys []string) (float64, bool) {
	for _, key := range keys {
		raw, ok := d[key]
		if !ok || raw == nil {
			continue
		}
		if n, ok := ToFloat(raw); ok {
			return n, true
		}
	}
	return 0, false
}

func stringify(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		t = strings.TrimSpace(t)
		return t, t != ""
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case bool:
		return "", false
	default:
		return "", false
	}
}

// ToFloat coerces JSON numbers and numeric strings. Other values are not numbers.
func ToFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		t = strings.TrimSpace(strings.ReplaceAll(t, ",", ""))
		if t == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(t, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
