// Package fitsheader assembles FITS headers from a static template, live
// values from the exposure, and a snapshot served by an external header
// service.
//
// An Item with a nil Value is an undefined value.  It is carried as nil all
// the way to the FITS card and is never replaced by an empty string.
package fitsheader

import (
	"fmt"
	"strings"
	"time"

	"github.com/astrogo/fitsio"
)

// Section names used by the header service documents
const (
	SectionPrimary = "PRIMARY"
	SectionImage   = "IMAGE1"
)

// structural keywords are written by the FITS encoder from the data and are
// never taken from a template or snapshot
var structural = map[string]struct{}{
	"SIMPLE":   {},
	"BITPIX":   {},
	"EXTEND":   {},
	"XTENSION": {},
	"PCOUNT":   {},
	"GCOUNT":   {},
	"BZERO":    {},
	"BSCALE":   {},
	"END":      {},
}

// IsStructural returns true if the keyword is owned by the FITS encoder
func IsStructural(keyword string) bool {
	k := strings.ToUpper(strings.TrimSpace(keyword))
	if strings.HasPrefix(k, "NAXIS") {
		return true
	}
	_, ok := structural[k]
	return ok
}

// ValidKeyword returns true if k can be written as a standard FITS keyword:
// one to eight characters of A-Z, 0-9, hyphen and underscore.
func ValidKeyword(k string) bool {
	if len(k) == 0 || len(k) > 8 {
		return false
	}
	for _, r := range k {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

// Item is a single keyword, value, comment triple
type Item struct {
	Keyword string      `yaml:"keyword" json:"keyword"`
	Value   interface{} `yaml:"value" json:"value"`
	Comment string      `yaml:"comment" json:"comment"`
}

// Header is a header document with a section for the primary HDU and one
// for the image extensions
type Header struct {
	Primary []Item `yaml:"PRIMARY" json:"PRIMARY"`
	Image   []Item `yaml:"IMAGE1" json:"IMAGE1"`
}

// Get returns the item with the given keyword from the primary section,
// then the image section
func (h Header) Get(keyword string) (Item, bool) {
	k := strings.ToUpper(keyword)
	for _, sec := range [][]Item{h.Primary, h.Image} {
		for _, it := range sec {
			if strings.ToUpper(it.Keyword) == k {
				return it, true
			}
		}
	}
	return Item{}, false
}

// Merge combines headers.  Later arguments take precedence over earlier
// ones; keyword order follows first appearance.
func Merge(layers ...Header) Header {
	var prim, img [][]Item
	for _, l := range layers {
		prim = append(prim, l.Primary)
		img = append(img, l.Image)
	}
	return Header{Primary: mergeItems(prim...), Image: mergeItems(img...)}
}

func mergeItems(layers ...[]Item) []Item {
	out := []Item{}
	idx := map[string]int{}
	for _, layer := range layers {
		for _, it := range layer {
			k := strings.ToUpper(strings.TrimSpace(it.Keyword))
			if k == "" || IsStructural(k) {
				continue
			}
			it.Keyword = k
			if i, ok := idx[k]; ok {
				if it.Comment == "" {
					it.Comment = out[i].Comment
				}
				out[i] = it
				continue
			}
			idx[k] = len(out)
			out = append(out, it)
		}
	}
	return out
}

// Cards converts items to FITS cards.  Structural and invalid keywords are
// dropped and the last occurrence of a repeated keyword wins.
func Cards(items []Item) []fitsio.Card {
	merged := mergeItems(items)
	cards := make([]fitsio.Card, 0, len(merged))
	for _, it := range merged {
		if !ValidKeyword(it.Keyword) {
			continue
		}
		cards = append(cards, fitsio.Card{
			Name:    it.Keyword,
			Value:   cardValue(it.Value),
			Comment: it.Comment,
		})
	}
	return cards
}

// Items converts FITS cards back to items, dropping structural keywords
func Items(cards []fitsio.Card) []Item {
	out := make([]Item, 0, len(cards))
	for _, c := range cards {
		if c.Name == "" || c.Name == "COMMENT" || c.Name == "HISTORY" || IsStructural(c.Name) {
			continue
		}
		v := c.Value
		if s, ok := v.(string); ok {
			v = strings.TrimRight(s, " ")
		}
		out = append(out, Item{Keyword: c.Name, Value: v, Comment: c.Comment})
	}
	return out
}

// cardValue maps decoded YAML and JSON values onto the types the FITS
// encoder accepts.  nil stays nil.
func cardValue(v interface{}) interface{} {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return x
	case bool:
		return x
	case int, int8, int16, int32, int64:
		return x
	case uint8:
		return int(x)
	case uint16:
		return int(x)
	case uint32:
		return int64(x)
	case uint:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	case float64:
		return x
	case time.Time:
		return x.Format(TimeFormat)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
