package gencam

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nasa-jpl/gencam/camera"
	"github.com/nasa-jpl/gencam/fitsheader"
)

// ParseKeyValueMap parses "key: value, key2: value2" into header items.  A
// value may hold colons; only the first colon of a pair separates it from
// the key.  Keys must be valid FITS keywords and are upper cased.  Numeric
// and boolean values keep their type.
func ParseKeyValueMap(kvm string) ([]fitsheader.Item, error) {
	out := []fitsheader.Item{}
	if strings.TrimSpace(kvm) == "" {
		return out, nil
	}
	for _, part := range strings.Split(kvm, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		idx := strings.Index(part, ":")
		if idx < 0 {
			return nil, &camera.ConfigurationError{Key: "keyValueMap", Reason: fmt.Sprintf("%q is not key: value", strings.TrimSpace(part))}
		}
		k := strings.ToUpper(strings.TrimSpace(part[:idx]))
		v := strings.TrimSpace(part[idx+1:])
		if !fitsheader.ValidKeyword(k) || fitsheader.IsStructural(k) {
			return nil, &camera.ConfigurationError{Key: "keyValueMap", Reason: fmt.Sprintf("%q is not a usable FITS keyword", k)}
		}
		out = append(out, fitsheader.Item{Keyword: k, Value: typedValue(v)})
	}
	return out, nil
}

func typedValue(s string) interface{} {
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}

// joinKeyValues renders items as colon separated keys and values, with
// colons inside values escaped
func joinKeyValues(items []fitsheader.Item) (string, string) {
	keys := make([]string, len(items))
	vals := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.Keyword
		vals[i] = strings.ReplaceAll(fmt.Sprint(it.Value), ":", `\:`)
	}
	return strings.Join(keys, ":"), strings.Join(vals, ":")
}
