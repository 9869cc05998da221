package camera

import (
	"fmt"
	"strings"
)

// Features maps the option keys to the type of value they hold
var Features = map[string]string{
	OptGain:        "float",
	OptBinning:     "int",
	OptROI:         "roi",
	OptShutterMode: "enum",
}

// ValidBinnings are the binning factors supported by the controller
var ValidBinnings = []int{1, 2, 4}

// Settings is the typed form of an Options set.  Nil fields were not present.
type Settings struct {
	Gain        *float64
	Binning     *int
	ROI         *ROI
	ShutterMode *string
}

// ParseOptions converts opts into Settings, checking every key and value type.
// Combinations are the driver's responsibility.
func ParseOptions(opts Options) (Settings, error) {
	s := Settings{}
	for k, v := range opts {
		key := strings.ToLower(k)
		switch Features[key] {
		case "float":
			f, ok := asFloat(v)
			if !ok {
				return s, &ConfigurationError{Key: k, Reason: fmt.Sprintf("value %v is not a number", v)}
			}
			if f < 0 || f > 100 {
				return s, &ConfigurationError{Key: k, Reason: fmt.Sprintf("gain %v outside 0..100", f)}
			}
			s.Gain = &f
		case "int":
			i, ok := asInt(v)
			if !ok {
				return s, &ConfigurationError{Key: k, Reason: fmt.Sprintf("value %v is not an integer", v)}
			}
			if !validBinning(i) {
				return s, &ConfigurationError{Key: k, Reason: fmt.Sprintf("binning %d not one of %v", i, ValidBinnings)}
			}
			s.Binning = &i
		case "roi":
			r, ok := asROI(v)
			if !ok {
				return s, &ConfigurationError{Key: k, Reason: fmt.Sprintf("value %v is not a region of interest", v)}
			}
			s.ROI = &r
		case "enum":
			str, ok := v.(string)
			str = strings.ToLower(str)
			if !ok || (str != ShutterRolling && str != ShutterGlobal) {
				return s, &ConfigurationError{Key: k, Reason: fmt.Sprintf("shutter mode %v not %s or %s", v, ShutterRolling, ShutterGlobal)}
			}
			s.ShutterMode = &str
		default:
			return s, &ConfigurationError{Key: k, Reason: "unsupported option"}
		}
	}
	return s, nil
}

func validBinning(b int) bool {
	for _, v := range ValidBinnings {
		if v == b {
			return true
		}
	}
	return false
}

// values will unmarshal to unsized ints or float64 depending on the decoder
func asFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}

func asInt(v interface{}) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		if x != float64(int(x)) {
			return 0, false
		}
		return int(x), true
	}
	return 0, false
}

func asROI(v interface{}) (ROI, bool) {
	switch x := v.(type) {
	case ROI:
		return x, true
	case *ROI:
		if x == nil {
			return ROI{}, false
		}
		return *x, true
	case map[string]interface{}:
		return roiFromMap(func(k string) (interface{}, bool) { e, ok := x[k]; return e, ok })
	case map[interface{}]interface{}:
		// yaml.v2
		return roiFromMap(func(k string) (interface{}, bool) { e, ok := x[k]; return e, ok })
	}
	return ROI{}, false
}

func roiFromMap(get func(string) (interface{}, bool)) (ROI, bool) {
	r := ROI{}
	fields := []struct {
		dst   *int
		names []string
	}{
		{&r.Left, []string{"leftPixel", "left"}},
		{&r.Top, []string{"topPixel", "top"}},
		{&r.Width, []string{"width"}},
		{&r.Height, []string{"height"}},
	}
	for _, f := range fields {
		found := false
		for _, n := range f.names {
			if raw, ok := get(n); ok {
				i, ok := asInt(raw)
				if !ok {
					return r, false
				}
				*f.dst = i
				found = true
				break
			}
		}
		if !found {
			return r, false
		}
	}
	return r, true
}
