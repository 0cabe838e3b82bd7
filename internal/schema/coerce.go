package schema

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"

	"ecm/internal/model"
)

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseDate accepts RFC 3339 timestamps and plain dates.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.NotValidf("date %q", s)
}

func coerce(f *Field, v any) (any, error) {
	v = model.Normalize(v)
	if v == nil {
		return nil, nil
	}
	switch f.kind {
	case String:
		switch x := v.(type) {
		case string:
			return x, nil
		case int64:
			return strconv.FormatInt(x, 10), nil
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64), nil
		case bool:
			return strconv.FormatBool(x), nil
		}
	case Long:
		switch x := v.(type) {
		case int64:
			return x, nil
		case float64:
			if x == math.Trunc(x) {
				return int64(x), nil
			}
		case json.Number:
			return x.Int64()
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
			if err == nil {
				return n, nil
			}
		}
	case Double:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		case json.Number:
			return x.Float64()
		case string:
			n, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err == nil {
				return n, nil
			}
		}
	case Boolean:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(x))
			if err == nil {
				return b, nil
			}
		}
	case Date:
		switch x := v.(type) {
		case time.Time:
			return x, nil
		case int64:
			return time.UnixMilli(x).UTC(), nil
		case string:
			return ParseDate(x)
		}
	case Blob:
		switch x := v.(type) {
		case *model.Blob:
			return x, nil
		case map[string]any:
			return model.BlobFromMap(x)
		}
	case Complex:
		m, ok := v.(map[string]any)
		if !ok {
			break
		}
		out := make(map[string]any, len(m))
		for k, e := range m {
			c := f.Child(k)
			if c == nil {
				return nil, errors.NotFoundf("field %q", k)
			}
			ce, err := coerce(c, e)
			if err != nil {
				return nil, errors.Annotatef(err, "field %q", k)
			}
			out[k] = ce
		}
		return out, nil
	case List:
		l, ok := v.([]any)
		if !ok {
			break
		}
		out := make([]any, len(l))
		for i, e := range l {
			ce, err := coerce(f.Item, e)
			if err != nil {
				return nil, errors.Annotatef(err, "element %d", i)
			}
			out[i] = ce
		}
		return out, nil
	}
	return nil, errors.NotValidf("%T value for %s field", v, f.kind)
}
