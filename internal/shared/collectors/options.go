package collectors

import (
	"strconv"
	"time"
)

type options struct {
	params   map[string]any
	defaults map[string]any
}

func (o options) lookup(key string) (any, bool) {
	if v, ok := o.params[key]; ok && v != nil {
		return v, true
	}
	v, ok := o.defaults[key]
	return v, ok && v != nil
}

func (o options) String(key, def string) string {
	if v, ok := o.lookup(key); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

func (o options) Int(key string, def int) int {
	v, ok := o.lookup(key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return def
}

func (o options) Bool(key string, def bool) bool {
	v, ok := o.lookup(key)
	if !ok {
		return def
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		if parsed, err := strconv.ParseBool(b); err == nil {
			return parsed
		}
	}
	return def
}

// Duration accepts Go duration strings or a number of seconds.
func (o options) Duration(key string, def time.Duration) time.Duration {
	v, ok := o.lookup(key)
	if !ok {
		return def
	}
	switch d := v.(type) {
	case float64:
		return time.Duration(d * float64(time.Second))
	case int:
		return time.Duration(d) * time.Second
	case string:
		if parsed, err := time.ParseDuration(d); err == nil {
			return parsed
		}
	}
	return def
}

func (o options) Headers(key string) map[string]string {
	headers := make(map[string]string)
	v, ok := o.lookup(key)
	if !ok {
		return headers
	}
	switch h := v.(type) {
	case map[string]any:
		for k, val := range h {
			if s, ok := val.(string); ok {
				headers[k] = s
			}
		}
	case map[string]string:
		for k, val := range h {
			headers[k] = val
		}
	}
	return headers
}
