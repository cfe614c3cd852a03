package strategy

import (
	"fmt"

	"trading-controller/internal/store"
)

func intParam(params map[string]any, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("param %s: %v is not a whole number", key, v)
		}
		return int(n), nil
	}
	return 0, fmt.Errorf("param %s: expected a number, got %T", key, v)
}

func clockParam(params map[string]any, key, def string) (int, error) {
	s := def
	if v, ok := params[key]; ok {
		str, ok := v.(string)
		if !ok {
			return 0, fmt.Errorf("param %s: expected HH:MM, got %T", key, v)
		}
		s = str
	}
	return store.ParseClock(s)
}

func floatParam(params map[string]any, key string, def float64) (float64, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("param %s: expected a number, got %T", key, v)
}

func stringParam(params map[string]any, key, def string) (string, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("param %s: expected a string, got %T", key, v)
	}
	return s, nil
}
