package toolkit

import "fmt"

// ValidateInput checks args against a declared input schema of the
// map[string]any JSON Schema shape tools register with. Coverage is the
// subset the dispatcher needs: required fields must be present and declared
// property types must match. A nil schema accepts anything.
func ValidateInput(schema map[string]any, args map[string]any) *Error {
	if schema == nil {
		return nil
	}

	if required, ok := schema["required"].([]string); ok {
		for _, field := range required {
			if _, present := args[field]; !present {
				return Validationf("missing required field: %s", field)
			}
		}
	} else if required, ok := schema["required"].([]any); ok {
		for _, f := range required {
			field, _ := f.(string)
			if _, present := args[field]; field != "" && !present {
				return Validationf("missing required field: %s", field)
			}
		}
	}

	properties, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil
	}
	for field, raw := range properties {
		value, present := args[field]
		if !present || value == nil {
			continue
		}
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		declared, ok := prop["type"].(string)
		if !ok {
			continue
		}
		if err := checkType(field, declared, value); err != nil {
			return err
		}
	}
	return nil
}

func checkType(field, declared string, value any) *Error {
	ok := true
	switch declared {
	case "string":
		_, ok = value.(string)
	case "number":
		ok = isNumber(value)
	case "integer":
		switch v := value.(type) {
		case int, int32, int64:
		case float64:
			ok = v == float64(int64(v))
		default:
			ok = false
		}
	case "boolean":
		_, ok = value.(bool)
	case "object":
		_, ok = value.(map[string]any)
	case "array":
		_, ok = value.([]any)
	}
	if !ok {
		return Validationf("field %s: expected %s, got %s", field, declared, typeName(value))
	}
	return nil
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int32, int64:
		return true
	}
	return false
}

func typeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int32, int64:
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}
