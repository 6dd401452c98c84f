package audit

import "strings"

// Redacted replaces masked values.
const Redacted = "[REDACTED]"

// DefaultSensitiveFields are masked when no field list is configured.
var DefaultSensitiveFields = []string{
	"password", "secret", "token", "api_key", "authorization",
	"email", "phone", "card_number", "iban", "ssn",
}

// FieldMasker redacts values whose key matches a sensitive field name,
// case-insensitively and at any depth of nested maps and slices.
type FieldMasker struct {
	fields map[string]struct{}
	// entities whose whole diff is sensitive, e.g. "payment_method"
	restricted map[string]struct{}
}

func NewFieldMasker(fields []string, restrictedEntities ...string) *FieldMasker {
	if len(fields) == 0 {
		fields = DefaultSensitiveFields
	}
	m := &FieldMasker{
		fields:     make(map[string]struct{}, len(fields)),
		restricted: make(map[string]struct{}, len(restrictedEntities)),
	}
	for _, f := range fields {
		m.fields[strings.ToLower(strings.TrimSpace(f))] = struct{}{}
	}
	for _, e := range restrictedEntities {
		m.restricted[e] = struct{}{}
	}
	return m
}

func (m *FieldMasker) Mask(entity string, before, after map[string]any) (map[string]any, map[string]any) {
	if _, ok := m.restricted[entity]; ok {
		return redactAll(before), redactAll(after)
	}
	return m.maskMap(before), m.maskMap(after)
}

func (m *FieldMasker) maskMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if _, sensitive := m.fields[strings.ToLower(k)]; sensitive {
			out[k] = Redacted
			continue
		}
		out[k] = m.maskValue(v)
	}
	return out
}

func (m *FieldMasker) maskValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return m.maskMap(val)
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, item := range val {
			if _, sensitive := m.fields[strings.ToLower(k)]; sensitive {
				out[k] = Redacted
				continue
			}
			out[k] = item
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(val))
		for i, item := range val {
			out[i] = m.maskMap(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = m.maskValue(item)
		}
		return out
	default:
		return v
	}
}

// redactAll keeps the keys so a reader can see what changed, never the values.
func redactAll(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k := range in {
		out[k] = Redacted
	}
	return out
}
