package engine

import (
	"fmt"

	"layerqa/internal/domain"
)

// SchemaError means the layer's field metadata is malformed. It is fatal:
// checks never run against partial policies.
type SchemaError struct {
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("malformed layer schema: %s", e.Reason)
}

// ResolvePolicies derives one FieldPolicy per schema field. A field is
// required when the schema marks it non-nullable and it is not the layer's
// system-managed key. Domain codes come from the field's coded-value domain.
// The exclusion list names fields exempt from duplicate checking.
func ResolvePolicies(schema domain.Schema, dupExclude []string) (domain.PolicySet, error) {
	excluded := make(map[string]struct{}, len(dupExclude))
	for _, f := range dupExclude {
		excluded[f] = struct{}{}
	}
	policies := make([]domain.FieldPolicy, 0, len(schema.Fields))
	for i, f := range schema.Fields {
		if f.Name == "" {
			return domain.PolicySet{}, &SchemaError{Reason: fmt.Sprintf("field %d has no name", i)}
		}
		p := domain.FieldPolicy{
			Name:     f.Name,
			Required: !f.Nullable && f.Name != schema.ObjectIDField,
		}
		if _, ok := excluded[f.Name]; ok {
			p.DupExcluded = true
		}
		if f.Domain != nil {
			p.DomainCodes = append(p.DomainCodes, f.Domain.Codes...)
		}
		policies = append(policies, p)
	}
	return domain.NewPolicySet(policies), nil
}
