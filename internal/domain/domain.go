package domain

// IssueType labels one category of QA finding. The values are the report
// vocabulary and appear verbatim in the IssueType column.
type IssueType string

const (
	IssueNull     IssueType = "NULL Value"
	IssueDup      IssueType = "Duplicate Value"
	IssueDomain   IssueType = "Invalid Domain Value"
	IssueGeometry IssueType = "Missing Geometry"
)

// Finding is one discovered QA issue. FieldName is empty for geometry
// findings; InvalidValue may be null.
type Finding struct {
	IssueType    IssueType `json:"issue_type"`
	FieldName    string    `json:"field_name,omitempty"`
	ObjectID     int64     `json:"object_id"`
	InvalidValue Value     `json:"invalid_value"`
	Notes        string    `json:"notes,omitempty"`
}

// Record is one feature: its attributes plus whether a geometry is attached.
// Records are never mutated after fetch.
type Record struct {
	ObjectID    int64            `json:"object_id"`
	Attrs       map[string]Value `json:"attrs"`
	HasGeometry bool             `json:"has_geometry"`
}

// CodedDomain restricts a field to a fixed set of valid codes.
type CodedDomain struct {
	Name  string  `json:"name,omitempty"`
	Codes []Value `json:"codes"`
}

// FieldDef is one field definition from the layer schema.
type FieldDef struct {
	Name     string       `json:"name"`
	Type     string       `json:"type,omitempty"`
	Alias    string       `json:"alias,omitempty"`
	Nullable bool         `json:"nullable"`
	Domain   *CodedDomain `json:"domain,omitempty"`
}

// Schema describes a feature layer: its fields in declaration order plus the
// system-managed key field.
type Schema struct {
	LayerName     string     `json:"layer_name"`
	ObjectIDField string     `json:"object_id_field"`
	Fields        []FieldDef `json:"fields"`
}

// FieldPolicy is the derived validation configuration for one field. The zero
// value is the policy for unknown fields: not required, not excluded from
// duplicate checking, no domain.
type FieldPolicy struct {
	Name        string  `json:"name"`
	Required    bool    `json:"required"`
	DupExcluded bool    `json:"duplicate_excluded"`
	DomainCodes []Value `json:"domain_codes,omitempty"`

	domainKeys map[string]struct{}
}

// HasDomain reports whether the field carries a coded-value domain.
func (p FieldPolicy) HasDomain() bool { return len(p.DomainCodes) > 0 }

// InDomain reports whether v matches one of the coded values. Comparison is
// exact and type-tagged: a number never matches a text code.
func (p FieldPolicy) InDomain(v Value) bool {
	if p.domainKeys == nil {
		return false
	}
	_, ok := p.domainKeys[v.Key()]
	return ok
}

// PolicySet holds one FieldPolicy per field, preserving schema field order so
// every pass over the policies is deterministic.
type PolicySet struct {
	ordered []FieldPolicy
	byName  map[string]FieldPolicy
}

// NewPolicySet builds a PolicySet from policies in the given order.
func NewPolicySet(policies []FieldPolicy) PolicySet {
	byName := make(map[string]FieldPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		if p.HasDomain() {
			keys := make(map[string]struct{}, len(p.DomainCodes))
			for _, c := range p.DomainCodes {
				keys[c.Key()] = struct{}{}
			}
			p.domainKeys = keys
			policies[i] = p
		}
		byName[p.Name] = p
	}
	return PolicySet{ordered: policies, byName: byName}
}

// Fields returns the policies in schema order.
func (s PolicySet) Fields() []FieldPolicy { return s.ordered }

// Lookup returns the policy for a field. Unknown fields get the zero policy.
func (s PolicySet) Lookup(name string) FieldPolicy {
	if p, ok := s.byName[name]; ok {
		return p
	}
	return FieldPolicy{Name: name}
}

// Len returns the number of fields covered.
func (s PolicySet) Len() int { return len(s.ordered) }

// Run is one recorded QA pass over a layer.
type Run struct {
	ID           string `json:"id"`
	LayerID      string `json:"layer_id"`
	LayerName    string `json:"layer_name,omitempty"`
	RecordCount  int    `json:"record_count"`
	FindingCount int    `json:"finding_count"`
	Status       string `json:"status" enum:"running,completed,failed"`
	StartedAt    string `json:"started_at" format:"date-time"`
	FinishedAt   string `json:"finished_at,omitempty" format:"date-time"`
	ReportPath   string `json:"report_path,omitempty"`
}

// Event is one entry in the run event log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
