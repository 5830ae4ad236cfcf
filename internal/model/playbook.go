package model

// PlaybookTrigger declares the event condition that activates a playbook.
// Condition is an opaque expression string evaluated by upstream tooling;
// the engine treats it as documentation.
type PlaybookTrigger struct {
	EventType string `yaml:"event_type" json:"event_type"`
	Condition string `yaml:"condition" json:"condition"`
}

// PlaybookApprovals declares the roles that must approve bounded actions
// before they commit. An empty list means auto-approve.
type PlaybookApprovals struct {
	RequiredRoles []string `yaml:"required_roles" json:"required_roles"`
}

// PlaybookGuards groups a playbook's guardrail declarations.
type PlaybookGuards struct {
	Approvals PlaybookApprovals `yaml:"approvals" json:"approvals"`
}

// PlaybookAction is a template descriptor for an action the playbook may
// produce.
type PlaybookAction struct {
	Function BusinessFunction `yaml:"function" json:"function"`
	Type     ActionType       `yaml:"type" json:"type"`
	Params   map[string]any   `yaml:"params,omitempty" json:"params,omitempty"`
}

// PlaybookMetadata carries optional presentation fields.
type PlaybookMetadata struct {
	RationaleTemplate string `yaml:"rationale_template,omitempty" json:"rationale_template,omitempty"`
	ImpactAssessment  string `yaml:"impact_assessment,omitempty" json:"impact_assessment,omitempty"`
}

// PlaybookSpec is a named policy specification bounding and gating a set
// of business actions. Loaded from one YAML definition file per playbook;
// cached by name, invalidated explicitly.
type PlaybookSpec struct {
	Playbook   string             `yaml:"playbook" json:"playbook"`
	Triggers   []PlaybookTrigger  `yaml:"triggers,omitempty" json:"triggers,omitempty"`
	Guards     PlaybookGuards     `yaml:"guards" json:"guards"`
	Parameters map[string]float64 `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Actions    []PlaybookAction   `yaml:"actions,omitempty" json:"actions,omitempty"`
	Metadata   *PlaybookMetadata  `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Guardrail maxima keys recognized by the policy engine.
const (
	ParamMaxAdjustPOReductionPct = "max_adjust_po_reduction_pct"
	ParamMaxBudgetReallocPct     = "max_budget_realloc_pct"
	ParamQuotaAdjustmentCap      = "quota_adjustment_cap"
)

// PolicyDecision is the result of evaluating recommended actions against
// a playbook. BoundedActions are copies; the input actions are never
// mutated. Approved is true iff RequiredRoles is empty.
type PolicyDecision struct {
	Approved       bool               `json:"approved"`
	RequiredRoles  []string           `json:"required_roles"`
	BoundedActions []ActionDescriptor `json:"bounded_actions"`
}
