package pipeline

// ActionName is the closed set of operations the trigger surface may route
// to. Routing resolves against the static table below; there is no runtime
// registration and no string matching on payload shapes.
type ActionName string

const (
	ActionAnalyze      ActionName = "vigil_analyze"
	ActionAnalyzeScope ActionName = "vigil_analyze_scope"
	ActionScore        ActionName = "vigil_score"
	ActionAlerts       ActionName = "vigil_alerts"
	ActionAck          ActionName = "vigil_ack"
	ActionReview       ActionName = "vigil_review"
	ActionPromote      ActionName = "vigil_promote"
	ActionApply        ActionName = "vigil_apply"
	ActionHelpful      ActionName = "vigil_helpful"
)

// ActionSpec describes one routable action: its name, what it does, and the
// identifier arguments it requires. The MCP layer builds its tool surface
// from this table.
type ActionSpec struct {
	Name        ActionName
	Description string
	// Required names the argument keys a call must carry.
	Required []string
	// Mutating marks actions that write state; read-only surfaces may
	// exclude them.
	Mutating bool
}

// actionTable is built once and read-only thereafter.
var actionTable = []ActionSpec{
	{
		Name:        ActionAnalyze,
		Description: "Run a full risk analysis for one subject and return the scored summary.",
		Required:    []string{"scope_id", "subject_id"},
		Mutating:    true,
	},
	{
		Name:        ActionAnalyzeScope,
		Description: "Analyze every active subject in a scope; subject failures are reported independently.",
		Required:    []string{"scope_id"},
		Mutating:    true,
	},
	{
		Name:        ActionScore,
		Description: "Read a subject's current active composite score and bounded history.",
		Required:    []string{"subject_id"},
	},
	{
		Name:        ActionAlerts,
		Description: "List a scope's unacknowledged alerts.",
		Required:    []string{"scope_id"},
	},
	{
		Name:        ActionAck,
		Description: "Acknowledge one alert and queue its learning candidate.",
		Required:    []string{"alert_id", "acknowledged_by"},
		Mutating:    true,
	},
	{
		Name:        ActionReview,
		Description: "Approve or reject a pending learning queue item.",
		Required:    []string{"item_id", "approve", "reviewer"},
		Mutating:    true,
	},
	{
		Name:        ActionPromote,
		Description: "Open or close a learning's production gate.",
		Required:    []string{"learning_id", "production"},
		Mutating:    true,
	},
	{
		Name:        ActionApply,
		Description: "Apply a production learning, rolling its dimension context to a new version.",
		Required:    []string{"learning_id"},
		Mutating:    true,
	},
	{
		Name:        ActionHelpful,
		Description: "Record that an applied learning improved an outcome.",
		Required:    []string{"learning_id"},
		Mutating:    true,
	},
}

// Actions returns the static action table. The slice is a copy; callers
// cannot mutate the table.
func Actions() []ActionSpec {
	out := make([]ActionSpec, len(actionTable))
	copy(out, actionTable)
	return out
}

// LookupAction resolves name against the table.
func LookupAction(name ActionName) (ActionSpec, bool) {
	for _, a := range actionTable {
		if a.Name == name {
			return a, true
		}
	}
	return ActionSpec{}, false
}
