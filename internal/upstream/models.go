package upstream

import "github.com/lanniny/grok2api/internal/store"

// Model maps a client-facing model name to the upstream identity it is
// served by, plus the quota dimension it draws from.
type Model struct {
	ID                   string     // name clients send and /v1/models lists
	UpstreamName         string     // modelName field sent upstream
	Mode                 string     // modelMode field sent upstream
	Tier                 store.Tier // quota dimension this model consumes
	Image                bool       // generates media instead of prose
	RequiresUnrestricted bool       // needs the unrestricted capability tag on the credential
}

// Probe targets for the rate-limits endpoint, one per quota dimension.
const (
	ProbeModelDefault = "grok-3"
	ProbeModelHeavy   = "grok-4-heavy"
)

var modelTable = []Model{
	{ID: "grok-3", UpstreamName: "grok-3", Mode: "MODEL_MODE_AUTO", Tier: store.TierStandard},
	{ID: "grok-4", UpstreamName: "grok-4", Mode: "MODEL_MODE_EXPERT", Tier: store.TierStandard},
	{ID: "grok-4-fast", UpstreamName: "grok-4-mini-thinking-tahoe", Mode: "MODEL_MODE_FAST", Tier: store.TierStandard},
	{ID: "grok-4-heavy", UpstreamName: "grok-4-heavy", Mode: "MODEL_MODE_HEAVY", Tier: store.TierPremium},
	{ID: "grok-imagine-0.9", UpstreamName: "grok-imagine-0.9", Mode: "MODEL_MODE_AUTO", Tier: store.TierPremium, Image: true, RequiresUnrestricted: true},
}

// LookupModel resolves a client model name.
func LookupModel(name string) (Model, bool) {
	for _, m := range modelTable {
		if m.ID == name {
			return m, true
		}
	}
	return Model{}, false
}

// Models returns the table in listing order.
func Models() []Model {
	out := make([]Model, len(modelTable))
	copy(out, modelTable)
	return out
}
