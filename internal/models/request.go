package models

// RequestOptions tunes content acquisition and evidence handling per request
type RequestOptions struct {
	PreferredStrategy string   `json:"preferredStrategy,omitempty" validate:"omitempty,oneof=static_fetch browser_render browser_js hybrid"`
	ChainType         string   `json:"chainType,omitempty" validate:"omitempty,oneof=fast quality balanced cost_optimized robust"`
	EmergencyFallback *bool    `json:"emergencyFallback,omitempty"`
	AllowedPII        []string `json:"allowedPII,omitempty"`
}

// BudgetRequest is the optional budget override on a request
type BudgetRequest struct {
	Tokens int `json:"tokens,omitempty" validate:"omitempty,min=1"`
	TimeMS int `json:"time,omitempty" validate:"omitempty,min=1"`
}

// Request is the single typed ingress shape. Legacy aliases are translated
// at the edge before reaching the pipeline.
type Request struct {
	URL      string         `json:"url" validate:"required,url,startswith=http"`
	Query    string         `json:"query" validate:"required,min=3"`
	Mode     ExtractionMode `json:"mode,omitempty" validate:"omitempty,oneof=strict soft"`
	MaxPages int            `json:"maxPages,omitempty" validate:"omitempty,min=1"`
	Budget   *BudgetRequest `json:"budget,omitempty"`
	Options  RequestOptions `json:"options,omitempty"`
}

// AllowsPII reports whether the request opted into raw evidence for a class
func (o RequestOptions) AllowsPII(class string) bool {
	for _, c := range o.AllowedPII {
		if c == class {
			return true
		}
	}
	return false
}
