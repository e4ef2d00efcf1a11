// Package suggest drafts brand lift survey questions for a study context.
package suggest

import (
	"strings"

	"brandlift/api/internal/store"
)

// Context is the study information suggestions are derived from.
type Context struct {
	FunnelStage   string   `json:"funnelStage"`
	PrimaryKPI    string   `json:"primaryKpi"`
	SecondaryKPIs []string `json:"secondaryKpis"`
	CampaignName  string   `json:"campaignName"`
}

// Question is a draft the caller may materialize through the authoring API.
type Question struct {
	Text           string   `json:"text"`
	Type           string   `json:"type"`
	KPIAssociation string   `json:"kpiAssociation,omitempty"`
	Options        []string `json:"options"`
}

type template struct {
	text    string
	typ     store.QuestionType
	options []string
}

var agreementScale = []string{"Very likely", "Somewhat likely", "Neither likely nor unlikely", "Somewhat unlikely", "Very unlikely"}

var catalog = map[string][]template{
	store.KPIBrandAwareness: {
		{text: "Which of the following brands have you heard of?", typ: store.MultipleChoice, options: []string{"{brand}", "A competitor brand", "Another brand in this category", "None of these"}},
	},
	store.KPIAdRecall: {
		{text: "Do you recall seeing an online ad for {brand} in the last two weeks?", typ: store.SingleChoice, options: []string{"Yes", "No", "Not sure"}},
	},
	store.KPIConsideration: {
		{text: "How likely are you to consider {brand} the next time you shop in this category?", typ: store.SingleChoice, options: agreementScale},
	},
	store.KPIFavorability: {
		{text: "How would you describe your overall opinion of {brand}?", typ: store.SingleChoice, options: []string{"Very favorable", "Somewhat favorable", "Neutral", "Somewhat unfavorable", "Very unfavorable"}},
	},
	store.KPIPurchaseIntent: {
		{text: "How likely are you to purchase from {brand} in the next 30 days?", typ: store.SingleChoice, options: agreementScale},
	},
	store.KPIBrandPreference: {
		{text: "If you were buying in this category today, which brand would you choose first?", typ: store.SingleChoice, options: []string{"{brand}", "A competitor brand", "Another brand", "No preference"}},
	},
	store.KPIMessageAssociation: {
		{text: "Which brand do you most associate with the message in this campaign?", typ: store.SingleChoice, options: []string{"{brand}", "A competitor brand", "Another brand", "Not sure"}},
	},
}

var funnelDefaults = map[string][]string{
	store.FunnelAwareness:     {store.KPIBrandAwareness, store.KPIAdRecall},
	store.FunnelConsideration: {store.KPIConsideration, store.KPIFavorability},
	store.FunnelConversion:    {store.KPIPurchaseIntent, store.KPIBrandPreference},
}

// Baseline returns catalog questions for the primary KPI, then secondaries,
// then the funnel stage defaults. Each KPI contributes at most once.
func Baseline(c Context) []Question {
	brand := strings.TrimSpace(c.CampaignName)
	if brand == "" {
		brand = "this brand"
	}

	order := make([]string, 0, 2+len(c.SecondaryKPIs))
	order = append(order, c.PrimaryKPI)
	order = append(order, c.SecondaryKPIs...)
	order = append(order, funnelDefaults[strings.ToLower(strings.TrimSpace(c.FunnelStage))]...)

	seen := make(map[string]bool, len(order))
	out := make([]Question, 0, len(order))
	for _, kpi := range order {
		kpi = strings.ToUpper(strings.TrimSpace(kpi))
		if seen[kpi] || !store.IsKPI(kpi) {
			continue
		}
		seen[kpi] = true
		for _, tmpl := range catalog[kpi] {
			out = append(out, tmpl.render(kpi, brand))
		}
	}
	return out
}

func (t template) render(kpi, brand string) Question {
	options := make([]string, len(t.options))
	for i, option := range t.options {
		options[i] = strings.ReplaceAll(option, "{brand}", brand)
	}
	return Question{
		Text:           strings.ReplaceAll(t.text, "{brand}", brand),
		Type:           string(t.typ),
		KPIAssociation: kpi,
		Options:        options,
	}
}
