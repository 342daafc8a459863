package domain

// Activity is one planned R&D activity in the application.
type Activity struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Duration    string `json:"duration"`
	Hours       int    `json:"hours"`
}

// CostBreakdown summarizes the financial side of the application.
// NetCosts is always LaborCosts - Deduction.
type CostBreakdown struct {
	TotalHours int     `json:"totalHours"`
	LaborCosts float64 `json:"laborCosts"`
	Deduction  float64 `json:"deduction"`
	NetCosts   float64 `json:"netCosts"`
}

// GrantApplication is the final structured document produced for a session.
type GrantApplication struct {
	ProjectDescription string        `json:"projectDescription"`
	TechnicalChallenge string        `json:"technicalChallenge"`
	InnovativeAspects  string        `json:"innovativeAspects"`
	ExpectedResults    string        `json:"expectedResults"`
	Activities         []Activity    `json:"activities"`
	CostBreakdown      CostBreakdown `json:"costBreakdown"`
}

// Normalize enforces internal consistency on the breakdown so that
// NetCosts always equals LaborCosts - Deduction, whatever the model returned.
func (a *GrantApplication) Normalize() {
	total := 0
	for _, act := range a.Activities {
		total += act.Hours
	}
	if a.CostBreakdown.TotalHours == 0 {
		a.CostBreakdown.TotalHours = total
	}
	a.CostBreakdown.NetCosts = a.CostBreakdown.LaborCosts - a.CostBreakdown.Deduction
}
