package prompts

// Input is a superset of all fields any prompt might need.
// Missing fields render empty strings (templates use missingkey=zero).
type Input struct {
	// Intake
	RFPText       string
	ProposalTitle string

	// Requirements + outline
	RequirementsJSON string
	VolumeLimitsJSON string

	// Section writing
	VolumeNumber     int
	VolumeTitle      string
	SectionTitle     string
	SectionGuidance  string
	SectionReqsJSON  string
	PageBudget       int
	SiblingTitlesCSV string

	// Scoring + consulting
	VolumeContent     string
	ScoreJSON         string
	GapsJSON          string
	PriorIssuesJSON   string
	IterationNumber   int

	// Rewrite
	RankedGapsJSON string
	UserFeedback   string
	DraftContent   string
}
