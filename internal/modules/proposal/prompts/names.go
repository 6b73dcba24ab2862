package prompts

type PromptName string

const (
	// Preparation
	PromptRequirementExtract PromptName = "requirement_extract"
	PromptOutlineBuild       PromptName = "outline_build"

	// Volume generation
	PromptSectionWrite PromptName = "section_write"

	// Iteration loop
	PromptVolumeScore       PromptName = "volume_score"
	PromptVolumeConsult     PromptName = "volume_consult"
	PromptRewriteCompliance PromptName = "rewrite_compliance"
	PromptRewritePolish     PromptName = "rewrite_polish"
)
