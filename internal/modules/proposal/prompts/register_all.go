package prompts

func init() { RegisterAll() }

func RegisterAll() {
	// ---------- Preparation ----------

	RegisterSpec(Spec{
		Name:    PromptRequirementExtract,
		Version: 1,
		System: `
You are extracting structured, auditable requirements from a government/commercial RFP.
Every requirement must be grounded in the RFP text. Do not invent requirements.
Return JSON only.`,
		User: `
RFP_TEXT:
{{.RFPText}}

Task:
- Extract every distinct requirement as an object.
- ref: a stable short reference string (e.g. "L.3.1", "C-7"); invent sequential refs ("R-1", "R-2", ...) only when the RFP has no numbering.
- text: the requirement restated in one or two sentences.
- mandatory: true when the RFP uses shall/must/required language.
- volume_number: 1..4, the volume that should answer it (1=technical, 2=management, 3=past performance, 4=cost).
- section: short section hint within the volume, or "".

Output: {"requirements": [{"ref","text","mandatory","volume_number","section"}]}`,
		Validators: []Validator{
			RequireNonEmpty("RFPText", func(in Input) string { return in.RFPText }),
		},
	})

	RegisterSpec(Spec{
		Name:    PromptOutlineBuild,
		Version: 1,
		System: `
You are building a proposal outline that maps every extracted requirement to a target volume and section.
Every requirement ref must appear in exactly one section. Do not drop requirements.
Return JSON only.`,
		User: `
PROPOSAL_TITLE: {{.ProposalTitle}}

VOLUME_LIMITS_JSON (page budgets per volume):
{{.VolumeLimitsJSON}}

REQUIREMENTS_JSON:
{{.RequirementsJSON}}

Task:
- For each volume 1..4 produce an ordered list of sections.
- Each section: {"title", "guidance" (1-2 sentences for the writer), "requirement_refs": [...]}.
- Every requirement ref from REQUIREMENTS_JSON must be assigned to exactly one section in its volume.
- Keep section counts proportional to the volume's page budget.

Output: {"volumes": [{"number", "title", "sections": [...]}]}`,
		Validators: []Validator{
			RequireNonEmpty("RequirementsJSON", func(in Input) string { return in.RequirementsJSON }),
		},
	})

	// ---------- Volume generation ----------

	RegisterSpec(Spec{
		Name:    PromptSectionWrite,
		Version: 1,
		System: `
You are writing one section of a formal proposal volume.
Address every assigned requirement explicitly; a compliance reviewer will score each one.
Write in confident, specific prose. No placeholders, no meta-commentary.
Return the section body as markdown text, no JSON wrapper.`,
		User: `
VOLUME {{.VolumeNumber}}: {{.VolumeTitle}}
SECTION: {{.SectionTitle}}
GUIDANCE: {{.SectionGuidance}}
PAGE_BUDGET_FOR_VOLUME: {{.PageBudget}}
SIBLING_SECTIONS: {{.SiblingTitlesCSV}}

ASSIGNED_REQUIREMENTS_JSON:
{{.SectionReqsJSON}}

Write the full section body. Reference requirement refs inline where addressed (e.g. "(addresses L.3.1)").
Stay within a proportional share of the volume's page budget.`,
		Validators: []Validator{
			RequireNonEmpty("SectionTitle", func(in Input) string { return in.SectionTitle }),
		},
	})

	// ---------- Iteration loop ----------

	RegisterSpec(Spec{
		Name:    PromptVolumeScore,
		Version: 1,
		System: `
You are a strict proposal compliance scorer.
Score the volume 0-100 overall and score each requirement 0-100 individually.
A requirement not addressed at all scores below 50. Partially addressed scores 50-69.
Return JSON only.`,
		User: `
VOLUME {{.VolumeNumber}}: {{.VolumeTitle}}

REQUIREMENTS_JSON (requirements assigned to this volume):
{{.RequirementsJSON}}

VOLUME_CONTENT:
{{.VolumeContent}}

Output:
{"overall_score": 0-100,
 "requirements": [{"ref", "score": 0-100, "rationale": "1 sentence", "gap": "what is missing, or \"\""}]}`,
		Validators: []Validator{
			RequireNonEmpty("VolumeContent", func(in Input) string { return in.VolumeContent }),
			RequireNonEmpty("RequirementsJSON", func(in Input) string { return in.RequirementsJSON }),
		},
	})

	RegisterSpec(Spec{
		Name:    PromptVolumeConsult,
		Version: 1,
		System: `
You are a proposal improvement consultant.
Rank the scoring gaps by priority and estimated score impact.
Issues that appeared in prior iterations and are still unresolved are highest priority.
Return JSON only.`,
		User: `
VOLUME {{.VolumeNumber}}: {{.VolumeTitle}} (iteration {{.IterationNumber}})

SCORE_JSON:
{{.ScoreJSON}}

GAPS_JSON (requirements scoring below threshold):
{{.GapsJSON}}

PRIOR_ISSUES_JSON (issues recorded in earlier iterations; repeats are highest priority):
{{.PriorIssuesJSON}}

Output:
{"summary": "2-3 sentences",
 "ranked_gaps": [{"ref", "priority": 1-N, "repeated": bool, "issue", "suggestion", "estimated_impact": 0-30}]}`,
		Validators: []Validator{
			RequireNonEmpty("GapsJSON", func(in Input) string { return in.GapsJSON }),
		},
	})

	RegisterSpec(Spec{
		Name:    PromptRewriteCompliance,
		Version: 1,
		System: `
You are rewriting a proposal volume to close compliance gaps.
Fix ONLY the ranked gaps and the user's explicit feedback. Where feedback conflicts
with a ranked gap, the user's feedback wins.
Preserve everything that already scores well. Return the full rewritten volume as
markdown text, no JSON wrapper.`,
		User: `
VOLUME {{.VolumeNumber}}: {{.VolumeTitle}}

RANKED_GAPS_JSON:
{{.RankedGapsJSON}}

USER_FEEDBACK (outranks automated suggestions on conflict):
{{.UserFeedback}}

CURRENT_CONTENT:
{{.VolumeContent}}

Rewrite the full volume addressing the gaps and feedback. Keep the section structure.`,
		Validators: []Validator{
			RequireNonEmpty("VolumeContent", func(in Input) string { return in.VolumeContent }),
		},
	})

	RegisterSpec(Spec{
		Name:    PromptRewritePolish,
		Version: 1,
		System: `
You are polishing a rewritten proposal volume for readability and flow.
Do NOT introduce new substantive claims, numbers, or commitments.
Improve transitions, tighten prose, fix tone inconsistencies.
Return the full polished volume as markdown text, no JSON wrapper.`,
		User: `
VOLUME {{.VolumeNumber}}: {{.VolumeTitle}}

DRAFT_CONTENT:
{{.DraftContent}}

Polish the draft. Same structure, same claims, better prose.`,
		Validators: []Validator{
			RequireNonEmpty("DraftContent", func(in Input) string { return in.DraftContent }),
		},
	})
}
