package workflow

// Default returns the built-in implementation-loop workflow: implement one
// phase, verify it, refresh the plan summary, commit, then clear the session
// so the next phase starts with fresh context.
func Default() *Workflow {
	return &Workflow{
		Name:        "Implementation Loop",
		Version:     1,
		Description: "Default plandrive workflow for plan implementation",
		Steps: []Step{
			{
				Name:   "implement",
				Type:   StepAgent,
				Stream: true,
				Prompt: `Read @${plan_path} and implement ONLY the next incomplete phase (marked as "pending" or "in progress").
Do not implement multiple phases - stop after completing one phase.
Ensure to stop for any manual verification items listed in the phase.
Update the phase status to "complete" when done.`,
			},
			{
				Name:   "verify",
				Type:   StepAgent,
				Stream: true,
				Prompt: `Run the tests and any verification commands the plan lists for the phase
you just implemented. Spin up services and exercise endpoints where that is
the only way to check the work. Report success/failure with details.`,
				StopOn: []string{"manual verification", "needs human review"},
			},
			{
				Name:   "update_summary",
				Type:   StepAgent,
				Stream: true,
				Prompt: `Update the summary at the top of the plan (${plan_path}) so the next
session can understand and continue. Include:
- Current progress percentage
- What was completed this session
- What's next`,
			},
			{
				Name:        "commit",
				Type:        StepShell,
				SkipIfClean: true,
				Commands: []string{
					"git add -A",
					"git commit -m \"{commit_message}\"",
					"git push",
				},
			},
			{
				Name:   "clear",
				Type:   StepInternal,
				Action: ActionClearSession,
			},
		},
	}
}
