package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/orcflow/internal/db"
	"github.com/randalmurphal/orcflow/internal/orchestrator"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		projectRef string
		rawArgs    []string
		req        orchestrator.Request
	)
	cmd := &cobra.Command{
		Use:   "run <definition>",
		Short: "Run a workflow in the foreground",
		Long: `Reload the registry, then run a workflow definition to completion.

Arguments are passed as --arg key=value and converted to the types the
workflow declares. Isolation defaults to the workflow's own choice:
  --mode stay       run in the project checkout
  --mode branch     check out a fresh branch (--branch, --base)
  --mode worktree   run in a separate worktree (--worktree)

An interrupted run resumes from its last completed step on the next
'orcflow serve'.`,
		Example: `  orcflow run deploy --arg env=staging
  orcflow run refactor --mode worktree --worktree refactor-1 --preserve`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			runArgs, err := parseRunArgs(rawArgs)
			if err != nil {
				return err
			}

			svc, err := a.openServices(ctx)
			if err != nil {
				return err
			}
			defer closeWith(&err, svc)

			p, err := resolveProject(ctx, svc.store, projectRef)
			if err != nil {
				return err
			}
			diff, err := svc.registry.Reload(ctx)
			if err != nil {
				return err
			}
			a.logger.Debug("registry loaded", "version", diff.Version, "errors", len(diff.Errors))

			req.ProjectID = p.ID
			req.DefinitionID = args[0]
			req.Args = runArgs
			req.TriggeredBy = "cli"
			req.Wait = true

			run, runErr := svc.orch.Trigger(ctx, req)
			if run == nil {
				return runErr
			}
			if a.jsonOut {
				if err := writeJSON(a.out, run); err != nil {
					return err
				}
			} else {
				printRun(a.out, a.styles, run)
			}
			if runErr != nil {
				return runErr
			}
			if run.Status != db.RunCompleted {
				return fmt.Errorf("run %s ended %s", run.ID, run.Status)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&projectRef, "project", "p", "", "project id or path (default: current repository)")
	f.StringArrayVar(&rawArgs, "arg", nil, "workflow argument as key=value (repeatable)")
	f.StringVar(&req.Mode, "mode", "", "isolation mode: stay, branch or worktree")
	f.StringVar(&req.Branch, "branch", "", "branch to create for branch or worktree mode")
	f.StringVar(&req.BaseBranch, "base", "", "base branch (default: current branch)")
	f.StringVar(&req.WorktreeName, "worktree", "", "worktree name")
	f.BoolVar(&req.Preserve, "preserve", false, "keep the branch or worktree after the run")
	return cmd
}

// parseRunArgs turns key=value pairs into run args. Values stay strings;
// the workflow's declared types convert them.
func parseRunArgs(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, kv := range pairs {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --arg %q: expected key=value", kv)
		}
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("--arg %s given more than once", key)
		}
		out[key] = value
	}
	return out, nil
}

func printRun(w io.Writer, st styles, run *db.WorkflowRun) {
	fmt.Fprintf(w, "%s %s %s\n", st.Title.Render(run.ID), run.DefinitionID, st.status(string(run.Status)))
	if run.Workspace != "" {
		fmt.Fprintf(w, "  workspace: %s\n", run.Workspace)
	}
	if run.BranchName != "" {
		fmt.Fprintf(w, "  branch:    %s\n", run.BranchName)
	}
	if run.CurrentPhase != "" {
		fmt.Fprintf(w, "  phase:     %s\n", run.CurrentPhase)
	}
	if run.StartedAt != nil && run.CompletedAt != nil {
		fmt.Fprintf(w, "  took:      %s\n", run.CompletedAt.Sub(*run.StartedAt).Round(time.Millisecond))
	}
	if run.ErrorMessage != "" {
		fmt.Fprintf(w, "  %s %s\n", st.Error.Render("error:"), run.ErrorMessage)
	}
}
