package cli

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/iambrandonn/plandrive/internal/workflow"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Inspect and scaffold workflow definitions",
}

var workflowInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the built-in workflow to a file for customization",
	Args:  cobra.NoArgs,
	RunE:  runWorkflowInit,
}

var workflowShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the workflow that a run would use",
	Args:  cobra.NoArgs,
	RunE:  runWorkflowShow,
}

var workflowEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open the workflow file in an editor, creating it first if needed",
	Args:  cobra.NoArgs,
	RunE:  runWorkflowEdit,
}

var workflowResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Overwrite the workflow file with the built-in defaults",
	Args:  cobra.NoArgs,
	RunE:  runWorkflowReset,
}

func init() {
	workflowCmd.AddCommand(workflowInitCmd)
	workflowCmd.AddCommand(workflowShowCmd)
	workflowCmd.AddCommand(workflowEditCmd)
	workflowCmd.AddCommand(workflowResetCmd)

	for _, c := range []*cobra.Command{workflowInitCmd, workflowEditCmd, workflowResetCmd} {
		c.Flags().Bool("global", false, "Use the per-user config instead of the project")
	}
}

// workflowFilePath resolves the workflow file targeted by init, edit, and
// reset: the per-user config with --global, the project config otherwise.
func workflowFilePath(cmd *cobra.Command) (string, error) {
	if global, _ := cmd.Flags().GetBool("global"); global {
		dir := workflow.GlobalConfigDir()
		if dir == "" {
			return "", fmt.Errorf("cannot determine home directory for global config")
		}
		return filepath.Join(dir, "workflow.yaml"), nil
	}

	workingDir, err := resolveWorkingDir(cmd)
	if err != nil {
		return "", err
	}
	return filepath.Join(workflow.ProjectConfigDir(workingDir), "workflow.yaml"), nil
}

func runWorkflowInit(cmd *cobra.Command, args []string) error {
	path, err := workflowFilePath(cmd)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("workflow already exists at %s\n\nHint: Edit it in place, or remove it to re-initialize", path)
	}

	if err := workflow.Default().Save(path); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}

func runWorkflowEdit(cmd *cobra.Command, args []string) error {
	path, err := workflowFilePath(cmd)
	if err != nil {
		return err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := workflow.Default().Save(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", path)
	}

	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = "vi"
	}
	parts := strings.Fields(editor)
	edit := exec.Command(parts[0], append(parts[1:], path)...)
	edit.Stdin = os.Stdin
	edit.Stdout = os.Stdout
	edit.Stderr = os.Stderr
	if err := edit.Run(); err != nil {
		return fmt.Errorf("editor %q failed: %w", editor, err)
	}

	wf, err := workflow.Load(path)
	if err != nil {
		return err
	}
	if err := wf.Validate(); err != nil {
		return fmt.Errorf("edited workflow is invalid: %w\n\nHint: Run 'plandrive workflow edit' again to fix it", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Workflow %q at %s is valid\n", wf.Name, path)
	return nil
}

func runWorkflowReset(cmd *cobra.Command, args []string) error {
	path, err := workflowFilePath(cmd)
	if err != nil {
		return err
	}

	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no workflow file at %s\n\nHint: Run 'plandrive workflow init' to create one", path)
	}
	if err := workflow.Default().Save(path); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Reset %s to the built-in workflow\n", path)
	return nil
}

func runWorkflowShow(cmd *cobra.Command, args []string) error {
	workingDir, err := resolveWorkingDir(cmd)
	if err != nil {
		return err
	}

	workflowPath, _ := cmd.Flags().GetString("workflow")
	wf, source, err := workflow.Find(workingDir, workflowPath)
	if err != nil {
		return err
	}
	if source == "" {
		source = "(built-in)"
	}

	data, err := yaml.Marshal(wf)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "# source: %s\n", source)
	out.Write(data)
	return nil
}
