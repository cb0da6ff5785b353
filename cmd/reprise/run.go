package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ormasoftchile/reprise/pkg/engine"
	"github.com/ormasoftchile/reprise/pkg/heal"
	"github.com/ormasoftchile/reprise/pkg/plan"
	"github.com/ormasoftchile/reprise/pkg/schema"
	"github.com/ormasoftchile/reprise/pkg/surface"
	"github.com/ormasoftchile/reprise/pkg/trace"
)

var (
	runVars        []string
	runPromptCmd   string
	runInteractive bool
	runTracePath   string
	runJSON        bool
	runHeadless    bool
	runChromePath  string
	runDownloadDir string
	runNoHeal      bool
	runCaptureLog  string
	runSaveHealed  string
)

var planCmd = &cobra.Command{
	Use:   "plan [recipe.yaml]",
	Short: "Resolve a recipe's variables without executing it",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlan,
}

var runCmd = &cobra.Command{
	Use:   "run [recipe.yaml]",
	Short: "Execute a recipe",
	Long: `Execute a recipe: resolve variables into a plan, then replay every
step on the browser or HTTP surface it was captured on.

Secrets are read from REPRISE_SECRET_<NAME> environment variables (a .env
file in the working directory is loaded first). Prompted variables use
--prompt-cmd when given, or --interactive for terminal prompts.

When a browser step fails, the self-healing engine tries selector
rediscovery and then a manual re-capture pause; a successful heal writes a
version-incremented copy of the recipe.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	for _, c := range []*cobra.Command{planCmd, runCmd} {
		c.Flags().StringArrayVar(&runVars, "var", nil, "Set a variable (key=value), repeatable")
		c.Flags().StringVar(&runPromptCmd, "prompt-cmd", "", "Command to run for prompted variables (prompt on stdin, value on stdout)")
		c.Flags().BoolVar(&runInteractive, "interactive", false, "Prompt for unresolved variables on the terminal")
	}

	runCmd.Flags().StringVar(&runTracePath, "trace", "", "Append run events to this JSONL file")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the run report as JSON")
	runCmd.Flags().BoolVar(&runHeadless, "headless", true, "Run the browser headless")
	runCmd.Flags().StringVar(&runChromePath, "chrome", "", "Path to the Chrome/Chromium binary")
	runCmd.Flags().StringVar(&runDownloadDir, "download-dir", "", "Directory for downloaded files (overrides the recipe)")
	runCmd.Flags().BoolVar(&runNoHeal, "no-heal", false, "Disable self-healing; the first failure aborts the run")
	runCmd.Flags().StringVar(&runCaptureLog, "capture-log", "", "JSONL event log the capture tool appends to (enables manual re-capture)")
	runCmd.Flags().StringVar(&runSaveHealed, "save-healed", "", "Path for the healed recipe copy (default: alongside the original)")
}

func parseVarFlags(flags []string) (map[string]string, error) {
	vars := make(map[string]string)
	for _, v := range flags {
		parts := strings.SplitN(v, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid --var %q: expected key=value", v)
		}
		vars[parts[0]] = parts[1]
	}
	return vars, nil
}

func buildPlanOptions(vars map[string]string, tw *trace.Writer) plan.Options {
	opts := plan.Options{
		Values: vars,
		Vault:  envVault{},
		Trace:  tw,
	}
	switch {
	case runPromptCmd != "":
		opts.Prompter = &execPrompter{command: runPromptCmd}
	case runInteractive:
		opts.Prompter = &terminalPrompter{}
	}
	return opts
}

func runPlan(cmd *cobra.Command, args []string) error {
	rec, errs := schema.ValidateFile(args[0])
	if hasValidationErrors(errs) {
		return fmt.Errorf("recipe validation failed")
	}
	printValidationWarnings(errs)

	vars, err := parseVarFlags(runVars)
	if err != nil {
		return err
	}

	p, err := plan.Build(cmd.Context(), rec, buildPlanOptions(vars, nil))
	if err != nil {
		return fmt.Errorf("plan: %w", err)
	}

	fmt.Printf("%s v%d — resolved at %s\n\n", rec.Name, rec.Version,
		p.ResolvedAt.Format("2006-01-02 15:04:05"))
	for name, val := range p.Vars {
		if isSecretValue(p, val) {
			val = "<secret>"
		}
		fmt.Printf("  %-20s %s\n", name, val)
	}
	for _, w := range p.Warnings {
		fmt.Fprintf(os.Stderr, "  ⚠ %s\n", w)
	}
	if !p.Executable() {
		return fmt.Errorf("plan has unresolved variables: %s", strings.Join(p.Unresolved, ", "))
	}
	fmt.Printf("\n%d steps ready to run\n", len(p.Steps))
	return nil
}

func isSecretValue(p *plan.Plan, val string) bool {
	for _, s := range p.SecretValues {
		if s == val {
			return true
		}
	}
	return false
}

func runRun(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	rec, errs := schema.ValidateFile(filePath)
	if hasValidationErrors(errs) {
		fmt.Fprintf(os.Stderr, "Validation failed:\n")
		for _, e := range errs {
			if e.Severity != "warning" {
				fmt.Fprintf(os.Stderr, "  [%s] %s\n", e.Phase, e.Message)
			}
		}
		return fmt.Errorf("recipe validation failed")
	}
	printValidationWarnings(errs)

	vars, err := parseVarFlags(runVars)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	var tw *trace.Writer
	if runTracePath != "" {
		tw, err = trace.NewFileWriter(runTracePath, runID)
		if err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	p, planErr := plan.Build(ctx, rec, buildPlanOptions(vars, tw))
	if planErr != nil {
		report := engine.NewReport(rec, nil, planErr)
		tw.EmitRunComplete(false, "plan", 0, planErr.Error())
		return renderReport(report)
	}
	tw.SetSecrets(p.SecretValues)

	if !p.Executable() {
		report := engine.NewReport(rec, p, fmt.Errorf("unresolved variables: %s", strings.Join(p.Unresolved, ", ")))
		return renderReport(report)
	}

	var healer *heal.Engine
	if !runNoHeal {
		cfg := heal.Config{Recipe: rec, Trace: tw}
		if runPromptCmd != "" {
			cfg.Prompter = &execPrompter{command: runPromptCmd}
		}
		if runCaptureLog != "" {
			cfg.Recorder = &heal.FileRecorder{Path: runCaptureLog}
			cfg.Continuation = &heal.StdinContinuation{}
		}
		healer = heal.New(cfg)
	}

	runnerCfg := engine.Config{
		Recipe:      rec,
		Plan:        p,
		Trace:       tw,
		DownloadDir: runDownloadDir,
		Browser: surface.BrowserConfig{
			Headless:   runHeadless,
			ChromePath: runChromePath,
		},
	}
	if healer != nil {
		runnerCfg.Healer = healer
	}
	runner := engine.New(runnerCfg)

	fmt.Printf("Run ID: %s\n", runID)
	runErr := runner.Run(ctx)

	report := engine.NewReport(rec, p, runErr)
	report.Extracted = runner.Extracted
	if healer != nil && healer.Healed() {
		report.Healed = true
		if err := saveHealed(healer, filePath); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not save healed recipe: %v\n", err)
		}
	}
	return renderReport(report)
}

// saveHealed writes the patched, version-incremented recipe copy.
func saveHealed(healer *heal.Engine, originalPath string) error {
	patched := healer.PatchedRecipe()
	if patched == nil {
		return nil
	}
	target := runSaveHealed
	if target == "" {
		ext := filepath.Ext(originalPath)
		target = strings.TrimSuffix(originalPath, ext) + ".healed" + ext
	}
	if err := schema.Save(target, patched); err != nil {
		return err
	}
	fmt.Printf("  Healed recipe: %s (v%d)\n", target, patched.Version)
	return nil
}

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func renderReport(report engine.RunReport) error {
	if runJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(report)
	} else {
		status := okStyle.Render("✓ success")
		if !report.Success {
			status = failStyle.Render("✗ failed")
		}
		fmt.Printf("\n%s  %s v%d %s\n", status, report.Recipe, report.Version,
			dimStyle.Render("("+report.Phase+" phase)"))
		for _, w := range report.Warnings {
			fmt.Printf("  ⚠ %s\n", w)
		}
		for id, text := range report.Extracted {
			fmt.Printf("  %s: %s\n", id, text)
		}
		if report.Healed {
			fmt.Printf("  %s\n", okStyle.Render("recipe healed"))
		}
		if report.Error != "" {
			fmt.Printf("  %s\n", failStyle.Render(report.Error))
		}
	}
	if !report.Success {
		os.Exit(1)
	}
	return nil
}

// envVault reads secrets from REPRISE_SECRET_<NAME> environment variables.
// Save only updates the process environment; persistent stores plug in via
// the same interface.
type envVault struct{}

func (envVault) key(name string) string {
	return "REPRISE_SECRET_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

func (v envVault) Load(ctx context.Context, recipeID, name string) (string, bool, error) {
	val, ok := os.LookupEnv(v.key(name))
	return val, ok, nil
}

func (v envVault) Save(ctx context.Context, recipeID, name, plaintext string) error {
	return os.Setenv(v.key(name), plaintext)
}

// execPrompter pipes the prompt into an external command and returns its
// output. Used for prompted variables and Phase-1 selector suggestions.
type execPrompter struct {
	command string
}

func (p *execPrompter) Run(ctx context.Context, prompt string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", p.command)
	cmd.Stdin = strings.NewReader(prompt)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("prompt command: %w", err)
	}
	return string(out), nil
}

// terminalPrompter asks on the terminal with line editing.
type terminalPrompter struct{}

func (terminalPrompter) Run(ctx context.Context, prompt string) (string, error) {
	fmt.Println(prompt)
	rl, err := readline.New("  value: ")
	if err != nil {
		return "", err
	}
	defer rl.Close()
	line, err := rl.Readline()
	if err != nil {
		return "", err
	}
	return line, nil
}
