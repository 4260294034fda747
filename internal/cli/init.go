package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/imkarma/relay/internal/audit"
	"github.com/imkarma/relay/internal/config"
	"github.com/imkarma/relay/internal/state"
	"github.com/imkarma/relay/internal/store"
)

var initVerify string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize relay in the current repository",
	Long:  "Creates a .relay/ directory with default config, an empty task store, the audit log and the state database.",
	RunE:  runInit,
}

func init() {
	initCmd.Flags().StringVar(&initVerify, "verify", "", "Shell command that verifies a change (default: go test ./...)")
}

func runInit(cmd *cobra.Command, args []string) error {
	root, err := projectRoot()
	if err != nil {
		return err
	}
	dir := relayPath(root)

	// Check if already initialized.
	if _, err := os.Stat(relayPath(root, "config.yaml")); err == nil {
		return fmt.Errorf("relay already initialized (%s exists)", dir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	// Keep relay's own files out of task commits and git status.
	if err := os.WriteFile(relayPath(root, ".gitignore"), []byte("*\n"), 0644); err != nil {
		return fmt.Errorf("write .gitignore: %w", err)
	}

	cfg := config.DefaultConfig()
	if initVerify != "" {
		cfg.Verify = config.Command{Cmd: "sh", Args: []string{"-c", initVerify}, TimeoutSec: cfg.Verify.TimeoutSec}
	}
	if err := config.Save(relayPath(root, "config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	if _, err := store.New(relayPath(root, "tasks.json"), store.WithRepoRoot(root)); err != nil {
		return fmt.Errorf("create task store: %w", err)
	}
	if _, err := audit.Open(relayPath(root, "audit.jsonl")); err != nil {
		return fmt.Errorf("create audit log: %w", err)
	}
	st, err := state.New(relayPath(root, "state.db"))
	if err != nil {
		return fmt.Errorf("create state database: %w", err)
	}
	st.Close()

	fmt.Printf("Initialized relay in %s\n", dir)
	fmt.Println("")
	fmt.Println("Next steps:")
	fmt.Println("  1. Edit .relay/config.yaml to set verify, review and generator")
	fmt.Println("  2. Run: relay task add --title \"...\" --change-set edits.json")
	fmt.Println("  3. Run: relay start")

	return nil
}
