package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cleanReason string

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Lift the dirty-tree quarantine after manual inspection",
	Long: `When a rollback fails relay marks the working tree dirty and refuses
to run further cycles. Restore the tree by hand, then record why it is
safe again with --reason.`,
	Args: cobra.NoArgs,
	RunE: runClean,
}

func init() {
	cleanCmd.Flags().StringVarP(&cleanReason, "reason", "r", "", "What was done to restore the tree (required)")
	_ = cleanCmd.MarkFlagRequired("reason")
}

func runClean(cmd *cobra.Command, args []string) error {
	e, err := mustEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	r, err := e.runner()
	if err != nil {
		return err
	}
	ts, err := r.Dirty()
	if err != nil {
		return err
	}
	if !ts.Dirty {
		fmt.Println("Working tree is not quarantined.")
		return nil
	}
	if err := r.ClearDirty(cleanReason); err != nil {
		return err
	}
	fmt.Printf("%sCleared dirty flag%s on %s (was: %s)\n", colorGreen, colorReset, ts.Tree, ts.Reason)
	return nil
}
