package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskmesh/taskmesh/internal/accesscode"
	"github.com/taskmesh/taskmesh/internal/store"
)

var accessCodeCmd = &cobra.Command{
	Use:   "accesscode",
	Short: "Manage worker onboarding access codes",
	Long: `Manage the single-use access codes that gate worker onboarding when
require_access_codes is enabled. Codes live in the manager's store, so
run these commands against the same data_dir the daemon uses.`,
}

var accessCodeCount int

var accessCodeMintCmd = &cobra.Command{
	Use:   "mint",
	Short: "Mint fresh single-use access codes",
	Long: `Mint fresh codes and print them one per line, ready to hand to worker
operators.

Example:
  taskmesh accesscode mint -n 10`,
	RunE: runAccessCodeMint,
}

var accessCodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List access codes and their consumption state",
	RunE:  runAccessCodeList,
}

var accessCodeImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import codes from a newline-delimited file",
	Long: `Import operator-supplied codes, one per line. Blank lines and lines
starting with '#' are skipped; codes already in the store keep their
consumption state.`,
	Args: cobra.ExactArgs(1),
	RunE: runAccessCodeImport,
}

func init() {
	rootCmd.AddCommand(accessCodeCmd)
	accessCodeCmd.AddCommand(accessCodeMintCmd)
	accessCodeCmd.AddCommand(accessCodeListCmd)
	accessCodeCmd.AddCommand(accessCodeImportCmd)

	accessCodeMintCmd.Flags().IntVarP(&accessCodeCount, "count", "n", 1, "number of codes to mint")
}

func openStore() (store.Store, error) {
	st, err := store.NewSqliteStore(cfg.StorePath())
	if err != nil {
		return nil, fmt.Errorf("opening store at %s: %w", cfg.StorePath(), err)
	}
	return st, nil
}

func runAccessCodeMint(_ *cobra.Command, _ []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	codes, err := accesscode.Mint(st, accessCodeCount)
	if err != nil {
		return fmt.Errorf("minting access codes: %w", err)
	}
	for _, code := range codes {
		fmt.Println(code)
	}
	return nil
}

func runAccessCodeList(_ *cobra.Command, _ []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	records, err := accesscode.List(st)
	if err != nil {
		return fmt.Errorf("listing access codes: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("no access codes")
		return nil
	}
	for _, rec := range records {
		state := "unused"
		if rec.Consumed() {
			state = fmt.Sprintf("consumed by %s at %s", rec.ConsumedBy, rec.ConsumedAt.Format(time.RFC3339))
		}
		fmt.Printf("%s  %s\n", rec.Code, state)
	}
	return nil
}

func runAccessCodeImport(_ *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	added, err := accesscode.ImportFile(st, args[0])
	if err != nil {
		return fmt.Errorf("importing access codes: %w", err)
	}
	fmt.Printf("imported %d new codes\n", added)
	return nil
}
