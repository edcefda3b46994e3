package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskmesh/taskmesh/internal/identity"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a manager identity seed",
	Long: `Generate a fresh 32-byte identity seed. The seed derives both the
libp2p peer identity and the payment signing key, so workers can pin
the manager by peer id and verify its payout signatures.

Put the seed in the config file under private_key to keep a stable
identity across restarts. Without one the manager generates an
ephemeral seed on every start.`,
	RunE: runKeygen,
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}

func runKeygen(_ *cobra.Command, _ []string) error {
	id, err := identity.Generate()
	if err != nil {
		return fmt.Errorf("generating identity: %w", err)
	}
	fmt.Printf("seed:        %s\n", id.SeedHex())
	fmt.Printf("peer id:     %s\n", id.PeerID)
	fmt.Printf("signing key: %s\n", id.PublicKeyHex())
	return nil
}
