package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/percolata/percolator/internal/router/custody"
)

func newAddressesCmd() *cobra.Command {
	var (
		user  string
		asset string
		slab  uint32
		nonce uint64
	)
	cmd := &cobra.Command{
		Use:   "addresses",
		Short: "Print the deterministic record addresses for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "registry   %s\n", custody.RegistryAddress().Hex())
			fmt.Fprintf(out, "vault      %s\n", custody.VaultAddress(asset).Hex())
			fmt.Fprintf(out, "slab       %s\n", custody.SlabAddress(slab).Hex())
			fmt.Fprintf(out, "insurance  %s\n", custody.InsuranceAddress(slab).Hex())
			if user != "" {
				fmt.Fprintf(out, "portfolio  %s\n", custody.PortfolioAddress(user).Hex())
				fmt.Fprintf(out, "escrow     %s\n", custody.EscrowAddress(user, slab, asset).Hex())
				fmt.Fprintf(out, "capability %s\n", custody.CapabilityAddress(user, slab, asset, nonce).Hex())
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id for portfolio/escrow/capability addresses")
	cmd.Flags().StringVarP(&asset, "asset", "a", "USDC", "settlement asset")
	cmd.Flags().Uint32VarP(&slab, "slab", "s", 0, "slab index")
	cmd.Flags().Uint64VarP(&nonce, "nonce", "n", 1, "capability nonce")
	return cmd
}
