package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Load and print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "environment       %s\n", cfg.Environment)
			fmt.Fprintf(out, "settlement asset  %s\n", cfg.SettlementAsset)
			fmt.Fprintf(out, "log level         %s\n", cfg.Logging.Level)

			p := cfg.SlabParams()
			fmt.Fprintf(out, "slab margin       imr=%dbps mmr=%dbps\n", p.IMRBps, p.MMRBps)
			fmt.Fprintf(out, "slab fees         taker=%dbps rebate=%dbps arg=%dbps\n",
				p.TakerFeeBps, p.MakerRebateBps, p.ARGTaxBps)
			fmt.Fprintf(out, "slab kill band    %dbps\n", p.KillBandBps)
			fmt.Fprintf(out, "slab capacities   orders=%d positions=%d holds=%d\n",
				p.OrdersCap, p.PositionsCap, p.ReservationsCap)

			pp := cfg.PortfolioParams()
			fmt.Fprintf(out, "portfolio margin  imr=%dbps mmr=%dbps exposures<=%d\n",
				pp.IMRBps, pp.MMRBps, pp.MaxExposures)

			for _, in := range cfg.Instruments {
				tick, lot, mark, ferr := in.Fixed()
				if ferr != nil {
					return ferr
				}
				fmt.Fprintf(out, "instrument %-10s tick=%d lot=%d mark=%d\n", in.Symbol, tick, lot, mark)
			}
			return nil
		},
	}
}
