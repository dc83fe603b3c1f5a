package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/percolata/percolator/internal/marketdata"
	"github.com/percolata/percolator/internal/slab/book"
	"github.com/percolata/percolator/internal/slab/engine"
	"github.com/percolata/percolator/internal/wire"
	"github.com/percolata/percolator/pkg/fixed"
)

// simulate runs a scripted single-slab session: a maker quotes both sides,
// a taker reserves and commits against the ask, and the resulting book,
// tape and account states are printed.
func newSimulateCmd(opts *rootOptions) *cobra.Command {
	var qty float64
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a scripted single-slab trading session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			log, err := opts.logger()
			if err != nil {
				return err
			}
			defer log.Sync()

			session := uuid.New()
			log.Info("starting simulated session", zap.String("session", session.String()))

			s, err := engine.New(cfg.SlabParams(), log)
			if err != nil {
				return err
			}
			feed := marketdata.NewFeed(0)
			s.SetObserver(feed)

			symbol, tick, lot, mark := "BTC-PERP", uint64(1), uint64(1), uint64(100*fixed.Scale)
			if len(cfg.Instruments) > 0 {
				in := cfg.Instruments[0]
				symbol = in.Symbol
				if tick, lot, mark, err = in.Fixed(); err != nil {
					return err
				}
			}
			now := time.Now().UnixMilli()
			instr, err := s.Book().AddInstrument(symbol, tick, lot, mark, now)
			if err != nil {
				return err
			}

			maker, err := s.CreateAccount("maker")
			if err != nil {
				return err
			}
			taker, err := s.CreateAccount("taker")
			if err != nil {
				return err
			}
			collateral := 100 * mark
			if err = s.Deposit(maker, collateral); err != nil {
				return err
			}
			if err = s.Deposit(taker, collateral); err != nil {
				return err
			}

			tradeQty := uint64(qty * float64(fixed.Scale))
			if lot > 0 {
				tradeQty -= tradeQty % lot
			}
			spread, err := fixed.ApplyBps(mark, 10)
			if err != nil {
				return err
			}
			if _, err = s.PostOrder(maker, instr, book.Buy, book.ClassDLP, mark-spread, 10*tradeQty, now); err != nil {
				return err
			}
			if _, err = s.PostOrder(maker, instr, book.Sell, book.ClassDLP, mark+spread, 10*tradeQty, now); err != nil {
				return err
			}

			// The taker leg goes through the wire codec and dispatcher,
			// the same path an external client takes.
			disp := wire.NewSlabDispatcher(s, cfg.SlabParams().Insurance.Authority)
			payload, err := wire.EncodeSlab(wire.Reserve{
				Instrument: instr, Side: wire.SideBuy, Qty: tradeQty,
			})
			if err != nil {
				return err
			}
			dres, err := disp.Dispatch(payload, taker, now)
			if err != nil {
				return err
			}
			res := dres.Hold
			log.Info("hold placed",
				zap.Uint64("hold_id", res.HoldID),
				zap.String("vwap", fixed.ToDecimal(res.VWAP).String()),
				zap.Int64("expiry_ts", res.ExpiryTs))

			payload, err = wire.EncodeSlab(wire.Commit{HoldID: res.HoldID})
			if err != nil {
				return err
			}
			dres, err = disp.Dispatch(payload, taker, now+50)
			if err != nil {
				return err
			}
			cr := dres.Commit

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session    %s\n", session)
			fmt.Fprintf(out, "executed   %s %s @ %s (fee %s)\n",
				fixed.ToDecimal(cr.Qty), symbol,
				fixed.ToDecimal(cr.VWAP), fixed.ToDecimal(cr.TakerFee))

			snap, err := marketdata.Depth(s, instr, 5)
			if err != nil {
				return err
			}
			for _, lvl := range snap.Asks {
				fmt.Fprintf(out, "ask  %12s  %s\n", fixed.ToDecimal(lvl.Price), fixed.ToDecimal(lvl.Qty))
			}
			for _, lvl := range snap.Bids {
				fmt.Fprintf(out, "bid  %12s  %s\n", fixed.ToDecimal(lvl.Price), fixed.ToDecimal(lvl.Qty))
			}
			for _, tr := range feed.Tape() {
				fmt.Fprintf(out, "trade %s @ %s taker=%s\n",
					fixed.ToDecimal(tr.Qty), fixed.ToDecimal(tr.Price), tr.TakerSide)
			}

			m, err := s.Margin(taker)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "taker equity %s (im %s, mm %s)\n",
				fixed.SignedToDecimal(m.Equity), fixed.ToDecimal(m.InitialMargin), fixed.ToDecimal(m.MaintenanceMargin))
			return nil
		},
	}
	cmd.Flags().Float64VarP(&qty, "qty", "q", 1.0, "trade quantity in base units")
	return cmd
}
