package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pcallen/catalogue-harvester/internal/harvest"
	"github.com/pcallen/catalogue-harvester/internal/rank"
)

const checkPingTimeout = 10 * time.Second

// newCheckCmd creates and configures the 'check' subcommand, an
// operational audit of the store and the rank literals inside it.
func newCheckCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verifies store connectivity and audits stored rank literals",
		Long: `Pings the record store, then re-parses every stored rank display
literal in strict mode. Literals that fit none of the recognized rank
shapes are listed, and any finding makes the command fail.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheck(cmd, limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "audit at most this many records (0 audits everything)")
	return cmd
}

func runCheck(cmd *cobra.Command, limit int) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	pingCtx, cancel := context.WithTimeout(cmd.Context(), checkPingTimeout)
	defer cancel()
	if err := a.Store.Ping(pingCtx); err != nil {
		return fmt.Errorf("store ping: %w", err)
	}
	a.Logger.Info("Store reachable.")

	entities, err := a.Store.Find(cmd.Context(), harvest.Query{Limit: limit})
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}

	out := cmd.OutOrStdout()
	var ambiguous, unranked int
	for _, e := range entities {
		display, ok := e.Aux[harvest.AuxRankDisplay].(string)
		if !ok || display == "" {
			if e.Rank == nil {
				unranked++
			}
			continue
		}
		if _, err := rank.Strict(display); err != nil {
			ambiguous++
			fmt.Fprintf(out, "%s\t%s\t%q\n", e.ID, e.Name, display)
		}
	}

	fmt.Fprintf(out, "audited %d records: %d ambiguous rank literals, %d without any rank\n",
		len(entities), ambiguous, unranked)
	if ambiguous > 0 {
		return fmt.Errorf("rank audit found %d ambiguous literal(s)", ambiguous)
	}
	return nil
}
