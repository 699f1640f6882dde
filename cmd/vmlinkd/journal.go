package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"grimm.is/vmlink/internal/store"
)

func newJournalCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recorded agent and connection events",
		Args:  cobra.NoArgs,
		RunE:  runJournal,
	}
	cmd.Flags().String("vm", "", "Only events for this VM")
	cmd.Flags().String("type", "", "Only events of this type (e.g. agent.telemetry)")
	cmd.Flags().Duration("since", 0, "Only events newer than this")
	cmd.Flags().IntP("limit", "n", 50, "Maximum number of events")
	return cmd
}

func runJournal(cmd *cobra.Command, _ []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	q := store.Query{}
	q.VMID, _ = cmd.Flags().GetString("vm")
	q.Type, _ = cmd.Flags().GetString("type")
	q.Limit, _ = cmd.Flags().GetInt("limit")
	if since, _ := cmd.Flags().GetDuration("since"); since > 0 {
		q.Since = time.Now().Add(-since)
	}

	return withStore(cmd, func(ctx context.Context, st *store.Store) error {
		entries, err := st.Events(ctx, q)
		if err != nil {
			return err
		}
		if entries == nil {
			entries = []store.Entry{}
		}
		if done, err := p.structured(entries); done {
			return err
		}
		w := tabwriter.NewWriter(p.out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tVM\tTYPE\tDATA")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.VMID, e.Type, e.Data)
		}
		return w.Flush()
	})
}
