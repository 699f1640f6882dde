package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"grimm.is/vmlink/internal/store"
)

func newVMCommand() *cobra.Command {
	vmCmd := &cobra.Command{
		Use:   "vm",
		Short: "Manage the VM inventory",
	}

	addCmd := &cobra.Command{
		Use:   "add <vm-id>",
		Short: "Register a VM so its agent endpoint is accepted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, _ := cmd.Flags().GetString("description")
			return withStore(cmd, func(ctx context.Context, st *store.Store) error {
				if err := st.PutVM(ctx, args[0], desc); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", args[0])
				return nil
			})
		},
	}
	addCmd.Flags().StringP("description", "d", "", "Free-form description")

	rmCmd := &cobra.Command{
		Use:     "rm <vm-id>",
		Aliases: []string{"remove"},
		Short:   "Remove a VM from the inventory",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, st *store.Store) error {
				if err := st.DeleteVM(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
				return nil
			})
		},
	}

	lsCmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List registered VMs",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, st *store.Store) error {
				vms, err := st.ListVMs(ctx)
				if err != nil {
					return err
				}
				if vms == nil {
					vms = []store.VM{}
				}
				if done, err := p.structured(vms); done {
					return err
				}
				w := tabwriter.NewWriter(p.out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tADDED\tDESCRIPTION")
				for _, vm := range vms {
					fmt.Fprintf(w, "%s\t%s\t%s\n", vm.ID, vm.AddedAt.Format(time.RFC3339), vm.Description)
				}
				return w.Flush()
			})
		},
	}

	vmCmd.AddCommand(addCmd, rmCmd, lsCmd)
	return vmCmd
}

// withStore opens the configured database for the duration of fn.
func withStore(cmd *cobra.Command, fn func(context.Context, *store.Store) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	st, err := store.Open(store.DefaultOptions(cfg.Database))
	if err != nil {
		return err
	}
	defer st.Close()

	return fn(commandContext(cmd), st)
}
