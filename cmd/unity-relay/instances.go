package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newInstancesCmd() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "instances",
		Short: "List editor instances connected to the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := flags.newClient()
			defer c.Close()

			instances, err := c.ListInstances(cmd.Context())
			if err != nil {
				return err
			}
			if len(instances) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no instances connected")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INSTANCE\tPROJECT\tUNITY\tSTATUS\tDEFAULT\tQUEUE")
			for _, inst := range instances {
				def := ""
				if inst.IsDefault {
					def = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
					inst.InstanceID, inst.ProjectName, inst.UnityVersion, inst.Status, def, inst.QueueSize)
			}
			return w.Flush()
		},
	}

	flags.register(cmd)
	return cmd
}

func newSetDefaultCmd() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "set-default <instance-id>",
		Short: "Set the relay's default editor instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := flags.newClient()
			defer c.Close()

			if err := c.SetDefault(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "default instance set to %s\n", args[0])
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}
