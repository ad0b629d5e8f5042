package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/flowsync/pkg/model"
	"github.com/openfroyo/flowsync/pkg/stores"
)

func newStaleCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stale",
		Short: "Manage stale markers in the config datastore",
	}

	cmd.AddCommand(newStaleMarkCommand(opts))
	cmd.AddCommand(newStaleCountCommand(opts))

	return cmd
}

func newStaleMarkCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mark <path>...",
		Short: "Mark configured flows, groups or meters stale",
		Long: `Replace configured entities by stale markers. The next purge removes them
from the device.`,
		Example: `  flowsync stale mark /nodes/openflow:1/table/0/flow/f1 /nodes/openflow:1/group/7`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd, opts)
			if err != nil {
				return err
			}
			defer store.Close()

			for _, arg := range args {
				marker, err := store.MarkStale(cmd.Context(), model.Path(arg))
				if err != nil {
					return fmt.Errorf("failed to mark %s stale: %w", arg, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), marker)
			}
			return nil
		},
	}
}

func newStaleCountCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "count [device]...",
		Short: "Count the stale markers of devices",
		Long:  `Count the stale markers of the given devices, or of every configured device.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd, opts)
			if err != nil {
				return err
			}
			defer store.Close()

			devices := toDeviceIDs(args)
			if len(devices) == 0 {
				if devices, err = store.ListDevices(cmd.Context(), stores.DatastoreConfig); err != nil {
					return err
				}
			}

			counts := make(map[model.DeviceID]int, len(devices))
			for _, device := range devices {
				n, err := store.CountStale(cmd.Context(), device)
				if err != nil {
					return err
				}
				counts[device] = n
			}

			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), counts)
			}
			for _, device := range devices {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", device, counts[device])
			}
			return nil
		},
	}
}
