package commands

import (
	"github.com/spf13/cobra"

	"github.com/openfroyo/flowsync/pkg/engine"
	"github.com/openfroyo/flowsync/pkg/model"
)

func newPurgeCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge <device>...",
		Short: "Remove stale-marked entities from devices",
		Long: `Remove the flows, groups and meters marked stale in the config datastore
from each device, then delete the markers. Flows go first so that no group or
meter is removed while a flow may still reference it.`,
		Example: `  flowsync purge openflow:1
  flowsync purge --dry-run openflow:1 openflow:2`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			rt, err := newRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			runs := make([]*engine.Run, 0, len(args))
			for _, device := range args {
				run, err := rt.dispatcher.Purge(rt.instrument(cmd.Context()), model.DeviceID(device))
				if err != nil {
					return err
				}
				runs = append(runs, run)
			}

			return reportRuns(cmd, opts, rt, runs)
		},
	}

	return cmd
}
