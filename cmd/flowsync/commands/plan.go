package commands

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/openfroyo/flowsync/pkg/config"
	"github.com/openfroyo/flowsync/pkg/engine"
	"github.com/openfroyo/flowsync/pkg/model"
)

func newPlanCommand(opts *globalOptions) *cobra.Command {
	var (
		installedFile string
		dot           bool
	)

	cmd := &cobra.Command{
		Use:   "plan <snapshot-file>",
		Short: "Show the group installation waves of a snapshot",
		Long: `Resolve the group dependencies of a snapshot into installation waves.

Every group in a wave references only groups installed by earlier waves or
already present on the device. Groups that can never be placed are reported
as a dependency cycle.`,
		Example: `  # Waves for a fresh device
  flowsync plan snapshots/openflow-1.yaml

  # Waves against what the device already has, as a DOT graph
  flowsync plan snapshots/openflow-1.yaml --installed operational.json --dot | dot -Tsvg > plan.svg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewSnapshotLoader()

			desired, err := loader.LoadFile(args[0])
			if err != nil {
				return err
			}

			installed := &model.DeviceConfigSnapshot{Device: desired.Device}
			if installedFile != "" {
				if installed, err = loader.LoadFile(installedFile); err != nil {
					return err
				}
			}

			plan, err := engine.NewGroupDependencyResolver().Resolve(installed.GroupsByID(), desired.Groups)
			if err != nil {
				if engine.IsDependencyCycle(err) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s groups %v cannot be ordered\n",
						color.RedString("dependency cycle:"), engine.StuckGroups(err))
				}
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case opts.jsonOutput:
				return printJSON(out, plan)
			case dot:
				fmt.Fprint(out, plan.ToDOT())
				return nil
			}

			printPlan(out, desired.Device, plan)
			if installedFile != "" {
				printDiff(out, engine.DiffSnapshots(desired, installed))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&installedFile, "installed", "", "snapshot of what the device already has")
	cmd.Flags().BoolVar(&dot, "dot", false, "print the plan as a DOT graph")

	return cmd
}

func printPlan(w io.Writer, device model.DeviceID, plan *engine.Plan) {
	bold := color.New(color.Bold)
	bold.Fprintf(w, "Group plan for %s: %d groups in %d waves\n", device, plan.Len(), plan.Depth())

	for i, wave := range plan.Waves {
		fmt.Fprintf(w, "\n%s\n", color.CyanString("Wave %d", i+1))
		for _, g := range wave.ItemsToAdd {
			fmt.Fprintf(w, "  %s group %d (%s, %d buckets)\n", color.GreenString("+"), g.ID, g.Type, len(g.Buckets))
		}
		for _, c := range wave.ItemsToUpdate {
			fmt.Fprintf(w, "  %s group %d (%s, %d buckets)\n", color.YellowString("~"), c.Updated.ID, c.Updated.Type, len(c.Updated.Buckets))
		}
	}
}

func printDiff(w io.Writer, diff engine.SnapshotDiff) {
	if diff.IsEmpty() {
		fmt.Fprintf(w, "\n%s\n", color.GreenString("Device is in sync"))
		return
	}
	fmt.Fprintf(w, "\n%s\n", color.New(color.Bold).Sprint("Difference to installed state"))
	fmt.Fprintf(w, "  flows:  %s %s %s\n", added(len(diff.Flows.Add)), updated(len(diff.Flows.Update)), removed(len(diff.Flows.Remove)))
	fmt.Fprintf(w, "  groups: %s %s %s\n", added(len(diff.Groups.Add)), updated(len(diff.Groups.Update)), removed(len(diff.Groups.Remove)))
	fmt.Fprintf(w, "  meters: %s %s %s\n", added(len(diff.Meters.Add)), updated(len(diff.Meters.Update)), removed(len(diff.Meters.Remove)))
}

func added(n int) string   { return color.GreenString("+%d", n) }
func updated(n int) string { return color.YellowString("~%d", n) }
func removed(n int) string { return color.RedString("-%d", n) }
