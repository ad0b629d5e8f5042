package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/openfroyo/flowsync/pkg/engine"
	"github.com/openfroyo/flowsync/pkg/model"
	"github.com/openfroyo/flowsync/pkg/transports/dryrun"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func toDeviceIDs(args []string) []model.DeviceID {
	devices := make([]model.DeviceID, len(args))
	for i, a := range args {
		devices[i] = model.DeviceID(a)
	}
	return devices
}

func outcomeString(o engine.Outcome) string {
	switch o {
	case engine.OutcomeSucceeded:
		return color.GreenString(string(o))
	case engine.OutcomeFailed:
		return color.RedString(string(o))
	default:
		return color.YellowString(string(o))
	}
}

func printRuns(w io.Writer, runs []*engine.Run) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tKIND\tSTRATEGY\tOUTCOME\tDURATION\tFLOWS\tGROUPS\tMETERS\tSTARTED")
	for _, run := range runs {
		if run == nil {
			continue
		}
		s := run.Summary
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t+%d ~%d -%d\t+%d ~%d -%d\t+%d ~%d -%d\t%s\n",
			run.Device, run.Kind, run.Strategy, outcomeString(run.Outcome), run.Duration.Round(time.Millisecond),
			s.FlowsAdded, s.FlowsUpdated, s.FlowsRemoved,
			s.GroupsAdded, s.GroupsUpdated, s.GroupsRemoved,
			s.MetersAdded, s.MetersUpdated, s.MetersRemoved,
			run.StartedAt.Format("2006-01-02 15:04:05"))
	}
	_ = tw.Flush()
}

func printRun(w io.Writer, run *engine.Run) {
	s := run.Summary
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Run:\t%s\n", run.ID)
	fmt.Fprintf(tw, "Device:\t%s\n", run.Device)
	fmt.Fprintf(tw, "Kind:\t%s\n", run.Kind)
	if run.Strategy != "" {
		fmt.Fprintf(tw, "Strategy:\t%s\n", run.Strategy)
	}
	fmt.Fprintf(tw, "Outcome:\t%s\n", outcomeString(run.Outcome))
	fmt.Fprintf(tw, "Started:\t%s\n", run.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "Duration:\t%s\n", run.Duration.Round(time.Millisecond))
	fmt.Fprintf(tw, "Flows:\t+%d ~%d -%d\n", s.FlowsAdded, s.FlowsUpdated, s.FlowsRemoved)
	fmt.Fprintf(tw, "Groups:\t+%d ~%d -%d\n", s.GroupsAdded, s.GroupsUpdated, s.GroupsRemoved)
	fmt.Fprintf(tw, "Meters:\t+%d ~%d -%d\n", s.MetersAdded, s.MetersUpdated, s.MetersRemoved)
	if s.ForcedGroups > 0 || s.CyclesDetected > 0 {
		fmt.Fprintf(tw, "Forced groups:\t%s\n", color.YellowString("%d", s.ForcedGroups))
		fmt.Fprintf(tw, "Dependency cycles:\t%s\n", color.YellowString("%d", s.CyclesDetected))
	}
	_ = tw.Flush()
}

func printOperations(w io.Writer, ops []dryrun.Operation) {
	if len(ops) == 0 {
		return
	}
	fmt.Fprintln(w, color.CyanString("Device operations (dry run):"))
	for _, op := range ops {
		fmt.Fprintf(w, "  %s\n", op)
	}
}
