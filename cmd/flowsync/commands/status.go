package commands

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/openfroyo/flowsync/pkg/engine"
	"github.com/openfroyo/flowsync/pkg/model"
	"github.com/openfroyo/flowsync/pkg/stores"
)

// statusOutput is the store status reported by the status command.
type statusOutput struct {
	Healthy       bool           `json:"healthy"`
	Error         string         `json:"error,omitempty"`
	SchemaVersion uint           `json:"schema_version"`
	SchemaDirty   bool           `json:"schema_dirty"`
	Devices       []deviceStatus `json:"devices"`
}

type deviceStatus struct {
	Device      model.DeviceID `json:"device"`
	Configured  bool           `json:"configured"`
	Operational bool           `json:"operational"`
	Stale       int            `json:"stale"`
	LastRun     *engine.Run    `json:"last_run,omitempty"`
}

func newStatusCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the store and per-device reconciliation status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd, opts)
			if err != nil {
				return err
			}
			defer store.Close()

			status, err := collectStatus(cmd, store)
			if err != nil {
				return err
			}

			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), status)
			}
			printStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
}

func collectStatus(cmd *cobra.Command, store *stores.SQLiteStore) (*statusOutput, error) {
	ctx := cmd.Context()
	status := &statusOutput{Healthy: true}

	if err := store.HealthCheck(ctx); err != nil {
		status.Healthy = false
		status.Error = err.Error()
		return status, nil
	}

	version, dirty, err := store.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	status.SchemaVersion, status.SchemaDirty = version, dirty

	configured, err := store.ListDevices(ctx, stores.DatastoreConfig)
	if err != nil {
		return nil, err
	}
	operational, err := store.ListDevices(ctx, stores.DatastoreOperational)
	if err != nil {
		return nil, err
	}

	byDevice := make(map[model.DeviceID]*deviceStatus)
	var order []model.DeviceID
	entry := func(device model.DeviceID) *deviceStatus {
		d, ok := byDevice[device]
		if !ok {
			d = &deviceStatus{Device: device}
			byDevice[device] = d
			order = append(order, device)
		}
		return d
	}
	for _, device := range configured {
		entry(device).Configured = true
	}
	for _, device := range operational {
		entry(device).Operational = true
	}

	for _, device := range order {
		d := byDevice[device]
		if d.Configured {
			if d.Stale, err = store.CountStale(ctx, device); err != nil {
				return nil, err
			}
		}
		runs, err := store.ListRuns(ctx, device, 1, 0)
		if err != nil {
			return nil, err
		}
		if len(runs) > 0 {
			d.LastRun = runs[0]
		}
		status.Devices = append(status.Devices, *d)
	}

	return status, nil
}

func printStatus(w io.Writer, status *statusOutput) {
	if !status.Healthy {
		fmt.Fprintf(w, "Store:   %s\n", color.RedString("unhealthy"))
		fmt.Fprintf(w, "         Error: %s\n", color.RedString(status.Error))
		return
	}

	schema := fmt.Sprintf("v%d", status.SchemaVersion)
	if status.SchemaDirty {
		schema += " " + color.YellowString("(dirty)")
	}
	fmt.Fprintf(w, "Store:   %s\n", color.GreenString("healthy"))
	fmt.Fprintf(w, "Schema:  %s\n", schema)
	fmt.Fprintf(w, "Devices: %d\n\n", len(status.Devices))

	if len(status.Devices) == 0 {
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tCONFIG\tOPERATIONAL\tSTALE\tLAST RUN")
	for _, d := range status.Devices {
		last := color.YellowString("never")
		if d.LastRun != nil {
			last = fmt.Sprintf("%s %s", d.LastRun.Kind, outcomeString(d.LastRun.Outcome))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", d.Device, yesNo(d.Configured), yesNo(d.Operational), d.Stale, last)
	}
	_ = tw.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
