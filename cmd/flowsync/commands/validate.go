package commands

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/flowsync/pkg/config"
	"github.com/openfroyo/flowsync/pkg/model"
	"github.com/openfroyo/flowsync/pkg/policy"
)

func newValidateCommand(opts *globalOptions) *cobra.Command {
	var noPolicy bool

	cmd := &cobra.Command{
		Use:   "validate <snapshot-file|dir>...",
		Short: "Validate snapshot files",
		Long: `Validate YAML, JSON or CUE snapshot files.

This command checks:
  - syntax and unknown fields
  - schema conformance (CUE schema for .cue files, field rules for all)
  - policy compliance (built-in and configured Rego policies)`,
		Example: `  # Validate one file
  flowsync validate snapshots/openflow-1.cue

  # Validate a directory without policies
  flowsync validate --no-policy snapshots/`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			snaps, err := loadSnapshots(config.NewSnapshotLoader(), args)
			if err != nil {
				printValidationErrors(cmd.OutOrStdout(), err)
				return fmt.Errorf("validation failed")
			}

			out := cmd.OutOrStdout()
			if noPolicy {
				for _, snap := range snaps {
					fmt.Fprintf(out, "%s %s\n", color.GreenString("ok"), snap.Device)
				}
				return nil
			}

			eng, err := policy.NewEngine(log.Logger, policy.WithEnvironment(cfg.Observability.Environment))
			if err != nil {
				return err
			}
			if len(cfg.Policy.Paths) > 0 {
				if err := eng.LoadPolicies(cmd.Context(), cfg.Policy.Paths); err != nil {
					return err
				}
			}

			results := make([]*policy.Result, 0, len(snaps))
			denied := 0
			for _, snap := range snaps {
				result, err := eng.Evaluate(cmd.Context(), snap)
				if err != nil {
					return err
				}
				results = append(results, result)
				if !result.Allowed {
					denied++
				}
			}

			if opts.jsonOutput {
				if err := printJSON(out, results); err != nil {
					return err
				}
			} else {
				for _, result := range results {
					printPolicyResult(out, result)
				}
			}

			if denied > 0 {
				return fmt.Errorf("%d of %d snapshots denied by policy", denied, len(results))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noPolicy, "no-policy", false, "skip policy evaluation")

	return cmd
}

// loadSnapshots loads every file named, and every snapshot file of every
// directory named.
func loadSnapshots(loader *config.SnapshotLoader, paths []string) ([]*model.DeviceConfigSnapshot, error) {
	var snaps []*model.DeviceConfigSnapshot
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			loaded, err := loader.LoadDir(path)
			if err != nil {
				return nil, err
			}
			snaps = append(snaps, loaded...)
			continue
		}
		snap, err := loader.LoadFile(path)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func printValidationErrors(w io.Writer, err error) {
	var verrs config.ValidationErrors
	if !errors.As(err, &verrs) {
		fmt.Fprintf(w, "%s %v\n", color.RedString("error:"), err)
		return
	}
	for _, e := range verrs {
		fmt.Fprintf(w, "%s %s\n", color.RedString("error:"), e.Error())
	}
}

func printPolicyResult(w io.Writer, result *policy.Result) {
	status := color.GreenString("ok")
	if !result.Allowed {
		status = color.RedString("denied")
	}
	fmt.Fprintf(w, "%s %s\n", status, result.Device)
	for _, v := range result.Violations {
		fmt.Fprintf(w, "  %s [%s] %s: %s\n", color.RedString(string(v.Severity)), v.Policy, v.Entity, v.Message)
	}
	for _, v := range result.Warnings {
		fmt.Fprintf(w, "  %s [%s] %s: %s\n", color.YellowString(string(v.Severity)), v.Policy, v.Entity, v.Message)
	}
}
