package cli

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"lms-progress-service/internal/app"
	"lms-progress-service/internal/config"
	"lms-progress-service/internal/platform/logger"
)

// NewDiagnoseCmd runs a read-only integrity scan and prints the report.
func NewDiagnoseCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose",
		Short: "Scan for course progress rollups that disagree with unit completions",
		RunE: func(cmd *cobra.Command, args []string) error {
			integrity, cleanup, err := buildIntegrity(cmd, *configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := integrity.DiagnoseInconsistencies(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
}

// NewRepairCmd repairs every inconsistent rollup, snapshotting first.
func NewRepairCmd(configPath *string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Repair inconsistent rollups, keeping pre-repair snapshots under an audit id",
		RunE: func(cmd *cobra.Command, args []string) error {
			integrity, cleanup, err := buildIntegrity(cmd, *configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := integrity.RepairAll(cmd.Context(), reason)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual repair", "reason recorded with the audit snapshots")
	return cmd
}

func buildIntegrity(cmd *cobra.Command, configPath string) (*app.IntegrityService, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return nil, nil, err
	}

	deps, err := buildServices(cmd.Context(), cfg, log)
	if err != nil {
		log.Sync()
		return nil, nil, err
	}
	cleanup := func() {
		deps.cleanup()
		log.Sync()
	}
	return app.NewIntegrityService(deps.store, deps.progress, log), cleanup, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
