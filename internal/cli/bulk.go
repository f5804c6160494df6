package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"lms-progress-service/internal/app"
	"lms-progress-service/internal/config"
	"lms-progress-service/internal/domain"
	"lms-progress-service/internal/platform/logger"
)

// NewBulkCmd groups the admin bulk operations. Every subcommand snapshots the
// affected rows under a backup id before mutating anything.
func NewBulkCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bulk",
		Short: "Admin bulk operations over user course progress",
	}
	cmd.AddCommand(newBulkAssignCmd(configPath))
	cmd.AddCommand(newBulkResetCmd(configPath))
	cmd.AddCommand(newBulkCompleteCmd(configPath))
	return cmd
}

func newBulkAssignCmd(configPath *string) *cobra.Command {
	var (
		users  []string
		course string
		reason string
	)
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign a course to users who do not have it yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			if course == "" || len(users) == 0 {
				return fmt.Errorf("--course and --users are required")
			}
			bulk, cleanup, err := buildBulk(cmd, *configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := bulk.BulkAssignCourses(cmd.Context(), users, course, reason)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringSliceVar(&users, "users", nil, "user ids to assign")
	cmd.Flags().StringVar(&course, "course", "", "course id")
	cmd.Flags().StringVar(&reason, "reason", "bulk assignment", "reason recorded with the backup snapshots")
	return cmd
}

func newBulkResetCmd(configPath *string) *cobra.Command {
	var (
		targets []string
		reason  string
	)
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete unit progress and rollups for user:course pairs",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseTargets(targets)
			if err != nil {
				return err
			}
			bulk, cleanup, err := buildBulk(cmd, *configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := bulk.BulkResetProgress(cmd.Context(), parsed, reason)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringSliceVar(&targets, "targets", nil, "user:course pairs to reset")
	cmd.Flags().StringVar(&reason, "reason", "bulk reset", "reason recorded with the backup snapshots")
	return cmd
}

func newBulkCompleteCmd(configPath *string) *cobra.Command {
	var (
		targets []string
		reason  string
	)
	cmd := &cobra.Command{
		Use:   "mark-complete",
		Short: "Mark every unit of a course completed for user:course pairs",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseTargets(targets)
			if err != nil {
				return err
			}
			bulk, cleanup, err := buildBulk(cmd, *configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := bulk.BulkMarkComplete(cmd.Context(), parsed, reason)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringSliceVar(&targets, "targets", nil, "user:course pairs to complete")
	cmd.Flags().StringVar(&reason, "reason", "bulk completion", "reason recorded with the backup snapshots")
	return cmd
}

func parseTargets(raw []string) ([]domain.BulkTarget, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("--targets is required (user:course pairs)")
	}
	targets := make([]domain.BulkTarget, 0, len(raw))
	for _, pair := range raw {
		userID, courseID, ok := strings.Cut(pair, ":")
		if !ok || userID == "" || courseID == "" {
			return nil, fmt.Errorf("invalid target %q, expected user:course", pair)
		}
		targets = append(targets, domain.BulkTarget{UserID: userID, CourseID: courseID})
	}
	return targets, nil
}

func buildBulk(cmd *cobra.Command, configPath string) (*app.BulkService, func(), error) {
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
	return app.NewBulkService(deps.store, deps.catalog, deps.progress, log), cleanup, nil
}
