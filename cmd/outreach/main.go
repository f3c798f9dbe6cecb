package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/givance/outreach/internal/api"
	"github.com/givance/outreach/internal/app"
	"github.com/givance/outreach/internal/config"
	"github.com/givance/outreach/internal/models"
)

var (
	cfgFile    string
	listOrgID  string
	listStatus string
	version    = "dev"
	commit     = "unknown"
	buildTime  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "outreach",
	Short: "Outreach - email campaign scheduler",
	Long:  `Outreach schedules and dispatches outbound email campaigns under per-organization sending windows and daily quotas.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduler and API server",
	Long:  `Start the trigger dispatcher and the HTTP API.`,
	RunE:  runServe,
}

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Campaign operations",
}

var campaignScheduleCmd = &cobra.Command{
	Use:   "schedule <campaign-id>",
	Short: "Schedule a campaign's pending messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignSchedule,
}

var campaignPauseCmd = &cobra.Command{
	Use:   "pause <campaign-id>",
	Short: "Pause a campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignPause,
}

var campaignResumeCmd = &cobra.Command{
	Use:   "resume <campaign-id>",
	Short: "Resume a paused campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignResume,
}

var campaignCancelCmd = &cobra.Command{
	Use:   "cancel <campaign-id>",
	Short: "Cancel a campaign permanently",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignCancel,
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	RunE:  runCampaignList,
}

var campaignStatusCmd = &cobra.Command{
	Use:   "status <campaign-id>",
	Short: "Show a campaign's schedule report",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignStatus,
}

var fixStuckCmd = &cobra.Command{
	Use:   "fix-stuck",
	Short: "Repair campaigns stuck in a non-terminal status",
	RunE:  runFixStuck,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("outreach version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	campaignListCmd.Flags().StringVar(&listOrgID, "org", "", "filter by organization id")
	campaignListCmd.Flags().StringVar(&listStatus, "status", "", "filter by campaign status")

	campaignCmd.AddCommand(campaignScheduleCmd, campaignListCmd, campaignPauseCmd, campaignResumeCmd, campaignCancelCmd, campaignStatusCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, campaignCmd, fixStuckCmd, configCmd, versionCmd)
}

func loadApp() (*app.App, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return app.New(cfg)
}

func runServe(cmd *cobra.Command, args []string) error {
	api.Version = version

	application, err := loadApp()
	if err != nil {
		return err
	}

	return application.Run(context.Background())
}

func runCampaignSchedule(cmd *cobra.Command, args []string) error {
	application, err := loadApp()
	if err != nil {
		return err
	}
	defer application.Close()

	result, err := application.Campaigns().ScheduleCampaign(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Scheduled %d messages (%d today, %d later, %d unplaceable)\n",
		result.TotalScheduled, result.ScheduledToday, result.ScheduledLater, result.Unscheduled)
	for _, skip := range result.Skipped {
		fmt.Printf("  skipped %s (%s): %s\n", skip.MessageID, skip.RecipientID, skip.Reason)
	}
	if result.EstimatedCompletion != nil {
		fmt.Printf("Estimated completion: %s\n", result.EstimatedCompletion.Format("2006-01-02 15:04 MST"))
	}
	return nil
}

func runCampaignList(cmd *cobra.Command, args []string) error {
	application, err := loadApp()
	if err != nil {
		return err
	}
	defer application.Close()

	campaigns, err := application.Campaigns().ListCampaigns(models.CampaignListFilter{
		OrganizationID: listOrgID,
		Status:         listStatus,
	})
	if err != nil {
		return err
	}

	for _, c := range campaigns {
		fmt.Printf("%-36s  %-24s  %-12s  %s\n", c.ID, c.Name, c.Status, c.OrganizationID)
	}
	fmt.Printf("%d campaigns\n", len(campaigns))
	return nil
}

func runCampaignPause(cmd *cobra.Command, args []string) error {
	application, err := loadApp()
	if err != nil {
		return err
	}
	defer application.Close()

	n, err := application.Campaigns().PauseCampaign(context.Background(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Cancelled %d scheduled jobs\n", n)
	return nil
}

func runCampaignResume(cmd *cobra.Command, args []string) error {
	application, err := loadApp()
	if err != nil {
		return err
	}
	defer application.Close()

	result, err := application.Campaigns().ResumeCampaign(context.Background(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Rescheduled %d messages\n", result.TotalScheduled)
	return nil
}

func runCampaignCancel(cmd *cobra.Command, args []string) error {
	application, err := loadApp()
	if err != nil {
		return err
	}
	defer application.Close()

	n, err := application.Campaigns().CancelCampaign(context.Background(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Cancelled %d messages\n", n)
	return nil
}

func runCampaignStatus(cmd *cobra.Command, args []string) error {
	application, err := loadApp()
	if err != nil {
		return err
	}
	defer application.Close()

	report, err := application.Campaigns().GetCampaignSchedule(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Campaign: %s (%s)\n", report.Campaign.Name, report.Campaign.ID)
	fmt.Printf("Status:   %s\n", report.Campaign.Status)
	fmt.Printf("Messages:\n")
	for status, n := range report.MessageCounts {
		fmt.Printf("  %-10s %d\n", status, n)
	}
	fmt.Printf("Jobs: %d\n", len(report.Jobs))
	if report.NextSendTime != nil {
		fmt.Printf("Next send: %s\n", report.NextSendTime.Format("2006-01-02 15:04 MST"))
	}
	if report.LastSendTime != nil {
		fmt.Printf("Last send: %s\n", report.LastSendTime.Format("2006-01-02 15:04 MST"))
	}
	return nil
}

func runFixStuck(cmd *cobra.Command, args []string) error {
	application, err := loadApp()
	if err != nil {
		return err
	}
	defer application.Close()

	fixed, err := application.Checker().FixStuckCampaigns(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Repaired %d stuck campaigns\n", fixed)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  API: %s\n", cfg.Server.ListenAddr)
	fmt.Printf("  Database: %s\n", cfg.Storage.DatabasePath)
	fmt.Printf("  Trigger store: %s\n", cfg.Storage.TriggerPath)
	fmt.Printf("  Provider: %s\n", cfg.Provider.SMTPAddr)
	fmt.Printf("  Timezone: %s\n", cfg.Schedule.Timezone)
	return nil
}
