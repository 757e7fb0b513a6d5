package cmd

import (
	"context"
	"fmt"
	"time"

	"boxforge/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var statusRunID string

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List built images and cluster runs",
	Long:  `Print the role images and cluster runs recorded in the ledger, or one run with --id.`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp()
		if err != nil {
			logging.Logger().Fatal("Failed to initialize", zap.Error(err))
		}
		defer a.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		runs, err := a.ledger.Runs(ctx)
		if err != nil {
			a.fatal("Could not read cluster runs", err)
		}

		if statusRunID != "" {
			for _, r := range runs {
				if r.ID != statusRunID {
					continue
				}
				fmt.Printf("Run ID: %s\n", r.ID)
				fmt.Printf("Cluster: %s (%s build %s)\n", r.Name, r.Distribution, r.Build)
				fmt.Printf("Status: %s\n", r.Status)
				if r.Error != "" {
					fmt.Printf("Error: %s\n", r.Error)
				}
				fmt.Printf("Directory: %s\n", r.Dir)
				if r.Coordinator != "" {
					fmt.Printf("Coordinator: %s\n", r.Coordinator)
				}
				fmt.Println("\nMembers:")
				for _, m := range r.Members {
					fmt.Printf("- %s %s: %s\n", m.Name, m.Address, m.Status)
				}
				return
			}
			a.fatal("Cluster run not found", fmt.Errorf("no run with id %s", statusRunID))
		}

		images, err := a.ledger.Images(ctx)
		if err != nil {
			a.fatal("Could not read images", err)
		}

		fmt.Println("Images:")
		for _, img := range images {
			fmt.Printf("- %s (from %s) built %s\n", img.Identity, img.BaseImage, img.BuiltAt.Format(time.RFC3339))
		}
		fmt.Println("\nCluster runs:")
		for _, r := range runs {
			fmt.Printf("- [%s] %s build %s: %s (%d members)\n", r.ID, r.Name, r.Build, r.Status, len(r.Members))
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusRunID, "id", "", "Show one cluster run")
}
