/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"

	"boxforge/internal/cluster"
	"boxforge/internal/logging"
	"boxforge/internal/topology"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	clusterTestbed string
	clusterName    string
)

// clusterCmd represents the cluster command
var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Bring up a cluster from role images",
	Long: `Bring up one guest per testbed member from the controller and compute
images of a build, controllers first, then run the cluster-wide setup from the
first controller. Guests are left running when setup fails.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp()
		if err != nil {
			logging.Logger().Fatal("Failed to initialize", zap.Error(err))
		}

		topo, err := topology.Load(clusterTestbed)
		if err != nil {
			a.fatal("Failed to load testbed", err)
		}

		o, err := a.orchestrator()
		if err != nil {
			a.fatal("Failed to create orchestrator", err)
		}

		inst, err := o.Provision(context.Background(), topo, cluster.Options{
			Name:         clusterName,
			Distribution: a.cfg.Build.Distribution,
			Build:        a.cfg.Build.Number,
		})
		if err != nil {
			a.fatal("Cluster provisioning failed", err)
		}
		a.Close()

		fmt.Printf("Cluster: %s (run %s)\n", inst.Name, inst.ID)
		fmt.Printf("Directory: %s\n", inst.Dir)
		fmt.Printf("Coordinator: %s\n", inst.Coordinator.Name)
		fmt.Println("\nMembers:")
		for _, m := range inst.Members {
			fmt.Printf("- %s %s (%s)\n", m.Name, m.Address, m.Image)
		}
	},
}

func init() {
	rootCmd.AddCommand(clusterCmd)

	clusterCmd.Flags().StringVarP(&clusterTestbed, "testbed", "t", "testbed.py", "Path to testbed file")
	clusterCmd.Flags().StringVarP(&clusterName, "name", "n", "cluster", "Cluster name")
}
