/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"

	"boxforge/internal/builder"
	"boxforge/internal/logging"
	"boxforge/internal/naming"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// baseCmd represents the base command
var baseCmd = &cobra.Command{
	Use:   "base",
	Short: "Build the pkgs image of a build",
	Long: `Build the pkgs image from the distribution's stock box: install the
packages bundle of the build, run its setup script and register the frozen
result as <distro>_<build>_pkgs.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		buildRoleImage(naming.RolePkgs)
	},
}

func init() {
	rootCmd.AddCommand(baseCmd)
}

// buildRoleImage builds one role image and prints where it went.
func buildRoleImage(role string) {
	a, err := newApp()
	if err != nil {
		logging.Logger().Fatal("Failed to initialize", zap.Error(err))
	}

	ctx := context.Background()
	b, err := a.builder(ctx)
	if err != nil {
		a.fatal("Failed to create builder", err)
	}

	img, err := b.BuildRole(ctx, a.request(role))
	if err != nil {
		a.fatal("Role image build failed", err)
	}
	a.Close()

	printRoleImage(img)
}

func printRoleImage(img *builder.RoleImage) {
	fmt.Printf("Image: %s\n", img.Identity)
	fmt.Printf("Base image: %s\n", img.BaseImage)
	fmt.Printf("Bundle: %s\n", img.BundlePath)
	if img.MirrorURL != "" {
		fmt.Printf("Mirror: %s\n", img.MirrorURL)
	}
	if len(img.Warnings) > 0 {
		fmt.Println("\nBest-effort steps that failed:")
		for _, w := range img.Warnings {
			fmt.Printf("- [%s] %s (exit %d)\n", w.Stage, w.Result.Command, w.Result.ExitCode)
		}
	}
}
