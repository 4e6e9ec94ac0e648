package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/instancer/pkg/builder"
	"github.com/cuemby/instancer/pkg/catalog"
	"github.com/cuemby/instancer/pkg/ingress"
	"github.com/cuemby/instancer/pkg/runtime"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Validate and generate challenge catalogs",
}

var catalogValidateCmd = &cobra.Command{
	Use:   "validate [PATH]",
	Short: "Check a catalog without starting anything",
	Long: `Load a catalog file or directory the way serve does, including the
routing checks against the configured proxy entrypoints, and list its
challenges. PATH defaults to catalog.path.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := decodeConfig()
		if err != nil {
			return err
		}
		path := cfg.Catalog.Path
		if len(args) == 1 {
			path = args[0]
		}

		cat, err := catalog.Load(path, catalog.WithRouteValidator(ingress.NewGenerator(cfg.Ingress())))
		if err != nil {
			return err
		}

		for _, ch := range cat.List() {
			kinds := make([]string, 0, len(ch.Expose))
			for _, rule := range ch.Expose {
				kinds = append(kinds, string(rule.Kind))
			}
			fmt.Printf("✓ %-30s %3d containers  timeout %-8s %v\n",
				ch.Name, len(ch.Containers), ch.Lifetime(), kinds)
		}
		fmt.Printf("\n%d challenges valid\n", cat.Len())
		return nil
	},
}

var catalogBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Generate a catalog from compose-based challenges",
	Long: `Scan a directory tree for challenge.yml files that reference a docker
compose project and write a catalog with one document per challenge.

Examples:
  # Generate the catalog only
  instancer catalog build --challenges ./challenges --out challenges.yaml

  # Build the images first and tag them with their catalog names
  instancer catalog build --challenges ./challenges --out challenges.yaml --build`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("challenges")
		out, _ := cmd.Flags().GetString("out")
		build, _ := cmd.Flags().GetBool("build")

		cfg, err := decodeConfig()
		if err != nil {
			return err
		}
		if out == "" {
			out = cfg.Catalog.Path
		}

		opts := builder.Options{Build: build}
		if build {
			rt, err := runtime.NewDockerRuntime(cfg.Runtime.DockerHost)
			if err != nil {
				return err
			}
			defer rt.Close()
			opts.Tagger = rt
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Hour)
		defer cancel()

		res, err := builder.New(dir, opts).Build(ctx)
		if err != nil {
			return err
		}
		for _, s := range res.Skipped {
			fmt.Printf("- skipped %s: %s\n", s.File, s.Reason)
		}

		if err := builder.WriteFile(out, res.Challenges); err != nil {
			return err
		}
		fmt.Printf("✓ Wrote %d challenges to %s\n", len(res.Challenges), out)
		return nil
	},
}

func init() {
	catalogCmd.AddCommand(catalogValidateCmd)
	catalogCmd.AddCommand(catalogBuildCmd)

	catalogBuildCmd.Flags().String("challenges", "challenges", "Directory to scan")
	catalogBuildCmd.Flags().String("out", "", "Output catalog file (defaults to catalog.path)")
	catalogBuildCmd.Flags().Bool("build", false, "Run docker compose build and tag images")
}
