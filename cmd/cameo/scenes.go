package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"cameo/internal/capability"
	"cameo/internal/manifest"
)

var (
	scenesCount int
	scenesOut   string
)

var scenesCmd = &cobra.Command{
	Use:   "scenes [manifest]",
	Short: "Write scene descriptions into a manifest",
	Args:  cobra.ExactArgs(1),
	Long: `Fill a manifest's scene list using the scene writer capability.

The manifest supplies the fandom, style and face profile; the scene
writer produces the requested number of scene descriptions. Any existing
scene list in the manifest is replaced.

Examples:
  cameo scenes dune.yaml                # Rewrite scenes in place
  cameo scenes dune.yaml --count 8      # Ask for eight scenes
  cameo scenes dune.yaml --out full.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := newLogger()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		man, err := manifest.Load(args[0])
		if err != nil {
			return err
		}
		if man.Fandom == "" {
			return fmt.Errorf("manifest %s has no fandom", args[0])
		}

		stack, err := capability.NewStack(cfg.ToStackConfig(), logger)
		if err != nil {
			return err
		}

		res, err := stack.SceneWriter.WriteScenes(ctx, capability.ScenesRequest{
			Fandom:    man.Fandom,
			Style:     man.Style,
			Face:      man.Face,
			Count:     scenesCount,
			RequestID: uuid.NewString(),
		})
		if err != nil {
			return fmt.Errorf("failed to write scenes: %w", err)
		}

		man.Scenes = res.Scenes
		if err := man.Validate(); err != nil {
			return fmt.Errorf("scene writer produced an invalid manifest: %w", err)
		}

		out := scenesOut
		if out == "" {
			out = args[0]
		}
		if err := man.Save(out); err != nil {
			return err
		}

		fmt.Printf("Wrote %d scenes to %s\n", len(res.Scenes), out)
		return nil
	},
}

func init() {
	scenesCmd.Flags().IntVar(&scenesCount, "count", 6, "Number of scenes to request")
	scenesCmd.Flags().StringVar(&scenesOut, "out", "", "Write the result to a different file")

	rootCmd.AddCommand(scenesCmd)
}
