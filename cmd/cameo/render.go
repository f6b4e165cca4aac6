package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"cameo/internal/batch"
	"cameo/internal/capability"
	"cameo/internal/config"
	"cameo/internal/faceid"
	"cameo/internal/home"
	"cameo/internal/manifest"
	"cameo/internal/report"
)

var (
	renderBatchID     string
	renderMock        bool
	renderStartFaceID bool
)

var renderCmd = &cobra.Command{
	Use:   "render [manifest] [source-photo]",
	Short: "Render a batch of scenes from a manifest",
	Args:  cobra.ExactArgs(2),
	Long: `Render every scene in the manifest with the subject's face.

The source photo is embedded once and every candidate image is scored
against it. Scenes run in parallel; a scene that fails leaves the rest
of the batch untouched. Artifacts and reports land under
~/.cameo/batches/<batch-id>/.

The faceid sidecar must be reachable unless --mock is set. Use
--start-faceid to bring the container up first.

Examples:
  cameo render dune.yaml face.jpg
  cameo render dune.yaml face.jpg --start-faceid
  cameo render dune.yaml face.jpg --mock     # No API keys, no sidecar`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := newLogger()

		h, err := getHome()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		man, err := manifest.Load(args[0])
		if err != nil {
			return err
		}
		if err := man.Validate(); err != nil {
			return err
		}
		photo, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("failed to read source photo: %w", err)
		}

		batchID := renderBatchID
		if batchID == "" {
			batchID = uuid.NewString()
		}
		if err := h.EnsureBatchDir(batchID); err != nil {
			return err
		}

		// The batch keeps its own copy of the source photo; its path
		// doubles as the embedding cache key for the whole run.
		srcCopy := h.SourcePhotoPath(batchID, filepath.Ext(args[1]))
		if err := os.WriteFile(srcCopy, photo, 0o644); err != nil {
			return fmt.Errorf("failed to copy source photo: %w", err)
		}

		stack, err := buildStack(ctx, cfg, h, logger)
		if err != nil {
			return err
		}

		runCfg := cfg.ToBatchConfig()
		runCfg.BatchID = batchID
		runCfg.Logger = logger

		store := home.NewBatchStore(h, batchID)
		runner := batch.NewRunner(stack, store, nil, runCfg)

		res, err := runner.Run(ctx, man, photo, srcCopy)
		if err != nil {
			return err
		}

		rep := report.New(res, runner.Ledger().BatchStageBreakdown(res.BatchID))
		if err := rep.WriteJSON(h.ReportPath(batchID, "report.json")); err != nil {
			return err
		}
		if err := rep.WriteMarkdown(h.ReportPath(batchID, "report.md")); err != nil {
			return err
		}
		if err := rep.WriteHTML(h.ReportPath(batchID, "report.html")); err != nil {
			return err
		}
		if err := rep.WritePDF(h.ReportPath(batchID, "contact_sheet.pdf")); err != nil {
			logger.Warn("contact sheet skipped", "error", err)
		}

		printSummary(res, h)

		if res.Failed == len(res.Scenes) {
			return fmt.Errorf("all %d scenes failed", res.Failed)
		}
		return nil
	},
}

func init() {
	renderCmd.Flags().StringVar(&renderBatchID, "batch-id", "", "Batch ID (default: random)")
	renderCmd.Flags().BoolVar(&renderMock, "mock", false, "Run against mock capabilities")
	renderCmd.Flags().BoolVar(&renderStartFaceID, "start-faceid", false, "Start the faceid sidecar container first")

	rootCmd.AddCommand(renderCmd)
}

// buildStack assembles the capability stack for a render run. With --mock
// every role is a mock and no sidecar or API key is needed; otherwise the
// text and render roles come from config and the faceid sidecar fills the
// embedder and corrector roles.
func buildStack(ctx context.Context, cfg *config.Config, h *home.Dir, logger *slog.Logger) (*capability.Stack, error) {
	if renderMock {
		return &capability.Stack{
			Drafter:     &capability.MockDrafter{},
			Critic:      &capability.MockCritic{Scores: []float64{0.95}},
			SceneWriter: &capability.MockSceneWriter{},
			Renderer:    &capability.MockRenderer{},
			Embedder:    &capability.MockEmbedder{},
			Corrector:   &capability.MockCorrector{},
		}, nil
	}

	stack, err := capability.NewStack(cfg.ToStackConfig(), logger)
	if err != nil {
		return nil, err
	}

	fidCfg := cfg.FaceIDClientConfig()
	if renderStartFaceID {
		mgr, err := getFaceIDManager(h)
		if err != nil {
			return nil, err
		}
		defer mgr.Close()
		if err := mgr.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start faceid sidecar: %w", err)
		}
		fidCfg.BaseURL = mgr.URL()
	}

	client := faceid.NewClient(fidCfg)
	if err := client.Health(ctx); err != nil {
		return nil, fmt.Errorf("faceid sidecar not reachable at %s (try 'cameo faceid start'): %w",
			fidCfg.BaseURL, err)
	}
	stack.Embedder = client
	stack.Corrector = faceid.NewCorrector(client, logger)
	return stack, nil
}

// printSummary writes the per-scene outcome table to stdout.
func printSummary(res *batch.Result, h *home.Dir) {
	fmt.Printf("\nBatch %s: %d accepted, %d degraded, %d failed ($%.4f, %d external calls)\n",
		res.BatchID, res.Accepted, res.Degraded, res.Failed, res.CostUSD, res.ExternalCalls)
	for _, s := range res.Scenes {
		switch s.Status {
		case batch.StatusFailed:
			fmt.Printf("  %-24s %-18s %s\n", s.SceneID, s.Status, s.Error)
		default:
			fmt.Printf("  %-24s %-18s similarity %.2f after %d attempts\n",
				s.SceneID, s.Status, s.Similarity, s.AttemptsSpent)
		}
	}
	fmt.Printf("\nArtifacts and reports in %s\n", h.BatchDir(res.BatchID))
}
