package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"cameo/internal/faceid"
	"cameo/internal/home"
)

var faceidCmd = &cobra.Command{
	Use:   "faceid",
	Short: "Manage the face identity sidecar container",
	Long: `Manage the face identity sidecar container lifecycle.

The sidecar serves the face embedding, swap and enhancement endpoints
used for similarity scoring and correction. It runs in a Docker
container with model weights cached under ~/.cameo/faceid/.

Examples:
  cameo faceid start   # Start the sidecar container
  cameo faceid stop    # Stop the container (model cache preserved)
  cameo faceid status  # Check container status
  cameo faceid logs    # View container logs`,
}

var faceidStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the faceid sidecar container",
	Long: `Start the faceid sidecar container.

If the container doesn't exist, it will be created and started.
If it exists but is stopped, it will be started.
If it's already running, this is a no-op.

Model weights are cached under ~/.cameo/faceid/.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		h, err := getHome()
		if err != nil {
			return err
		}

		mgr, err := getFaceIDManager(h)
		if err != nil {
			return err
		}
		defer mgr.Close()

		fmt.Println("Starting faceid sidecar...")
		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("failed to start faceid sidecar: %w", err)
		}

		fmt.Printf("faceid sidecar is running at %s\n", mgr.URL())
		return nil
	},
}

var faceidStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the faceid sidecar container",
	Long: `Stop the faceid sidecar container.

This stops the container but preserves the model cache. Use
'cameo faceid start' to restart it later.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		h, err := getHome()
		if err != nil {
			return err
		}

		mgr, err := getFaceIDManager(h)
		if err != nil {
			return err
		}
		defer mgr.Close()

		fmt.Println("Stopping faceid sidecar...")
		if err := mgr.Stop(ctx); err != nil {
			return fmt.Errorf("failed to stop faceid sidecar: %w", err)
		}

		fmt.Println("faceid sidecar stopped")
		return nil
	},
}

var faceidStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show faceid sidecar container status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		h, err := getHome()
		if err != nil {
			return err
		}

		mgr, err := getFaceIDManager(h)
		if err != nil {
			return err
		}
		defer mgr.Close()

		status, err := mgr.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to get status: %w", err)
		}

		switch status {
		case faceid.StatusRunning:
			fmt.Printf("Status: %s\n", status)
			fmt.Printf("URL: %s\n", mgr.URL())

			client := faceid.NewClient(faceid.ClientConfig{BaseURL: mgr.URL()})
			if err := client.Health(ctx); err != nil {
				fmt.Printf("Health: unhealthy (%v)\n", err)
			} else {
				fmt.Println("Health: healthy")
			}
		case faceid.StatusStopped:
			fmt.Printf("Status: %s (use 'cameo faceid start' to start)\n", status)
		case faceid.StatusNotFound:
			fmt.Printf("Status: %s (use 'cameo faceid start' to create)\n", status)
		default:
			fmt.Printf("Status: %s\n", status)
		}

		return nil
	},
}

var faceidLogsTail string

var faceidLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show faceid sidecar container logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		h, err := getHome()
		if err != nil {
			return err
		}

		mgr, err := getFaceIDManager(h)
		if err != nil {
			return err
		}
		defer mgr.Close()

		logs, err := mgr.Logs(ctx, faceidLogsTail)
		if err != nil {
			return fmt.Errorf("failed to get logs: %w", err)
		}

		fmt.Print(logs)
		return nil
	},
}

var faceidRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove the faceid sidecar container",
	Long: `Remove the faceid sidecar container.

This stops and removes the container. The model cache under
~/.cameo/faceid/ is NOT deleted - only the container is removed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		h, err := getHome()
		if err != nil {
			return err
		}

		mgr, err := getFaceIDManager(h)
		if err != nil {
			return err
		}
		defer mgr.Close()

		fmt.Println("Removing faceid sidecar container...")
		if err := mgr.Remove(ctx); err != nil {
			return fmt.Errorf("failed to remove container: %w", err)
		}

		fmt.Println("faceid sidecar container removed (model cache preserved)")
		return nil
	},
}

var faceidWaitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Wait for the faceid sidecar to be ready",
	Long: `Wait for the faceid sidecar to be ready to accept requests.

This is useful in scripts to ensure the sidecar is fully started
before rendering a batch.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		h, err := getHome()
		if err != nil {
			return err
		}

		mgr, err := getFaceIDManager(h)
		if err != nil {
			return err
		}
		defer mgr.Close()

		timeout, _ := cmd.Flags().GetDuration("timeout")
		fmt.Printf("Waiting for faceid sidecar (timeout: %s)...\n", timeout)

		if err := mgr.WaitReady(ctx, timeout); err != nil {
			return fmt.Errorf("faceid sidecar not ready: %w", err)
		}

		fmt.Println("faceid sidecar is ready")
		return nil
	},
}

func init() {
	faceidCmd.AddCommand(faceidStartCmd)
	faceidCmd.AddCommand(faceidStopCmd)
	faceidCmd.AddCommand(faceidStatusCmd)
	faceidCmd.AddCommand(faceidLogsCmd)
	faceidCmd.AddCommand(faceidRemoveCmd)
	faceidCmd.AddCommand(faceidWaitCmd)

	faceidLogsCmd.Flags().StringVar(&faceidLogsTail, "tail", "100", "Number of lines to show from the end")
	faceidWaitCmd.Flags().Duration("timeout", 120*time.Second, "Timeout waiting for the sidecar")

	rootCmd.AddCommand(faceidCmd)
}

// getFaceIDManager creates a DockerManager for the sidecar with the
// configured image and the home directory's model cache.
func getFaceIDManager(h *home.Dir) (*faceid.DockerManager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(h.FaceIDModelsPath(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create models directory: %w", err)
	}

	return faceid.NewDockerManager(cfg.FaceIDDockerConfig(h.FaceIDModelsPath()))
}
