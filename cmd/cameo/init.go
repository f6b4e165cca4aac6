package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"cameo/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the cameo home directory and a default config",
	Long: `Create the cameo home directory and write a default config file.

The config lands in ~/.cameo/config.yaml (or under --home). An existing
config file is left untouched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := getHome()
		if err != nil {
			return err
		}

		if h.ConfigExists() {
			fmt.Printf("Config already exists at %s\n", h.ConfigPath())
			return nil
		}

		if err := config.WriteDefault(h.ConfigPath()); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}

		fmt.Printf("Wrote default config to %s\n", h.ConfigPath())
		fmt.Println("Set OPENAI_API_KEY and NANOBANANA_API_KEY in your environment before rendering.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
