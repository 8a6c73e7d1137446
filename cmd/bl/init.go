package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/savornet/backline/internal/storage/sqlite"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a .backline directory and database in the current directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := ".backline"
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}

		path := filepath.Join(dir, "backline.db")
		if _, err := os.Stat(path); err == nil {
			info("Database already exists at %s", path)
			return nil
		}

		s, err := sqlite.New(context.Background(), path)
		if err != nil {
			return fmt.Errorf("create database: %w", err)
		}
		if err := s.Close(); err != nil {
			return err
		}

		if jsonOutput {
			outputJSON(map[string]string{"db": path})
			return nil
		}
		info("Initialized backline database at %s", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
