package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/savornet/backline/internal/config"
	"github.com/savornet/backline/internal/ingest"
	"github.com/savornet/backline/internal/ui"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file.jsonl>",
	Short: "Resolve a JSONL batch of raw source records",
	Long: `Read one JSON record per line and resolve each through the fusion engine.
Malformed or invalid lines fail individually; the rest of the batch still
resolves. Results come back in input order.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := ingest.File(rootCtx, newResolver(), args[0])
		if err != nil {
			fatal(err)
		}

		if jsonOutput {
			outputJSON(res)
			return nil
		}
		printIngestResult(args[0], res)
		return nil
	},
}

var ingestWatchCmd = &cobra.Command{
	Use:   "watch [dir]",
	Short: "Watch a spool directory and ingest dropped JSONL files",
	Long: `Process every *.jsonl already in the spool directory, then watch for new
files. Processed files are renamed to .done (or .err on failure). Runs until
interrupted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := config.SpoolDir()
		if len(args) == 1 {
			dir = args[0]
		}

		w := ingest.NewWatcher(newResolver(), dir)
		w.OnBatch = func(path string, res *ingest.Result, err error) {
			if err != nil {
				fmt.Printf("%s %s: %v\n", ui.RenderFailIcon(), path, err)
				return
			}
			printIngestResult(path, res)
		}

		info("watching %s (ctrl-c to stop)", dir)
		return w.Run(rootCtx)
	},
}

func printIngestResult(path string, res *ingest.Result) {
	icon := ui.RenderPassIcon()
	if res.Failed > 0 {
		icon = ui.RenderWarnIcon()
	}
	info("%s %s: %d records, %d created, %d attached, %d conflicts, %d failed",
		icon, path, res.Total, res.Created, res.Attached, res.Conflicts, res.Failed)
}

func init() {
	ingestCmd.AddCommand(ingestWatchCmd)
	rootCmd.AddCommand(ingestCmd)
}
