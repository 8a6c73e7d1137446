package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/savornet/backline/internal/ui"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read and write runtime configuration keys",
	Long: `Runtime keys live in the database config table and travel with the
database, layered over .backline/config.yaml and BACKLINE_* environment
variables.`,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one runtime key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := store.GetConfig(rootCtx, args[0])
		if err != nil {
			fatal(err)
		}
		if jsonOutput {
			outputJSON(map[string]string{args[0]: value})
			return nil
		}
		fmt.Println(value)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set one runtime key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if !isKnownRuntimeKey(key) {
			fatal(fmt.Errorf("unknown config key %q (see 'bl config keys')", key))
		}
		if err := store.SetConfig(rootCtx, key, value); err != nil {
			fatal(err)
		}
		info("%s %s = %s", ui.RenderPassIcon(), key, value)
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List the recognized runtime keys",
	Run: func(cmd *cobra.Command, args []string) {
		keys := append([]string(nil), runtimeConfigKeys...)
		sort.Strings(keys)
		if jsonOutput {
			outputJSON(keys)
			return
		}
		for _, key := range keys {
			fmt.Println(key)
		}
	},
}

func isKnownRuntimeKey(key string) bool {
	for _, k := range runtimeConfigKeys {
		if k == key {
			return true
		}
	}
	return false
}

func init() {
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configKeysCmd)
	rootCmd.AddCommand(configCmd)
}
