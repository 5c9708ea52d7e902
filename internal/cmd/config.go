package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/llmjob/coordinator/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the fully resolved configuration as YAML",
	Long: `config loads configuration the same way serve and sweep do — defaults,
config file, environment variables — and prints the result as YAML so an
operator can see exactly what values a deployment will run with.`,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	fmt.Print(string(out))
	return nil
}
