package main

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/parikshitpisal/circa-boybz6-sub001/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  "Commands for generating and validating intake configuration",
}

func init() {
	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a default configuration file",
		RunE:  generateConfig,
	}
	generateCmd.Flags().String("output", "intake.toml", "output path")

	configCmd.AddCommand(generateCmd)
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE:  validateConfig,
	})
}

func generateConfig(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")

	if _, err := os.Stat(output); err == nil {
		return fmt.Errorf("refusing to overwrite existing file %s", output)
	}

	data, err := toml.Marshal(config.DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to render default config: %w", err)
	}

	if err := os.WriteFile(output, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", output, err)
	}

	fmt.Printf("Wrote default configuration to %s\n", output)
	return nil
}

func validateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	fmt.Println("Configuration is valid")
	fmt.Printf("  broker: %d connection(s) to %s\n", cfg.Broker.PoolSize, redacted(cfg.Broker.URL))
	fmt.Printf("  mailbox: %d session(s) on %s:%d\n", cfg.Mailbox.Sessions, cfg.Mailbox.Host, cfg.Mailbox.Port)
	fmt.Printf("  storage: %s\n", cfg.Storage.Type)
	fmt.Printf("  webhooks: enabled=%v store=%s\n", cfg.Webhooks.Enabled, cfg.Webhooks.Store)
	return nil
}

// redacted strips credentials from a broker URL for display.
func redacted(url string) string {
	at := -1
	for i, r := range url {
		if r == '@' {
			at = i
			break
		}
	}
	if at == -1 {
		return url
	}
	scheme := ""
	for i := 0; i+2 < len(url); i++ {
		if url[i] == ':' && url[i+1] == '/' && url[i+2] == '/' {
			scheme = url[:i+3]
			break
		}
	}
	return scheme + "***" + url[at:]
}
