package main

import (
	"github.com/spf13/cobra"

	"github.com/haasonsaas/trestle/internal/config"
)

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(buildConfigValidateCmd())
	return cmd
}

// buildConfigValidateCmd creates "config validate", which loads the file the
// same way serve does and reports the first problem found.
func buildConfigValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath(configPath)
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			networks := []string{}
			for _, network := range []string{"whatsapp", "signal"} {
				if cfg.Bridges.Bot(network) != "" {
					networks = append(networks, network)
				}
			}
			cmd.Printf("%s is valid\n", path)
			cmd.Printf("  listen:     %s:%d\n", cfg.Server.Host, cfg.Server.Port)
			cmd.Printf("  homeserver: %s\n", cfg.Homeserver.URL)
			cmd.Printf("  store:      %s\n", cfg.Store.Path)
			cmd.Printf("  bridges:    %v\n", networks)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName,
		"Path to YAML configuration file")
	return cmd
}
