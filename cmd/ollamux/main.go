package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/amerfu/ollamux/internal/config"
)

const version = "0.3.0"

var cfgPath string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ollamux",
		Short: "ollamux management CLI",
		Long: `Inspect and validate ollamux gateway configuration.
The gateway itself runs as the separate server binary.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "directory containing config.yaml")

	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newConfigCommand() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load the configuration and report problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			table := config.NewModelTable(cfg.ModelGroups)
			fmt.Printf("configuration ok: %d groups, %d virtual models\n",
				len(cfg.ModelGroups), len(table.VirtualModels()))
			return nil
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "models",
		Short: "List configured virtual models and their backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			type row struct {
				Model    string   `json:"model"`
				Group    string   `json:"group"`
				Upstream string   `json:"upstream"`
				Backends []string `json:"backends"`
			}
			var rows []row
			for _, group := range cfg.ModelGroups {
				backends := make([]string, 0, len(group.Backends))
				for _, b := range group.Backends {
					backends = append(backends, fmt.Sprintf("%s (%s)", b.Name, b.Family))
				}
				for virtual := range group.Models {
					rows = append(rows, row{
						Model:    virtual,
						Group:    group.Name,
						Upstream: group.UpstreamModel(virtual),
						Backends: backends,
					})
				}
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rows)
		},
	})

	return configCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("ollamux " + version)
		},
	}
}
