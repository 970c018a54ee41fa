package cli

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/kilupskalvis/replica/internal/config"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new replica project",
	Long: `Initialize a new replica project in the current directory.
This creates a .replica directory holding the config, the local database
and the filesystem object store.`,
	Run: runInit,
}

var (
	initEndpoint string
	initBackend  string
	initSchema   string
)

func init() {
	initCmd.Flags().StringVar(&initEndpoint, "endpoint", "http://localhost:8080/v1/graphql", "GraphQL endpoint URL")
	initCmd.Flags().StringVar(&initBackend, "backend", config.BackendBolt, "Local store backend (bolt, sqlite)")
	initCmd.Flags().StringVar(&initSchema, "schema", "", "Schema file (.yaml or .toml) relative to the project")
}

func runInit(cmd *cobra.Command, args []string) {
	cwd, err := os.Getwd()
	if err != nil {
		exitError("%v", err)
	}

	if _, err := config.FindRoot(cwd); err == nil {
		exitError("replica project already exists")
	}

	cfg, err := config.Initialize(cwd, initEndpoint)
	if err != nil {
		exitError("failed to initialize config: %v", err)
	}

	cfg.Backend = initBackend
	cfg.SchemaFile = initSchema
	if err := cfg.Validate(); err != nil {
		os.RemoveAll(cfg.Path())
		exitError("%v", err)
	}
	if err := cfg.Save(); err != nil {
		exitError("failed to save config: %v", err)
	}

	if initSchema != "" {
		if _, err := cfg.Schema(); err != nil {
			fmt.Printf("Warning: %v\n", err)
		}
	}

	st, err := openStore(cfg)
	if err != nil {
		exitError("failed to create store: %v", err)
	}
	st.Close()

	green := color.New(color.FgGreen)
	green.Printf("Initialized replica project in %s/\n", config.ReplicaDir)
	fmt.Printf("Endpoint: %s\n", cfg.Endpoint)
	fmt.Printf("Backend:  %s\n", cfg.Backend)
	if initSchema == "" {
		fmt.Printf("\nDeclare [[models]] in %s/%s or set schema_file to start replicating.\n", config.ReplicaDir, config.ConfigFile)
	}
}
