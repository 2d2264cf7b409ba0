package cli

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/graphline/graphline/config"
	"github.com/graphline/graphline/git"
)

var (
	initProject        string
	initGraphBackend   string
	initVectorBackend  string
	initEmbedder       string
	initNonInteractive bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize graphline in the current directory",
	Long: `Initialize graphline by creating a .graphline directory with configuration.

This command will:
- Create .graphline/config.yaml with default settings
- Derive a repository id from git when available
- Prompt for graph and vector backends
- Add .graphline/ to .gitignore if present`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initProject, "project", "", "Project id (default: directory name)")
	initCmd.Flags().StringVar(&initGraphBackend, "graph-backend", "", "Graph backend (memory or sqlite)")
	initCmd.Flags().StringVar(&initVectorBackend, "vector-backend", "", "Vector backend (memory, qdrant or postgres)")
	initCmd.Flags().StringVar(&initEmbedder, "embedder", "", "Embedder provider (hash or openai)")
	initCmd.Flags().BoolVar(&initNonInteractive, "yes", false, "Use defaults without prompting")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	if config.Exists(cwd) {
		fmt.Println("graphline is already initialized in this directory.")
		fmt.Printf("Configuration: %s\n", config.GetConfigPath(cwd))
		return nil
	}

	cfg := config.DefaultConfig()
	cfg.Project.ID = initProject
	if cfg.Project.ID == "" {
		cfg.Project.ID = sanitizeProjectID(filepath.Base(cwd))
	}

	if info, err := git.Detect(cwd); err == nil {
		cfg.Project.RepositoryID = info.RepositoryID
		fmt.Printf("Repository id: %s\n", info.RepositoryID)
	}

	if initGraphBackend != "" {
		cfg.Graph.Backend = initGraphBackend
	}
	if initVectorBackend != "" {
		cfg.Vector.Backend = initVectorBackend
	}
	if initEmbedder != "" {
		cfg.Embedder.Provider = initEmbedder
	}

	if !initNonInteractive {
		reader := bufio.NewReader(os.Stdin)

		if initGraphBackend == "" {
			fmt.Println("\nSelect graph backend:")
			fmt.Println("  1) memory (local gob file, recommended for most projects)")
			fmt.Println("  2) sqlite (local database, survives partial writes)")
			fmt.Print("Choice [1]: ")
			if input := readChoice(reader); input == "2" || input == "sqlite" {
				cfg.Graph.Backend = "sqlite"
			}
		}

		if initVectorBackend == "" {
			fmt.Println("\nSelect vector backend:")
			fmt.Println("  1) memory (local gob file)")
			fmt.Println("  2) qdrant (vector database, gRPC)")
			fmt.Println("  3) postgres (pgvector)")
			fmt.Print("Choice [1]: ")
			switch readChoice(reader) {
			case "2", "qdrant":
				cfg.Vector.Backend = "qdrant"
				fmt.Print("Qdrant host [localhost]: ")
				host := readChoice(reader)
				if host == "" {
					host = "localhost"
				}
				cfg.Vector.Qdrant.Host = host
				cfg.Vector.Qdrant.Port = 6334
			case "3", "postgres":
				cfg.Vector.Backend = "postgres"
				fmt.Print("PostgreSQL DSN: ")
				cfg.Vector.Postgres.DSN = readChoice(reader)
			}
		}

		if initEmbedder == "" {
			fmt.Println("\nSelect embedder:")
			fmt.Println("  1) hash (local, deterministic, no network)")
			fmt.Println("  2) openai (cloud, requires OPENAI_API_KEY)")
			fmt.Print("Choice [1]: ")
			if input := readChoice(reader); input == "2" || input == "openai" {
				cfg.Embedder.Provider = "openai"
				cfg.Embedder.Model = "text-embedding-3-small"
				cfg.Embedder.Dimensions = 1536
			}
		}
	}

	if err := cfg.Save(cwd); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	fmt.Printf("\nCreated configuration at %s\n", config.GetConfigPath(cwd))

	if _, err := os.Stat(filepath.Join(cwd, ".gitignore")); err == nil {
		if err := appendGitignore(cwd, config.ConfigDir+"/"); err != nil {
			fmt.Printf("Warning: could not update .gitignore: %v\n", err)
		} else {
			fmt.Printf("Added %s/ to .gitignore\n", config.ConfigDir)
		}
	}

	fmt.Println("\ngraphline initialized successfully!")
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Ingest the project: graphline run")
	fmt.Println("  2. Keep it in sync:    graphline watch")

	return nil
}

func readChoice(reader *bufio.Reader) string {
	input, _ := reader.ReadString('\n')
	return strings.TrimSpace(input)
}

func sanitizeProjectID(name string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteRune('-')
		}
	}
	if sb.Len() == 0 {
		return "default"
	}
	return sb.String()
}

// appendGitignore adds a pattern to .gitignore unless already present.
func appendGitignore(projectRoot, pattern string) error {
	path := filepath.Join(projectRoot, ".gitignore")

	content, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, line := range strings.Split(string(content), "\n") {
		if strings.TrimSpace(line) == pattern {
			return nil
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if len(content) > 0 && content[len(content)-1] != '\n' {
		if _, err := f.WriteString("\n"); err != nil {
			return err
		}
	}
	_, err = f.WriteString(pattern + "\n")
	return err
}
