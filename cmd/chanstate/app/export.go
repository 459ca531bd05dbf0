package app

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/chanstate/internal/app"
	"github.com/stacklok/chanstate/internal/boards"
	"github.com/stacklok/chanstate/internal/bookmarks"
	"github.com/stacklok/chanstate/internal/posthides"
	"github.com/stacklok/chanstate/internal/storage"
)

const exportLoadTimeout = time.Minute

var exportable = []string{bookmarks.Name, boards.Name, posthides.Name}

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Print the contents of one manager as YAML",
		Long: `Load one manager from the configured storage and print its entities as YAML,
in cache order. Field names match the JSON API.

Example:
  chanstate export --config config.yaml --manager boards`,
		RunE: runExport,
	}
	cmd.Flags().String("config", "", "Path to configuration file (YAML format)")
	cmd.Flags().String("manager", "", fmt.Sprintf("Manager to export (%s)", strings.Join(exportable, ", ")))
	if err := cmd.MarkFlagRequired("manager"); err != nil {
		panic(err)
	}
	return cmd
}

func runExport(cmd *cobra.Command, _ []string) error {
	name, err := cmd.Flags().GetString("manager")
	if err != nil {
		return fmt.Errorf("failed to get manager flag: %w", err)
	}
	if !slices.Contains(exportable, name) {
		return fmt.Errorf("unknown manager %q, expected one of %s", name, strings.Join(exportable, ", "))
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), exportLoadTimeout)
	defer cancel()

	factory, err := storage.NewFactory(ctx, &cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer factory.Cleanup()

	managers, err := app.BuildManagers(ctx, &cfg.Managers, factory, app.ManagerDeps{})
	if err != nil {
		return err
	}
	defer func() { _ = app.CloseManagers(context.Background(), managers) }()

	if err := app.InitializeManagers(ctx, ctx, managers); err != nil {
		return fmt.Errorf("failed to load managers: %w", err)
	}

	var entities any
	switch name {
	case bookmarks.Name:
		entities = managers.Bookmarks.All()
	case boards.Name:
		entities = managers.Boards.All()
	case posthides.Name:
		entities = managers.PostHides.All()
	}

	out, err := toYAML(entities)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

// toYAML renders v through its JSON form so YAML keys match the API.
func toYAML(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entities: %w", err)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("failed to encode entities: %w", err)
	}
	out, err := yaml.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entities as YAML: %w", err)
	}
	return out, nil
}
