package crawler

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/datamirror/datamirror/pkg/gitannex"
	"github.com/datamirror/datamirror/pkg/pipeline"
)

// InitParams describes a dataset to scaffold.
type InitParams struct {
	Path        string
	Description string
	Template    string
	// ArgsFile optionally points at a YAML document of template args.
	ArgsFile string
}

// Init creates a dataset: git + annex initialization, the three branches
// and a committed pipeline artifact present on every branch.
func (c *Crawler) Init(ctx context.Context, p InitParams) error {
	if p.Template == "" {
		return fmt.Errorf("init needs a pipeline template name")
	}

	path := filepath.Clean(p.Path)

	if err := c.fs.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}

	configPath := filepath.Join(path, pipeline.ConfigPath)
	if ok, _ := afero.Exists(c.fs, configPath); ok {
		return fmt.Errorf("%s already has a pipeline config", path)
	}

	description := p.Description
	if description == "" {
		description = gitannex.SanitizeName(filepath.Base(path))
	}

	repo := gitannex.NewRepo(gitannex.RepoDependencies{
		Path:   path,
		Runner: gitannex.NewExecRunner(),
	})

	if err := repo.Init(ctx, description); err != nil {
		return err
	}

	args, err := c.loadArgs(p.ArgsFile)
	if err != nil {
		return err
	}

	// The artifact is committed on incoming and merged forward so it is
	// present on every branch regardless of which one is checked out.
	if err := repo.Checkout(ctx, gitannex.BranchIncoming, false); err != nil {
		return err
	}

	if err := pipeline.SaveConfig(c.fs, path, p.Template, args); err != nil {
		return err
	}

	if err := repo.Add(ctx, pipeline.ConfigPath); err != nil {
		return err
	}

	if _, _, err := repo.Commit(ctx, "[DATAMIRROR] pipeline configuration"); err != nil {
		return err
	}

	for _, step := range []struct{ onto, from string }{
		{gitannex.BranchIncomingProcessed, gitannex.BranchIncoming},
		{gitannex.BranchMaster, gitannex.BranchIncomingProcessed},
	} {
		if err := repo.Checkout(ctx, step.onto, false); err != nil {
			return err
		}

		if err := repo.Merge(ctx, step.from, gitannex.MergeOptions{}); err != nil {
			return err
		}
	}

	log.Info().
		Str("dataset", path).
		Str("template", p.Template).
		Msg("Dataset initialized")

	return nil
}

func (c *Crawler) loadArgs(argsFile string) (map[string]any, error) {
	if argsFile == "" {
		return map[string]any{}, nil
	}

	data, err := afero.ReadFile(c.fs, argsFile)
	if err != nil {
		return nil, fmt.Errorf("reading args file %s: %w", argsFile, err)
	}

	args := map[string]any{}
	if err := yaml.Unmarshal(data, &args); err != nil {
		return nil, fmt.Errorf("decoding args file %s: %w", argsFile, err)
	}

	return args, nil
}
