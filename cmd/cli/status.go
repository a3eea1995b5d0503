package cli

import (
	"fmt"

	"github.com/datamirror/datamirror/internal/initialization"
	"github.com/datamirror/datamirror/pkg/gitannex"
	"github.com/datamirror/datamirror/pkg/statusdb"
	"github.com/datamirror/datamirror/pkg/versions"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func NewStatusCommand(container *initialization.Container) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [dataset...]",
		Short: "Show tracked content and the last crawled version per dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := args
			if len(paths) == 0 {
				for _, ds := range container.GetConfig().Datasets {
					paths = append(paths, ds.Path)
				}
			}

			if len(paths) == 0 {
				return fmt.Errorf("no datasets given and none configured")
			}

			for _, path := range paths {
				if err := printStatus(cmd, path); err != nil {
					return err
				}
			}

			return nil
		},
	}

	return cmd
}

func printStatus(cmd *cobra.Command, datasetPath string) error {
	fs := afero.NewOsFs()

	repo := gitannex.NewRepo(gitannex.RepoDependencies{
		Path:   datasetPath,
		Runner: gitannex.NewExecRunner(),
	})

	branch, err := repo.CurrentBranch(cmd.Context())
	if err != nil {
		return fmt.Errorf("%s does not look like a dataset: %w", datasetPath, err)
	}

	statusDB, err := statusdb.NewPersisted(statusdb.PersistedDependencies{
		Fs:   fs,
		Root: datasetPath,
		Name: "incoming",
	})
	if err != nil {
		return err
	}

	versionDB, err := versions.NewDB(versions.DBDependencies{
		Fs:   fs,
		Root: datasetPath,
		Name: "incoming",
	})
	if err != nil {
		return err
	}

	tags, err := repo.Tags(cmd.Context())
	if err != nil {
		return err
	}

	masterSHA, err := repo.RevParse(cmd.Context(), gitannex.BranchMaster)
	if err != nil {
		masterSHA = "(none)"
	}

	lastVersion := versionDB.LastVersion()
	if lastVersion == "" {
		lastVersion = "(none)"
	}

	cmd.Printf("%s\n", datasetPath)
	cmd.Printf("  branch:        %s\n", branch)
	cmd.Printf("  master:        %s\n", masterSHA)
	cmd.Printf("  tracked files: %d\n", len(statusDB.Paths()))
	cmd.Printf("  last version:  %s\n", lastVersion)
	cmd.Printf("  tags:          %d\n", len(tags))

	return nil
}
