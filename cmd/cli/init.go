package cli

import (
	"github.com/datamirror/datamirror/internal/crawler"
	"github.com/datamirror/datamirror/internal/initialization"
	"github.com/spf13/cobra"
)

func NewInitCommand(container *initialization.Container) *cobra.Command {
	var (
		template    string
		description string
		argsFile    string
	)

	cmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Create a dataset with a pipeline configuration",
		Long: `Init creates the dataset repository (git + git-annex, with the incoming
and incoming-processed branches) and commits a pipeline artifact naming
the chosen template.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return container.GetCrawler().Init(cmd.Context(), crawler.InitParams{
				Path:        args[0],
				Description: description,
				Template:    template,
				ArgsFile:    argsFile,
			})
		},
	}

	cmd.Flags().StringVar(&template, "template", crawler.TemplateURLs, "Pipeline template name")
	cmd.Flags().StringVar(&description, "description", "", "Annex repository description")
	cmd.Flags().StringVar(&argsFile, "args", "", "YAML file of template arguments")

	return cmd
}
