package cmd

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"wechatbot/pkg/config"
	"wechatbot/pkg/handlers"
)

var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Print the configured handler tree",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := config.Load(config.ResolvedPath())
		if err != nil {
			return err
		}

		return printTree(cmd.OutOrStdout(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(treeCmd)
}

// printTree builds the tree with inert collaborators and writes its shape.
func printTree(w io.Writer, cfg *config.Config) error {
	processor, err := buildProcessor(cfg, handlers.Deps{Config: cfg.Handlers}, slog.New(slog.DiscardHandler))
	if err != nil {
		return err
	}

	_, err = fmt.Fprint(w, processor.Tree())
	return err
}
