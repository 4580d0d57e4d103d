package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/flexigpt/hostrelay-go"
	"github.com/flexigpt/hostrelay-go/internal/toolset"
	"github.com/flexigpt/hostrelay-go/spec"
)

func newToolsCmd() *cobra.Command {
	var asXML, asJSON bool
	cmd := &cobra.Command{
		Use:   "tools [dir]...",
		Short: "List the tools advertised by the manifests under the given directories",
		Long: "tools loads module manifests the way a worker does and prints the flattened tool list. " +
			"Without arguments the configured worker.manifest_dirs are used. --xml prints the " +
			"<available_tools> block an agent receives.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			dirs := args
			if len(dirs) == 0 {
				dirs = cfg.Worker.ManifestDirs
			}

			w, err := hostrelay.NewWorker("local",
				hostrelay.WithWorkerLogger(logger),
				hostrelay.WithManifestDirs(dirs...),
			)
			if err != nil {
				return err
			}
			if _, err := w.Load(cmd.Context()); err != nil {
				return err
			}
			tools := w.AvailableTools()
			out := cmd.OutOrStdout()

			switch {
			case asXML:
				ts, err := toolset.Build(tools, offline, toolset.WithLogger(logger))
				if err != nil {
					return err
				}
				x, err := ts.PromptXML()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(out, x)
				return err
			case asJSON:
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(tools)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MODULE\tTOOL\tPARAMS\tDESCRIPTION")
			for _, t := range tools {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", t.ModuleID, t.Name, len(t.Parameters), t.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asXML, "xml", false, "print the agent prompt XML")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print tools as JSON")
	cmd.MarkFlagsMutuallyExclusive("xml", "json")
	return cmd
}

func offline(context.Context, spec.ModuleID, string, map[string]any) (spec.Result, error) {
	return spec.Result{}, fmt.Errorf("%w: tools listed offline cannot be invoked", spec.ErrNotConnected)
}
