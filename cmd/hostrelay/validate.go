package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/flexigpt/hostrelay-go/internal/manifest"
)

func newValidateCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "validate <manifest|dir>...",
		Short: "Validate capability manifests",
		Long: "validate loads each manifest file, or every module manifest under each directory, " +
			"and reports all problems found. It fails when any manifest is invalid.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reports, err := validatePaths(cmd.Context(), args)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(reports); err != nil {
					return err
				}
			} else if err := printReports(out, reports); err != nil {
				return err
			}

			bad := 0
			for _, r := range reports {
				if !r.Valid() {
					bad++
				}
			}
			if bad > 0 {
				return fmt.Errorf("%d of %d manifests invalid", bad, len(reports))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print reports as JSON")
	return cmd
}

func validatePaths(ctx context.Context, args []string) ([]manifest.Report, error) {
	var (
		paths []string
		errs  []error
	)
	for _, a := range args {
		st, err := os.Stat(a)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !st.IsDir() {
			paths = append(paths, a)
			continue
		}
		found, err := manifest.Discover(ctx, []string{a})
		if err != nil {
			errs = append(errs, err)
		}
		if len(found) == 0 && err == nil {
			errs = append(errs, fmt.Errorf("%s: no module manifests found", a))
		}
		paths = append(paths, found...)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	reports := make([]manifest.Report, 0, len(paths))
	for _, p := range paths {
		m, err := manifest.LoadFile(ctx, p)
		if err != nil {
			reports = append(reports, manifest.Report{
				Source:   p,
				Problems: []manifest.Problem{{Message: err.Error()}},
			})
			continue
		}
		reports = append(reports, manifest.Validate(m))
	}
	return reports, nil
}

func printReports(w io.Writer, reports []manifest.Report) error {
	for _, r := range reports {
		status := "ok"
		if !r.Valid() {
			status = "invalid"
		}
		if _, err := fmt.Fprintf(w, "%-7s %s (%s)\n", status, r.ModuleID, r.Source); err != nil {
			return err
		}
		for _, p := range r.Problems {
			if _, err := fmt.Fprintf(w, "        - %s\n", p); err != nil {
				return err
			}
		}
	}
	return nil
}
