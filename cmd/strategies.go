package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/datasheet-cli/internal/cost"
	"github.com/sells-group/datasheet-cli/internal/strategy"
)

var strategiesCmd = &cobra.Command{
	Use:   "strategies",
	Short: "List the configured extraction strategies by tier",
	RunE: func(cmd *cobra.Command, args []string) error {
		fields, err := loadFields(cfg.Fields)
		if err != nil {
			return err
		}
		calc := cost.NewCalculator(cost.RatesFromConfig(cfg.Pricing))
		list, err := buildStrategies(cmd.Context(), cfg, fields, calc)
		if err != nil {
			return err
		}
		reg, err := strategy.NewRegistry(list...)
		if err != nil {
			return err
		}
		return printStrategies(os.Stdout, reg)
	},
}

func printStrategies(w io.Writer, reg *strategy.Registry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIER\tNAME\tTECHNIQUE\tFORMATS\tSPECIALIZED FOR")
	for _, tier := range reg.Tiers() {
		for _, s := range reg.AtTier(tier) {
			spec := s.Specialization()
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
				tier, s.Name(), orDash(spec.Technique),
				orDash(strings.Join(spec.Formats, ",")), describe(spec))
		}
	}
	return tw.Flush()
}

func describe(spec strategy.Specialization) string {
	if spec.General() {
		return "general"
	}
	var parts []string
	if len(spec.Manufacturers) > 0 {
		parts = append(parts, "manufacturers="+strings.Join(spec.Manufacturers, ","))
	}
	if len(spec.DocumentTypes) > 0 {
		parts = append(parts, "document_types="+strings.Join(spec.DocumentTypes, ","))
	}
	if len(spec.Languages) > 0 {
		parts = append(parts, "languages="+strings.Join(spec.Languages, ","))
	}
	if len(spec.FilenamePatterns) > 0 {
		parts = append(parts, "filenames="+strings.Join(spec.FilenamePatterns, ","))
	}
	return strings.Join(parts, " ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	rootCmd.AddCommand(strategiesCmd)
}
