package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/volley/internal/load/config"
	"github.com/wesleyorama2/volley/internal/load/plan"
)

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plan>",
		Short: "Check a plan file without running it",
		Long: `Parse and compile a plan file, reporting every configuration problem
found: unknown task set references, cycles, invalid templates, classify
rules and thresholds.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(args[0])
			if err != nil {
				return err
			}
			p, err := plan.Compile(cfg)
			if err != nil {
				return err
			}
			a.logger.Debug("plan compiled", "plan", p.Name, "roots", len(p.Roots))

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ %s is valid\n", args[0])
			fmt.Fprintf(out, "  Plan:      %s\n", p.Name)
			fmt.Fprintf(out, "  Ramp:      %s (peak %d users)\n", p.Ramp, p.PeakUsers())
			if p.Duration > 0 {
				fmt.Fprintf(out, "  Duration:  %s\n", p.Duration)
			}

			roots := make([]string, 0, len(p.Roots))
			for _, r := range p.Roots {
				roots = append(roots, fmt.Sprintf("%s (weight %d)", r.TaskSet.Name(), r.Weight))
			}
			sort.Strings(roots)
			for _, r := range roots {
				fmt.Fprintf(out, "  Root:      %s\n", r)
			}
			return nil
		},
	}
}
