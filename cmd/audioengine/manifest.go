package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/groovelab/audioengine/internal/assets"
	"github.com/groovelab/audioengine/internal/logging"
)

// manifestCmd resolves an exercise content file into its loading plan
var manifestCmd = &cobra.Command{
	Use:   "manifest <file>",
	Short: "Prints the loading plan for an exercise content file",
	Long: `Reads exercise content from a JSON or YAML file and prints the loading
groups, critical path and any validation issues the resolver reports.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := assets.LoadManifestFile(args[0])
		if err != nil {
			return err
		}
		resolver := assets.NewResolver(assets.DefaultResolverConfig(), *logging.GetSubsystemLogger("cli"))
		return printManifest(cmd.OutOrStdout(), resolver.ExtractAssetManifest(src))
	},
}

func init() {
	rootCmd.AddCommand(manifestCmd)
}

func printManifest(out io.Writer, m *assets.AssetManifest) error {
	fmt.Fprintf(out, "Exercise %s: %d assets, ~%d KB, estimated load %s\n",
		m.ExerciseID, m.TotalCount, m.EstimatedSizeBytes/1024, m.EstimatedLoadTime)

	table := tablewriter.NewWriter(out)
	table.Header("Group", "Priority", "Parallel", "Required", "Assets")
	for _, g := range m.Groups {
		row := []string{
			g.Name,
			g.Priority.String(),
			strconv.FormatBool(g.ParallelLoadable),
			strconv.FormatBool(g.RequiredForPlayback),
			strings.Join(g.Assets, "\n"),
		}
		if err := table.Append(row); err != nil {
			return fmt.Errorf("render groups: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("render groups: %w", err)
	}

	if len(m.CriticalPath) > 0 {
		fmt.Fprintf(out, "Critical path: %s\n", strings.Join(m.CriticalPath, " -> "))
	}
	for _, opt := range m.Optimizations {
		fmt.Fprintf(out, "Optimization: %s\n", opt)
	}

	if len(m.Issues) == 0 {
		return nil
	}
	issues := tablewriter.NewWriter(out)
	issues.Header("Severity", "Code", "Asset", "Message")
	for _, issue := range m.Issues {
		if err := issues.Append([]string{issue.Severity.String(), issue.Code, issue.AssetURL, issue.Message}); err != nil {
			return fmt.Errorf("render issues: %w", err)
		}
	}
	if err := issues.Render(); err != nil {
		return fmt.Errorf("render issues: %w", err)
	}
	return assets.IssuesError(m.Issues, assets.SeverityError)
}
