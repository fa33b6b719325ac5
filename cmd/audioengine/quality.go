package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/groovelab/audioengine/internal/audio"
)

var qualityCmd = &cobra.Command{
	Use:   "quality",
	Short: "Prints the quality presets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printPresets(cmd.OutOrStdout(), audio.QualityPresets())
	},
}

func init() {
	rootCmd.AddCommand(qualityCmd)
}

func printPresets(out io.Writer, presets map[audio.QualityLevel]audio.QualityConfiguration) error {
	table := tablewriter.NewWriter(out)
	table.Header("Level", "Sample Rate", "Buffer", "Bit Depth", "Polyphony", "Memory MB", "Effects", "Est. CPU")
	for _, level := range audio.AllQualityLevels {
		p, ok := presets[level]
		if !ok {
			continue
		}
		row := []string{
			level.String(),
			strconv.Itoa(p.SampleRate),
			strconv.Itoa(p.BufferSize),
			strconv.Itoa(p.BitDepth),
			strconv.Itoa(p.MaxPolyphony),
			strconv.Itoa(p.MemoryLimitMB),
			strconv.FormatBool(p.EnableEffects),
			strconv.FormatFloat(p.EstimatedCPUUsage, 'f', 2, 64),
		}
		if err := table.Append(row); err != nil {
			return fmt.Errorf("render presets: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("render presets: %w", err)
	}
	return nil
}
