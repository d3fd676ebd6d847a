package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var flowFile string

var flowCmd = &cobra.Command{
	Use:   "flow",
	Short: "Validate and print the funnel flow",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := cfg.Funnel
		if flowFile != "" {
			c.FlowPath = flowFile
		}
		flow, err := loadFlow(c)
		if err != nil {
			return err
		}

		_, _ = fmt.Fprint(cmd.OutOrStdout(), flow.String())
		return nil
	},
}

func init() {
	flowCmd.Flags().StringVar(&flowFile, "file", "", "flow YAML file (default from config)")
	rootCmd.AddCommand(flowCmd)
}
