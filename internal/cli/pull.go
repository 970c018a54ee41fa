package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var pullCmd = &cobra.Command{
	Use:   "pull [model...]",
	Short: "Fetch server changes once",
	Long: `Run one delta pull for each readable model and exit. Models the current
session may not read are skipped.`,
	Run: runPull,
}

func runPull(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	c := initContext()
	defer c.Close()

	e := c.initEngine()
	defer e.Close()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	for _, col := range c.collections(args) {
		name := col.Model().Name
		mr, err := e.Coordinator.Replicator(name)
		if err != nil {
			exitError("%v", err)
		}
		if !mr.CanRead() {
			yellow.Printf("%s: skipped (no read permission)\n", name)
			continue
		}

		before, _ := col.LastSync(ctx)
		mr.Perform(ctx)
		after, err := col.LastSync(ctx)
		if err != nil {
			exitError("failed to read sync metadata of %s: %v", name, err)
		}
		n, err := col.Count(ctx)
		if err != nil {
			exitError("failed to count %s: %v", name, err)
		}

		if after == nil || (before != nil && !after.After(*before)) {
			yellow.Printf("%s: pull failed, see log\n", name)
			continue
		}
		green.Printf("%s: ", name)
		fmt.Printf("up to date as of %s (%d records)\n", after.Local().Format("15:04:05"), n)
	}
}
