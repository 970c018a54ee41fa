package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var purgeCmd = &cobra.Command{
	Use:   "purge [model...]",
	Short: "Delete synced records",
	Long: `Delete every record the server has confirmed and reset the pull watermark
so the next pull starts from scratch. Records written locally and not yet
acknowledged are kept, as are the queues.`,
	Run: runPurge,
}

var purgeYes bool

func init() {
	purgeCmd.Flags().BoolVarP(&purgeYes, "yes", "y", false, "Do not ask for confirmation")
}

func runPurge(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	c := initContext()
	defer c.Close()

	cols := c.collections(args)
	if !purgeYes {
		fmt.Printf("Purge synced records of %d model(s)? [y/N] ", len(cols))
		var answer string
		fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			fmt.Println("Aborted")
			return
		}
	}

	red := color.New(color.FgRed)
	for _, col := range cols {
		n, err := col.DeleteSynced(ctx)
		if err != nil {
			exitError("%v", err)
		}
		red.Printf("%s: ", col.Model().Name)
		fmt.Printf("purged %d records\n", n)
	}
}
