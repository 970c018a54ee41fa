package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/kilupskalvis/replica/internal/models"
	"github.com/kilupskalvis/replica/internal/queue"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue [model...]",
	Short: "List queued mutations and uploads",
	Long: `List the changes waiting to be pushed and the attachments waiting to be
uploaded, oldest first.

Examples:
  replica queue                 List every model's queues
  replica queue tasks           List the queues of one model
  replica queue tasks --clear   Drop everything queued for tasks`,
	Run: runQueue,
}

var queueClear bool

func init() {
	queueCmd.Flags().BoolVar(&queueClear, "clear", false, "Discard the queued items instead of listing them")
}

func runQueue(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	c := initContext()
	defer c.Close()

	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)
	cyan := color.New(color.FgCyan)

	for _, col := range c.collections(args) {
		m := col.Model()
		mutations := queue.NewMutationQueue(c.Data.Store(), m.StoreName)

		if queueClear {
			if err := mutations.Clear(ctx); err != nil {
				exitError("failed to clear %s: %v", m.Name, err)
			}
			for _, a := range m.Attachments {
				if err := uploadQueue(c.Data, m, a).Clear(ctx); err != nil {
					exitError("failed to clear %s uploads: %v", m.Name, err)
				}
			}
			red.Printf("Cleared queues of %s\n", m.Name)
			continue
		}

		items, err := mutations.Items(ctx)
		if err != nil {
			exitError("failed to read %s: %v", m.Name, err)
		}
		fmt.Printf("%s: %d queued mutations\n", m.Name, len(items))
		for i, item := range items {
			id, _ := item.Data.ID(m.RemotePrimaryKey())
			yellow.Printf("  %3d %-7s", i+1, item.EventType)
			fmt.Printf(" %s %s\n", shortID(id), summarize(item.Data))
		}

		for _, a := range m.Attachments {
			uploads, err := uploadQueue(c.Data, m, a).Items(ctx)
			if err != nil {
				exitError("failed to read %s uploads: %v", m.Name, err)
			}
			if len(uploads) == 0 {
				continue
			}
			fmt.Printf("%s/%s: %d queued uploads\n", m.Name, a.Name, len(uploads))
			for i, u := range uploads {
				cyan.Printf("  %3d upload ", i+1)
				fmt.Printf(" %s (%d bytes encoded)\n", u.Upload.Path, len(u.Upload.Data))
			}
		}
	}
}

// summarize renders a record's fields as sorted key=value pairs.
func summarize(rec models.Record) string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, rec[k]))
	}
	s := strings.Join(parts, " ")
	if len(s) > 80 {
		s = s[:77] + "..."
	}
	return s
}
