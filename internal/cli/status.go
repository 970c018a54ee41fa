package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/kilupskalvis/replica/internal/datastore"
	"github.com/kilupskalvis/replica/internal/models"
	"github.com/kilupskalvis/replica/internal/queue"
	"github.com/kilupskalvis/replica/internal/replication"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [model...]",
	Short: "Show local replication state",
	Long: `Show, per model, the number of local records, how many of them are
confirmed by the server, the pull watermark and the queued changes.`,
	Run: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	c := initContext()
	defer c.Close()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	bold := color.New(color.Bold)

	fmt.Printf("Endpoint: %s\n\n", c.Config.Endpoint)

	for _, col := range c.collections(args) {
		m := col.Model()
		records, err := col.Query(ctx, nil)
		if err != nil {
			exitError("failed to read %s: %v", m.Name, err)
		}
		synced := 0
		for _, r := range records {
			if r.IsSynced() {
				synced++
			}
		}

		last, err := col.LastSync(ctx)
		if err != nil {
			exitError("failed to read sync metadata of %s: %v", m.Name, err)
		}
		mutations, uploads, err := pendingCounts(ctx, c.Data, col)
		if err != nil {
			exitError("failed to read queues of %s: %v", m.Name, err)
		}

		bold.Printf("%s", m.Name)
		if m.RemoteName != m.Name {
			fmt.Printf(" (%s)", m.RemoteName)
		}
		fmt.Println()
		fmt.Printf("  records:   %d (%d synced, %d local only)\n", len(records), synced, len(records)-synced)
		if last == nil {
			fmt.Printf("  last sync: never\n")
		} else {
			fmt.Printf("  last sync: %s\n", last.Local().Format("2006-01-02 15:04:05"))
		}
		if mutations == 0 && uploads == 0 {
			green.Printf("  queues:    empty\n")
		} else {
			yellow.Printf("  queues:    %d mutations, %d uploads\n", mutations, uploads)
		}
	}
}

// pendingCounts reads queue lengths straight from the store so status works
// without a configured endpoint.
func pendingCounts(ctx context.Context, ds *datastore.DataStore, col *datastore.Collection) (mutations, uploads int, err error) {
	m := col.Model()
	mutations, err = queue.NewMutationQueue(ds.Store(), m.StoreName).Len(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, a := range m.Attachments {
		n, err := uploadQueue(ds, m, a).Len(ctx)
		if err != nil {
			return 0, 0, err
		}
		uploads += n
	}
	return mutations, uploads, nil
}

func uploadQueue(ds *datastore.DataStore, m *models.Model, a models.Attachment) *queue.Queue[models.UploadQueueItem] {
	return queue.NewUploadQueue(ds.Store(), replication.UploadQueueKey(m, a))
}
