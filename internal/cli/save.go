package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/kilupskalvis/replica/internal/models"
	"github.com/kilupskalvis/replica/internal/storage"
	"github.com/spf13/cobra"
)

var saveCmd = &cobra.Command{
	Use:   "save <model> <json>",
	Short: "Write a record locally and queue it",
	Long: `Save a record into the local store. When the session may write the model
the change is queued; it is pushed by the next 'replica run'.

Examples:
  replica save tasks '{"id":"a","name":"x"}'
  replica save photos '{"caption":"sunset"}' --attach image=./sunset.jpg`,
	Args: cobra.ExactArgs(2),
	Run:  runSave,
}

var saveAttach []string

func init() {
	saveCmd.Flags().StringArrayVar(&saveAttach, "attach", nil, "Attach a file to an attachment group (name=path)")
}

func runSave(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	c := initContext()
	defer c.Close()

	col, err := c.Data.Collection(args[0])
	if err != nil {
		exitError("%v", err)
	}
	m := col.Model()

	rec, err := parseRecord(args[1])
	if err != nil {
		exitError("%v", err)
	}

	if len(saveAttach) > 0 {
		id, ok := rec.ID(m.PrimaryKey)
		if !ok {
			id = uuid.NewString()
			rec[m.PrimaryKey] = id
		}
		for _, arg := range saveAttach {
			if err := attachFile(m, rec, id, arg); err != nil {
				exitError("%v", err)
			}
		}
	}

	// Keep the engine offline: the write is only queued here.
	c.Config.SubscriptionURL = ""
	e := c.initEngine()
	defer e.Close()
	e.Network.Set(false)
	e.Coordinator.Activate(ctx)

	saved, err := col.Save(ctx, rec)
	if err != nil {
		exitError("failed to save: %v", err)
	}

	mr, err := e.Coordinator.Replicator(m.Name)
	if err != nil {
		exitError("%v", err)
	}
	mutations, uploads, err := mr.Pending(ctx)
	if err != nil {
		exitError("%v", err)
	}

	id, _ := saved.ID(m.PrimaryKey)
	color.New(color.FgGreen).Printf("Saved %s/%s\n", m.Name, id)
	if mr.CanWrite() {
		fmt.Printf("Queued: %d mutations, %d uploads\n", mutations, uploads)
	} else {
		color.New(color.FgYellow).Println("Not queued: the session may not write this model")
	}
}

// parseRecord decodes a record argument. A JSON null is an empty record.
func parseRecord(arg string) (models.Record, error) {
	var rec models.Record
	if err := json.Unmarshal([]byte(arg), &rec); err != nil {
		return nil, fmt.Errorf("invalid record: %w", err)
	}
	if rec == nil {
		rec = models.Record{}
	}
	return rec, nil
}

// attachFile reads the file named by a name=path argument into the attachment
// group's data field and sets its pending path.
func attachFile(m *models.Model, rec models.Record, id, arg string) error {
	name, path, ok := strings.Cut(arg, "=")
	if !ok {
		return fmt.Errorf("invalid --attach %q (want name=path)", arg)
	}

	var group *models.Attachment
	for i := range m.Attachments {
		if m.Attachments[i].Name == name {
			group = &m.Attachments[i]
		}
	}
	if group == nil {
		return fmt.Errorf("model %s has no attachment %q", m.Name, name)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read attachment: %w", err)
	}
	rec[group.DataField] = storage.EncodeDataURL(data)
	rec[group.PendingPathField] = m.StoreName + "/" + id + "/" + filepath.Base(path)
	return nil
}
