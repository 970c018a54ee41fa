package cli

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kilupskalvis/replica/internal/models"
	"github.com/kilupskalvis/replica/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func photoModel() *models.Model {
	return &models.Model{
		Name:       "photos",
		StoreName:  "photos",
		PrimaryKey: "id",
		Fields:     []models.Field{{Name: "id"}, {Name: "image"}, {Name: "imagePath"}, {Name: "imageKey"}},
		Attachments: []models.Attachment{
			{Name: "image", DataField: "image", PendingPathField: "imagePath", UploadedPathField: "imageKey"},
		},
	}
}

func TestAttachFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "note.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	rec := models.Record{"id": "p1"}
	require.NoError(t, attachFile(photoModel(), rec, "p1", "image="+path))

	assert.Equal(t, "photos/p1/note.txt", rec["imagePath"])
	mediaType, data, err := storage.DecodeDataURL(rec.String("image"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(mediaType, "text/plain"))
	assert.Equal(t, []byte("hello"), data)
}

func TestParseRecord_NullAcceptsAttachments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "note.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	rec, err := parseRecord("null")
	require.NoError(t, err)
	require.NotNil(t, rec)
	rec["id"] = "p1"
	require.NoError(t, attachFile(photoModel(), rec, "p1", "image="+path))
	assert.Equal(t, "photos/p1/note.txt", rec["imagePath"])

	_, err = parseRecord("[1]")
	assert.ErrorContains(t, err, "invalid record")
}

func TestAttachFile_Errors(t *testing.T) {
	rec := models.Record{}
	assert.ErrorContains(t, attachFile(photoModel(), rec, "p1", "image"), "name=path")
	assert.ErrorContains(t, attachFile(photoModel(), rec, "p1", "video=x"), "no attachment")
	assert.ErrorContains(t, attachFile(photoModel(), rec, "p1", "image="+filepath.Join(t.TempDir(), "missing")), "read attachment")
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "done=true id=a name=x", summarize(models.Record{"name": "x", "id": "a", "done": true}))

	long := summarize(models.Record{"text": strings.Repeat("x", 200)})
	assert.Len(t, long, 80)
	assert.True(t, strings.HasSuffix(long, "..."))
}

func TestNewLogger_Levels(t *testing.T) {
	ctx := t.Context()
	assert.True(t, newLogger("debug", "text").Enabled(ctx, slog.LevelDebug))
	assert.False(t, newLogger("warn", "json").Enabled(ctx, slog.LevelInfo))
	assert.False(t, newLogger("", "").Enabled(ctx, slog.LevelDebug))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc", shortID("abc"))
	assert.Equal(t, "12345678", shortID("1234567890"))
}
