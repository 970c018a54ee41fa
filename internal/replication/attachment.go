package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kilupskalvis/replica/internal/datastore"
	"github.com/kilupskalvis/replica/internal/models"
	"github.com/kilupskalvis/replica/internal/notify"
	"github.com/kilupskalvis/replica/internal/queue"
	"github.com/kilupskalvis/replica/internal/storage"
	"github.com/kilupskalvis/replica/internal/store"
)

// AttachmentReplicator uploads one attachment group of a model to the
// object store and writes the stored key back into the record.
type AttachmentReplicator struct {
	collection *datastore.Collection
	model      *models.Model
	attachment models.Attachment
	objects    storage.ObjectStore
	queue      *queue.Queue[models.UploadQueueItem]
	notifier   *notify.WebhookNotifier
	logger     *slog.Logger
	drainer    *drainer
}

// UploadQueueKey returns the upload queue row key of an attachment group.
func UploadQueueKey(m *models.Model, a models.Attachment) string {
	return m.StoreName + ":" + a.Name
}

// NewAttachmentReplicator creates an inert replicator for attachment a of c.
func NewAttachmentReplicator(c *datastore.Collection, a models.Attachment, objects storage.ObjectStore, st store.LocalStore, opts Options) *AttachmentReplicator {
	opts = opts.withDefaults()
	m := c.Model()
	r := &AttachmentReplicator{
		collection: c,
		model:      m,
		attachment: a,
		objects:    objects,
		queue:      queue.NewUploadQueue(st, UploadQueueKey(m, a)),
		notifier:   opts.Notifier,
		logger:     opts.Logger.With("model", m.Name, "replicator", "upload", "attachment", a.Name),
	}
	r.drainer = newDrainer(r.step, opts.Retry, r.logger)
	r.drainer.onError = func(err error) {
		opts.Notifier.NotifyFailure(notify.EventUploadFailed, m.Name, err)
	}
	return r
}

// Activate sets the context background uploads run under.
func (r *AttachmentReplicator) Activate(ctx context.Context) {
	r.drainer.activate(ctx)
}

// Enqueue queues an upload when rec carries both inline data and a pending
// path for this attachment. Other records are ignored.
func (r *AttachmentReplicator) Enqueue(ctx context.Context, rec models.Record, eventType models.EventType) error {
	data := rec.String(r.attachment.DataField)
	path := rec.String(r.attachment.PendingPathField)
	if data == "" || path == "" {
		return nil
	}

	payload := rec.WithoutLocal()
	delete(payload, r.attachment.DataField)
	item := models.UploadQueueItem{
		EventType: eventType,
		Data:      payload,
		Upload:    models.UploadData{Path: path, Data: data, Kind: models.UploadKindDataURL},
	}
	if err := r.queue.Enqueue(ctx, item); err != nil {
		return err
	}
	r.logger.Debug("upload queued", "path", path)
	r.drainer.trigger()
	return nil
}

// Process drains the queue on the calling goroutine.
func (r *AttachmentReplicator) Process(ctx context.Context) {
	r.drainer.process(ctx)
}

// Start enables uploads and drains any backlog.
func (r *AttachmentReplicator) Start() {
	r.drainer.start()
}

// Stop disables uploads.
func (r *AttachmentReplicator) Stop() {
	r.drainer.stop()
}

// SetOnline follows the network signal.
func (r *AttachmentReplicator) SetOnline(online bool) {
	r.drainer.setOpen(online)
}

// Phase returns the processor state.
func (r *AttachmentReplicator) Phase() Phase {
	return r.drainer.gate.current()
}

// Attachment returns the attachment group served.
func (r *AttachmentReplicator) Attachment() models.Attachment {
	return r.attachment
}

// Queue returns the upload queue.
func (r *AttachmentReplicator) Queue() *queue.Queue[models.UploadQueueItem] {
	return r.queue
}

func (r *AttachmentReplicator) step(ctx context.Context) (bool, error) {
	item, ok, err := r.queue.Peek(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	res, err := r.objects.Upload(ctx, &storage.UploadRequest{
		Path: item.Upload.Path,
		Data: item.Upload.Data,
		Kind: item.Upload.Kind,
	})
	if err != nil {
		err = fmt.Errorf("upload %s: %w", item.Upload.Path, err)
		if storage.IsTransient(err) || ctx.Err() != nil {
			return false, err
		}
		// Retrying would block the queue forever. The record keeps its
		// inline data, so saving it again queues a fresh attempt.
		r.logger.Error("dropping rejected upload", "path", item.Upload.Path, "error", err)
		r.notifier.NotifyFailure(notify.EventUploadFailed, r.model.Name, err)
		return true, r.queue.Dequeue(ctx)
	}

	id, ok := item.Data.ID(r.model.PrimaryKey)
	if !ok {
		r.logger.Warn("dropping upload without primary key", "path", item.Upload.Path)
		return true, r.queue.Dequeue(ctx)
	}

	changes := models.Record{
		r.model.PrimaryKey:            id,
		r.attachment.UploadedPathField: res.FileMetadata.Key,
		r.attachment.PendingPathField:  "",
		r.attachment.DataField:         "",
	}
	if _, err := r.collection.UpdateByID(ctx, changes); err != nil {
		if !errors.Is(err, datastore.ErrNotFound) {
			return false, err
		}
		r.logger.Info("record removed before upload completed", "id", id, "key", res.FileMetadata.Key)
	}

	if err := r.queue.Dequeue(ctx); err != nil {
		return false, err
	}
	r.logger.Debug("upload stored", "id", id, "key", res.FileMetadata.Key)
	return true, nil
}
