package replication

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/kilupskalvis/replica/internal/auth"
	"github.com/kilupskalvis/replica/internal/datastore"
	"github.com/kilupskalvis/replica/internal/graphql"
	"github.com/kilupskalvis/replica/internal/models"
	"github.com/kilupskalvis/replica/internal/network"
	"github.com/kilupskalvis/replica/internal/store"
	"github.com/stretchr/testify/require"
)

func taskModel() models.Model {
	return models.Model{
		Name:       "tasks",
		PrimaryKey: "id",
		Fields: []models.Field{
			{Name: "id"},
			{Name: "name"},
			{Name: "done", Remote: "is_done"},
		},
	}
}

func photoModel() models.Model {
	return models.Model{
		Name:       "photos",
		PrimaryKey: "id",
		Fields: []models.Field{
			{Name: "id"},
			{Name: "image"},
			{Name: "imagePath", Remote: "image_path"},
			{Name: "imageKey", Remote: "image_key"},
		},
		Attachments: []models.Attachment{
			{Name: "image", DataField: "image", PendingPathField: "imagePath", UploadedPathField: "imageKey"},
		},
	}
}

// fakeBackend answers the generated documents the way a Hasura endpoint would.
type fakeBackend struct {
	mu          sync.Mutex
	requests    []*graphql.Request
	rows        []models.Record
	pushed      []models.Record
	failPushes  int
	noReturning bool
	extraKey    bool
	block       chan struct{}
	queryBlock  chan struct{}
	inflight    int
	maxInflight int
}

func (f *fakeBackend) Do(ctx context.Context, req *graphql.Request) (*graphql.Response, error) {
	mutation := strings.HasPrefix(req.Query, "mutation")

	f.mu.Lock()
	f.requests = append(f.requests, req)
	block := f.block
	queryBlock := f.queryBlock
	if mutation {
		f.inflight++
		if f.inflight > f.maxInflight {
			f.maxInflight = f.inflight
		}
	}
	f.mu.Unlock()

	if mutation {
		defer func() {
			f.mu.Lock()
			f.inflight--
			f.mu.Unlock()
		}()
		if block != nil {
			select {
			case <-block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	if !mutation && queryBlock != nil {
		select {
		case <-queryBlock:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if mutation {
		if f.failPushes > 0 {
			f.failPushes--
			return nil, &graphql.Error{Status: 503, Message: "unavailable"}
		}
		data := req.Variables[graphql.VarData].([]models.Record)[0]
		f.pushed = append(f.pushed, data.Clone())
		if f.noReturning {
			return dataResponse("insert_x", map[string]any{"affected_rows": 1}), nil
		}
		row := data.Clone()
		if _, ok := row["deleted"]; !ok {
			row["deleted"] = false
		}
		row["__typename"] = "x"
		return dataResponse("insert_x", map[string]any{"returning": []models.Record{row}}), nil
	}

	resp := dataResponse("rows", f.rows)
	if f.extraKey {
		resp.Data["other"] = json.RawMessage(`[]`)
	}
	return resp, nil
}

func dataResponse(key string, v any) *graphql.Response {
	raw, _ := json.Marshal(v)
	return &graphql.Response{Data: map[string]json.RawMessage{key: raw}}
}

func (f *fakeBackend) setRows(rows ...models.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = rows
}

func (f *fakeBackend) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if strings.HasPrefix(r.Query, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeBackend) pushedRecords() []models.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Record(nil), f.pushed...)
}

func (f *fakeBackend) pushedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.pushed))
	for i, r := range f.pushed {
		out[i], _ = r.ID("id")
	}
	return out
}

func (f *fakeBackend) lastQuery() *graphql.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.requests) - 1; i >= 0; i-- {
		if strings.HasPrefix(f.requests[i].Query, "query") {
			return f.requests[i]
		}
	}
	return nil
}

// harness wires one DataStore, a fake backend and both signals.
type harness struct {
	ds      *datastore.DataStore
	backend *fakeBackend
	net     *network.Indicator
	tokens  *auth.TokenProvider
	auth    *auth.Indicator
}

func newHarness(t *testing.T, schema ...models.Model) *harness {
	t.Helper()
	st, err := store.NewBolt(filepath.Join(t.TempDir(), "replica.db"))
	require.NoError(t, err)
	ds, err := datastore.New(st, schema, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })

	tokens := auth.NewTokenProvider()
	authInd := auth.NewIndicator(tokens)
	t.Cleanup(authInd.Close)

	net := network.NewIndicator(network.AlwaysOnline, nil)
	net.Set(false)

	return &harness{
		ds:      ds,
		backend: &fakeBackend{},
		net:     net,
		tokens:  tokens,
		auth:    authInd,
	}
}

func testOptions() Options {
	return Options{Retry: &graphql.RetryConfig{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 40 * time.Millisecond}}
}

func (h *harness) config() Config {
	return Config{Client: h.backend, Options: testOptions()}
}

func (h *harness) collection(t *testing.T, name string) *datastore.Collection {
	t.Helper()
	c, err := h.ds.Collection(name)
	require.NoError(t, err)
	return c
}

func (h *harness) modelReplicator(t *testing.T, name string, cfg Config) *ModelReplicator {
	t.Helper()
	mr, err := NewModelReplicator(h.collection(t, name), h.ds.Store(), h.net, h.auth, cfg)
	require.NoError(t, err)
	mr.Activate(context.Background())
	t.Cleanup(mr.Close)
	return mr
}

func (h *harness) coordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(h.ds, h.net, h.auth, cfg)
	require.NoError(t, err)
	c.Activate(context.Background())
	t.Cleanup(c.Close)
	return c
}

// signToken issues an HS256 token carrying the given Hasura roles.
func signToken(t *testing.T, roles ...string) string {
	t.Helper()
	allowed := make([]any, len(roles))
	for i, r := range roles {
		allowed[i] = r
	}
	claims := gojwt.MapClaims{
		"sub":                 "user-1",
		auth.HasuraClaimsKey: map[string]any{"x-hasura-allowed-roles": allowed},
	}
	tok, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func queueLen(t *testing.T, mr *ModelReplicator) int {
	t.Helper()
	n, _, err := mr.Pending(context.Background())
	require.NoError(t, err)
	return n
}
