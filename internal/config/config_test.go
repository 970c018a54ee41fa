package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{
		"REPLICA_ENDPOINT", "REPLICA_SUBSCRIPTION_URL", "REPLICA_HEALTH_URL", "REPLICA_STORAGE_URL",
		"REPLICA_BACKEND", "REPLICA_LOG_LEVEL", "REPLICA_LOG_FORMAT", "REPLICA_TOKEN",
		"REPLICA_WEBHOOK_URLS", "REPLICA_PULL_INTERVAL",
	} {
		t.Setenv(k, "")
	}
}

func TestInitializeAndLoad(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	cfg, err := Initialize(dir, "http://localhost:8080/v1/graphql")
	require.NoError(t, err)
	assert.DirExists(t, cfg.ObjectsPath())
	assert.Equal(t, filepath.Join(dir, ReplicaDir, DatabaseFile), cfg.DatabasePath())

	nested := filepath.Join(dir, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))

	loaded, err := LoadFrom(nested)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/v1/graphql", loaded.Endpoint)
	assert.Equal(t, BackendBolt, loaded.Backend)
	assert.Equal(t, 10*time.Minute, loaded.PullInterval.Std())
	assert.Equal(t, cfg.Path(), loaded.Path())
	assert.Equal(t, dir, loaded.ProjectDir())
}

func TestInitialize_AlreadyExists(t *testing.T) {
	dir := t.TempDir()
	_, err := Initialize(dir, "")
	require.NoError(t, err)
	_, err = Initialize(dir, "")
	assert.Error(t, err)
}

func TestLoadFrom_NotAProject(t *testing.T) {
	_, err := LoadFrom(t.TempDir())
	assert.ErrorContains(t, err, "not a replica project")
}

func TestLoadFrom_ParsesFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	_, err := Initialize(dir, "")
	require.NoError(t, err)

	content := `endpoint = "http://api/graphql"
backend = "sqlite"
pull_interval = "30s"
webhook_urls = ["http://hook"]

[log]
level = "debug"
format = "json"

[[models]]
name = "tasks"
primary_key = "id"

[[models.fields]]
name = "id"

[[models.fields]]
name = "done"
remote = "is_done"

[models.permissions]
read = ["user"]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ReplicaDir, ConfigFile), []byte(content), 0644))

	cfg, err := LoadFrom(dir)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "http://api/graphql", cfg.Endpoint)
	assert.Equal(t, BackendSQLite, cfg.Backend)
	assert.Equal(t, 30*time.Second, cfg.PullInterval.Std())
	assert.Equal(t, []string{"http://hook"}, cfg.WebhookURLs)
	assert.Equal(t, LogConfig{Level: "debug", Format: "json"}, cfg.Log)

	schema, err := cfg.Schema()
	require.NoError(t, err)
	require.Len(t, schema, 1)
	assert.Equal(t, "tasks", schema[0].Name)
	assert.Equal(t, "is_done", schema[0].Fields[1].Remote)
	assert.Equal(t, []string{"user"}, schema[0].Permissions.Read)
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	_, err := Initialize(dir, "http://file/graphql")
	require.NoError(t, err)

	t.Setenv("REPLICA_ENDPOINT", "http://env/graphql")
	t.Setenv("REPLICA_TOKEN", "tok")
	t.Setenv("REPLICA_WEBHOOK_URLS", "http://a, http://b,")
	t.Setenv("REPLICA_PULL_INTERVAL", "2m")

	cfg, err := LoadFrom(dir)
	require.NoError(t, err)
	assert.Equal(t, "http://env/graphql", cfg.Endpoint)
	assert.Equal(t, "tok", cfg.Token)
	assert.Equal(t, []string{"http://a", "http://b"}, cfg.WebhookURLs)
	assert.Equal(t, 2*time.Minute, cfg.PullInterval.Std())
}

func TestLoadFrom_DotEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	_, err := Initialize(dir, "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, EnvFile), []byte("REPLICA_STORAGE_URL=http://storage\n"), 0644))
	// godotenv never overrides a variable that exists, even when empty.
	require.NoError(t, os.Unsetenv("REPLICA_STORAGE_URL"))

	cfg, err := LoadFrom(dir)
	require.NoError(t, err)
	assert.Equal(t, "http://storage", cfg.StorageURL)
}

func TestLoadFrom_InvalidPullInterval(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	_, err := Initialize(dir, "")
	require.NoError(t, err)
	t.Setenv("REPLICA_PULL_INTERVAL", "soon")

	_, err = LoadFrom(dir)
	assert.ErrorContains(t, err, "REPLICA_PULL_INTERVAL")
}

func TestValidate_UnknownBackend(t *testing.T) {
	cfg := Defaults()
	cfg.Backend = "mongo"
	assert.Error(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	cfg, err := Initialize(dir, "http://x")
	require.NoError(t, err)

	cfg.Token = "secret"
	cfg.SubscriptionURL = "ws://x"
	require.NoError(t, cfg.Save())

	data, err := os.ReadFile(filepath.Join(cfg.Path(), ConfigFile))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")
	assert.Contains(t, string(data), "10m0s")

	loaded, err := LoadFrom(dir)
	require.NoError(t, err)
	assert.Equal(t, "ws://x", loaded.SubscriptionURL)
}

// ==================== Schema File Tests ====================

func TestSchema_YAMLFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	cfg, err := Initialize(dir, "")
	require.NoError(t, err)

	yamlSchema := `models:
  - name: photos
    primary_key: id
    fields:
      - name: id
      - name: image
      - name: imagePath
        remote: image_path
      - name: imageKey
        remote: image_key
    attachments:
      - name: image
        data_field: image
        pending_path_field: imagePath
        uploaded_path_field: imageKey
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "schema.yaml"), []byte(yamlSchema), 0644))
	cfg.SchemaFile = "schema.yaml"

	schema, err := cfg.Schema()
	require.NoError(t, err)
	require.Len(t, schema, 1)
	m := schema[0]
	assert.Equal(t, "photos", m.Name)
	require.Len(t, m.Attachments, 1)
	assert.Equal(t, "imageKey", m.Attachments[0].UploadedPathField)
	assert.NoError(t, m.Validate())
}

func TestSchema_TOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.toml")
	require.NoError(t, os.WriteFile(path, []byte("[[models]]\nname = \"a\"\nprimary_key = \"id\"\n[[models.fields]]\nname = \"id\"\n"), 0644))

	schema, err := LoadSchemaFile(path)
	require.NoError(t, err)
	require.Len(t, schema, 1)
	assert.Equal(t, "a", schema[0].Name)
}

func TestSchema_MissingFile(t *testing.T) {
	_, err := LoadSchemaFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1h30m")))
	assert.Equal(t, 90*time.Minute, d.Std())
	b, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1h30m0s", string(b))
	assert.Error(t, d.UnmarshalText([]byte("x")))
}
