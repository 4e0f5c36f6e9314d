package codec

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/protobus/internal/logging"
)

func writeProto(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestWatcherReloadsChangedSchema(t *testing.T) {
	dir := t.TempDir()
	writeProto(t, dir, "demo.proto", `
syntax = "proto3";
package demo.watch;
message Ping {
  string value = 1;
}
`)

	fsys := afero.NewOsFs()
	schema, err := NewSchemaRegistry(logging.Noop{})
	require.NoError(t, err)
	require.NoError(t, schema.Init(fsys, dir))

	_, ok := schema.LookupMessage("demo.watch.Ping")
	require.True(t, ok)

	watcher, err := NewWatcher(schema, fsys, dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go watcher.Run(ctx)
	defer cancel()

	writeProto(t, dir, "demo.proto", `
syntax = "proto3";
package demo.watch;
message Ping {
  string value = 1;
  string extra = 2;
}
`)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		md, ok := schema.LookupMessage("demo.watch.Ping")
		if ok && md.FindFieldByName("extra") != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("schema was not hot-reloaded within deadline")
}
