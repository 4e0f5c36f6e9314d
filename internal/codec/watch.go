package codec

import (
	"context"
	"io/fs"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
)

// Watcher re-parses a SchemaRegistry's schema directories whenever a
// .proto file under them changes, supplementing a feature spec.md's
// distillation dropped (SPEC_FULL.md §4.20). It is grounded on
// internal/script/registry.go's fsnotify-based hot-reload for Tengo
// script sources: walk the watched directories to register them with
// the watcher, then loop on watcher.Events/watcher.Errors until ctx is
// canceled. It never runs unless a caller explicitly starts it — the
// production AMQP path never touches this file.
type Watcher struct {
	schema  *SchemaRegistry
	fsys    afero.Fs
	dirs    []string
	watcher *fsnotify.Watcher
}

// NewWatcher builds a watcher for schema, over the same fsys/dirs
// already passed to schema.Init.
func NewWatcher(schema *SchemaRegistry, fsys afero.Fs, dirs ...string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	for _, dir := range dirs {
		err := afero.Walk(fsys, dir, func(p string, info fs.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				return fw.Add(p)
			}
			return nil
		})
		if err != nil {
			fw.Close()
			return nil, err
		}
	}

	return &Watcher{schema: schema, fsys: fsys, dirs: dirs, watcher: fw}, nil
}

// Run blocks, re-running SchemaRegistry.Init on every write/create event
// under a watched directory, until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			if err := w.schema.Init(w.fsys, w.dirs...); err != nil {
				w.schema.log.Error("codec: schema hot-reload failed", "path", event.Name, "err", err)
				continue
			}
			w.schema.log.Info("codec: schema hot-reloaded", "path", event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.schema.log.Error("codec: schema watcher error", "err", err)
		}
	}
}
