// Package export writes YAML snapshots of the store and versions them with git.
package export

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/mklimuk/atelier-pilot/pkg/model"
	"github.com/mklimuk/atelier-pilot/pkg/store"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Collections exported by default.
var Collections = []string{
	model.CollectionTasks,
	model.CollectionAppointments,
	model.CollectionClients,
	model.CollectionProjects,
}

// Result describes one export.
type Result struct {
	Files     []string
	Records   int
	Committed bool
}

// Exporter dumps collections to <dir>/<collection>.yaml.
type Exporter struct {
	store       store.Store
	dir         string
	collections []string
	git         *GitManager
	log         *logrus.Entry
}

// NewExporter creates an exporter. git may be nil to skip versioning.
func NewExporter(s store.Store, dir string, git *GitManager) *Exporter {
	return &Exporter{
		store:       s,
		dir:         dir,
		collections: Collections,
		git:         git,
		log:         logrus.WithField("component", "export"),
	}
}

// Export writes every collection and commits the result when it changed.
func (e *Exporter) Export(ctx context.Context) (*Result, error) {
	if err := os.MkdirAll(e.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create export dir: %w", err)
	}

	res := &Result{}
	for _, coll := range e.collections {
		recs, err := e.store.Query(ctx, coll)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", coll, err)
		}
		data, err := Marshal(recs)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", coll, err)
		}
		name := coll + ".yaml"
		if err := os.WriteFile(filepath.Join(e.dir, name), data, 0644); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", name, err)
		}
		res.Files = append(res.Files, name)
		res.Records += len(recs)
	}

	if e.git != nil {
		paths := make([]string, 0, len(res.Files))
		for _, name := range res.Files {
			rel, err := filepath.Rel(e.git.RepoPath, filepath.Join(e.dir, name))
			if err != nil {
				return res, fmt.Errorf("export dir is outside the repository: %w", err)
			}
			paths = append(paths, filepath.ToSlash(rel))
		}
		committed, err := e.git.Commit(fmt.Sprintf("Snapshot: %d records", res.Records), paths...)
		res.Committed = committed
		if err != nil {
			return res, err
		}
	}

	e.log.WithFields(logrus.Fields{
		"records":   res.Records,
		"committed": res.Committed,
	}).Info("snapshot exported")
	return res, nil
}

// Marshal renders records as a YAML list ordered by id, so that unchanged
// data produces identical files.
func Marshal(recs []store.Record) ([]byte, error) {
	sorted := slices.Clone(recs)
	slices.SortFunc(sorted, func(a, b store.Record) int {
		ida, _ := a["id"].(string)
		idb, _ := b["id"].(string)
		return cmp.Compare(ida, idb)
	})
	if sorted == nil {
		sorted = []store.Record{}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(sorted); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
