// Package engine is a minimal implementation of the two collaborators
// the broker treats as pluggable: on-disk index construction
// (gram3/text4/wide8/hash4) and query evaluation against those indexes.
// It exists so cmd/ursadbd has a concrete dataset.Indexer and
// dataset.QueryEngine to wire up; a real deployment would replace it
// with an actual indexing engine without touching anything above the
// dataset.Indexer/QueryEngine seam.
package engine

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/chivay/ursadb/dataset"
)

// Engine is a literal-substring QueryEngine and a whole-file-walk Indexer.
// It reads every candidate file's content on each query rather than
// maintaining the real secondary structures (gram3 n-grams, a wide8
// rolling hash, …) those index types name.
type Engine struct{}

// New constructs an Engine. There is no state to hold: every index type
// this engine claims to build resolves to the same "scan the files"
// evaluation strategy.
func New() *Engine {
	return &Engine{}
}

// Execute scans files and writes every one matching query into w. A file
// "matches" when it contains query as a literal substring. Taint
// filtering already happened in the snapshot's Execute before files
// reaches here, so taints is not consulted.
func (e *Engine) Execute(ctx context.Context, query string, taints []string, files []string, w dataset.ResultWriter) (dataset.Stats, error) {
	var stats dataset.Stats
	for _, path := range files {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}

		stats.FilesScanned++
		matched, err := fileContains(path, query)
		if err != nil {
			continue // unreadable file: skip rather than fail the whole query
		}
		if matched {
			stats.FilesMatched++
			if err := w.AppendFileMatch(path); err != nil {
				return stats, errors.Wrap(err, "engine: writing match")
			}
		}
	}
	return stats, nil
}

func fileContains(path, query string) (bool, error) {
	if query == "" {
		return true, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return false, err
	}
	return strings.Contains(string(raw), query), nil
}

// RecursiveIndexPaths walks every path recursively and builds a dataset
// covering every regular file found, tagged with indexTypes and taints.
func (e *Engine) RecursiveIndexPaths(ctx context.Context, paths []string, indexTypes []string, taints []string) (dataset.Dataset, error) {
	files, size, err := walkAll(ctx, paths)
	if err != nil {
		return dataset.Dataset{}, err
	}
	return newDataset(files, size, indexTypes, taints), nil
}

// ForceRecursiveIndexPaths is RecursiveIndexPaths with per-file content
// deduplication: a later path whose content sha256 collides with an
// already-seen file (within this same index request) is dropped.
func (e *Engine) ForceRecursiveIndexPaths(ctx context.Context, paths []string, indexTypes []string, taints []string) (dataset.Dataset, error) {
	files, _, err := walkAll(ctx, paths)
	if err != nil {
		return dataset.Dataset{}, err
	}

	seen := make(map[string]struct{}, len(files))
	var unique []string
	var uniqueSize int64
	for _, path := range files {
		sum, err := sha256File(path)
		if err != nil {
			continue
		}
		if _, ok := seen[sum]; ok {
			continue
		}
		seen[sum] = struct{}{}
		unique = append(unique, path)
		if fi, err := os.Stat(path); err == nil {
			uniqueSize += fi.Size()
		}
	}
	return newDataset(unique, uniqueSize, indexTypes, taints), nil
}

// ReindexDataset rebuilds a replacement dataset over the same file list,
// carrying forward the taints already applied to existing.
func (e *Engine) ReindexDataset(ctx context.Context, existing dataset.Dataset, indexTypes []string) (dataset.Dataset, error) {
	var taints []string
	for t := range existing.Taints {
		taints = append(taints, t)
	}
	var size int64
	for _, path := range existing.Files {
		if fi, err := os.Stat(path); err == nil {
			size += fi.Size()
		}
	}
	return newDataset(existing.Files, size, indexTypes, taints), nil
}

// CompactDatasets merges every existing dataset's file list into one
// replacement dataset, carrying forward the union of their index types
// and taints.
func (e *Engine) CompactDatasets(ctx context.Context, existing []dataset.Dataset) (dataset.Dataset, error) {
	var files []string
	var size int64
	taintSet := make(map[string]struct{})
	typeSet := make(map[string]struct{})
	for _, ds := range existing {
		files = append(files, ds.Files...)
		size += ds.TotalSize()
		for t := range ds.Taints {
			taintSet[t] = struct{}{}
		}
		for _, idx := range ds.Indexes {
			typeSet[idx.Type] = struct{}{}
		}
	}
	var taints, types []string
	for t := range taintSet {
		taints = append(taints, t)
	}
	for t := range typeSet {
		types = append(types, t)
	}
	return newDataset(files, size, types, taints), nil
}

func newDataset(files []string, size int64, indexTypes []string, taints []string) dataset.Dataset {
	taintSet := make(map[string]struct{}, len(taints))
	for _, t := range taints {
		taintSet[t] = struct{}{}
	}
	indexes := make([]dataset.Index, 0, len(indexTypes))
	for _, t := range indexTypes {
		indexes = append(indexes, dataset.Index{Type: t, Size: size})
	}
	return dataset.Dataset{
		ID:        uuid.Must(uuid.NewV7()).String(),
		FileCount: int64(len(files)),
		Taints:    taintSet,
		Indexes:   indexes,
		Files:     files,
	}
}

func walkAll(ctx context.Context, paths []string) ([]string, int64, error) {
	var files []string
	var size int64
	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if d.IsDir() {
				return nil
			}
			files = append(files, path)
			if fi, err := d.Info(); err == nil {
				size += fi.Size()
			}
			return nil
		})
		if err != nil {
			return nil, 0, errors.Wrapf(err, "engine: walking %q", root)
		}
	}
	return files, size, nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, bufio.NewReader(f)); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
