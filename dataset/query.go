package dataset

import "context"

// Stats summarizes one query run. The on-disk query engine and index
// encoding live behind the seams below; this is deliberately the entire
// surface this package demands of them.
type Stats struct {
	FilesScanned  int64
	FilesMatched  int64
	DatasetsRead  int64
}

// QueryEngine runs a parsed query string against a set of files, writing
// every match into w. The engine itself — ngram/hash index evaluation,
// spelling correction, YARA-like syntax — is out of scope here; Engine
// is the seam this package calls through.
type QueryEngine interface {
	Execute(ctx context.Context, query string, taints []string, files []string, w ResultWriter) (Stats, error)
}

// Indexer builds new datasets from filesystem paths. On-disk index
// construction is a named external collaborator; Indexer is the seam.
type Indexer interface {
	RecursiveIndexPaths(ctx context.Context, paths []string, indexTypes []string, taints []string) (Dataset, error)
	ForceRecursiveIndexPaths(ctx context.Context, paths []string, indexTypes []string, taints []string) (Dataset, error)
	ReindexDataset(ctx context.Context, existing Dataset, indexTypes []string) (Dataset, error)
	CompactDatasets(ctx context.Context, existing []Dataset) (Dataset, error)
}
