package storage

import (
	"errors"

	"github.com/hupe1980/tapeann/core"
	"github.com/hupe1980/tapeann/graph"
	"github.com/hupe1980/tapeann/pagestore"
)

var (
	// ErrEntryPointDeleted is returned when a search is seeded at a
	// tombstoned node. The index must always keep a live entry point;
	// violating that is a fatal precondition, not a skippable edge.
	ErrEntryPointDeleted = errors.New("storage: entry point is deleted")

	// ErrHeapBindingMissing is returned when an operation needs a node's
	// source row but the node carries no heap back-reference.
	ErrHeapBindingMissing = errors.New("storage: node has no heap binding")

	// ErrQuantizedUnsupported is returned when a quantized search is
	// requested from a backend without codes.
	ErrQuantizedUnsupported = errors.New("storage: backend has no quantized codes")
)

// Engine is the unified contract a storage backend exposes to index build,
// insert and search orchestration. Two implementations exist: PlainStorage
// (full-precision vectors on pages) and PQStorage (quantized codes on pages,
// full precision via the heap). The backend is selected at index-open time
// and held behind this one dispatch point.
type Engine interface {
	// PageType tags the pages this backend allocates.
	PageType() pagestore.PageType

	// CreateNode persists a new node for vec and returns its locator. The
	// quantized backend fails here when no trained quantizer exists.
	CreateNode(vec []float32, heap core.HeapPointer) (core.ItemPointer, error)

	// StartTraining, AddSample and FinishTraining pass through to the
	// backend's quantizer; the full-precision backend treats them as
	// no-ops.
	StartTraining()
	AddSample(vec []float32) error
	FinishTraining() error

	// FinalizeNodeAtEndOfBuild commits a node's final adjacency once bulk
	// construction has settled it, and (for the quantized backend)
	// computes and stores the node's code from its now-known full vector.
	FinalizeNodeAtEndOfBuild(ptr core.ItemPointer, neighbors []graph.NeighborWithDistance) error

	// BeginSearch binds a query to this backend and returns the per-query
	// session driving graph traversal. useQuantized selects approximate
	// code distances; exact distances read full vectors instead.
	BeginSearch(query []float32, useQuantized bool) (graph.Storage, error)

	// BeginStagedSearch is BeginSearch with adjacency served from a
	// build-time staging area instead of node pages. Distances are always
	// exact during build.
	BeginStagedSearch(query []float32, staging *graph.StagingNeighborStore) (graph.Storage, error)

	// NeighborsWithFullDistances re-ranks a node's persisted adjacency
	// against full-precision distances, independent of the query-time
	// approximate path. Insert and prune logic build on it.
	NeighborsWithFullDistances(ptr core.ItemPointer) ([]graph.NeighborWithDistance, error)

	// SetNeighbors persists an updated adjacency list for the node.
	SetNeighbors(ptr core.ItemPointer, neighbors []graph.NeighborWithDistance) error

	// ReadNode returns a point-in-time copy of the node.
	ReadNode(ptr core.ItemPointer) (*Node, error)

	// MarkDeleted tombstones the node. The node stays on its page for
	// graph connectivity until vacuum reclaims it.
	MarkDeleted(ptr core.ItemPointer) error

	// Layout returns the backend's fixed node layout.
	Layout() NodeLayout
}
