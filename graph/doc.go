// Package graph implements greedy best-first traversal over a navigable
// small-world graph: the bounded candidate list that ranks discovered nodes,
// the search driver that expands the nearest unvisited candidate until
// convergence or budget exhaustion, and the neighbor-store abstraction that
// decouples the traversal from where adjacency lives (on disk or in a
// build-time staging area).
//
// The traversal itself never touches pages or vectors. Each search runs
// against a Storage implementation that seeds and expands candidates; the
// list enforces the at-most-once invariant per node and the ordering and
// termination rules.
package graph
