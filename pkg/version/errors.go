// Package version maintains the per-document version DAG with named
// branches and three-way branch merging.
package version

import "errors"

var (
	// ErrVersionNotFound indicates an unknown version id or number
	ErrVersionNotFound = errors.New("version: version not found")

	// ErrBranchNotFound indicates an unknown branch name
	ErrBranchNotFound = errors.New("version: branch not found")

	// ErrBranchExists indicates a branch name already in use
	ErrBranchExists = errors.New("version: branch already exists")

	// ErrNoCommonAncestor indicates two versions with disjoint histories
	ErrNoCommonAncestor = errors.New("version: no common ancestor")

	// ErrBrokenChain indicates a parent pointer to a missing version
	ErrBrokenChain = errors.New("version: broken parent chain")
)
