/*
Package forktree keeps the headers a node knows about above its last
finalized block and selects the best chain among them.

The tree is rooted at the finalized block. Headers are only accepted on top
of a known parent, so every node's ancestry ends at the root. The best chain
is the longest one; equally long chains are ordered by hash so every node
picks the same tip.

Finalizing a block makes it the new root and drops every branch that does
not contain it. Finalization is monotonic: pruned blocks cannot be finalized
later.
*/
package forktree
