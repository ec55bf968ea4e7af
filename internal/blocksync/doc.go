/*
Package blocksync implements the block synchronization engine: a reactor
Service that finds peers with longer or divergent chains, downloads the
blocks it is missing and feeds them through the import validation hook.

Peers exchange four messages. StatusMessage advertises the sender's best
block and genesis. BlockRequest asks for a run of consecutive blocks,
ascending or descending, by number or by hash, with or without bodies, and
BlockResponse answers it. NewBlockAnnounce gossips a freshly imported best
block.

For every peer whose best block beats the local best chain the Syncer first
runs an ancestor search: single header requests at decreasing candidate
heights, halving the interval each round trip, locate the highest block the
peer's chain shares with the local fork tree. It then downloads the blocks
above it in ascending batches. Peers with the same best block share one job;
the others only step in when the working peer stalls past a grace period.
Announced blocks whose parent is known skip the search.

Downloaded blocks enter the fork tree and the import queue, which hands them
to the validation hook once their parent has been imported. A rejected block
takes its queued descendants with it.

All sync state is owned by one goroutine of the Reactor. Transport
callbacks, validation results and finality signals are delivered to it as
events, so none of the components needs locking.
*/
package blocksync
