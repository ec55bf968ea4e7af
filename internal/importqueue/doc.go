// Package importqueue buffers downloaded blocks until they can be validated.
//
// Blocks arrive out of order and from many peers. The queue only releases a
// block once its parent has been imported, keeps the release order equal to
// the arrival order, and drops whole subtrees when a block is rejected.
package importqueue
