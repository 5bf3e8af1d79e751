// Package node implements the three kinds of protocol participants of the
// hierarchical cache: the Database, the inner (L1) and outer (L2) Cache and
// the Client.
//
// Every participant is a transport.INode. The network hands it one message at
// a time, so the handlers keep their state in plain maps and slices without
// locking. Timers are self-messages scheduled through the transport.IContext;
// every timer handler first checks whether the request it guards is still
// pending, which resolves all races between a timer and the answer it waits
// for.
//
// Key Components:
//
//   - Database: Holds the authoritative items. Applies writes and multicasts
//     refills, coordinates critical writes with a two-phase invalidation and
//     allows at most one critical write per key.
//
//   - Cache: Memoizes items on the path between clients and the database.
//     Outer caches detect a crashed parent by timeout and fail over to the
//     database, inner caches aggregate the invalidation confirmations of their
//     children and tolerate MaxConcurrentCrash missing ones. A crash plan
//     (see package fault) makes a cache crash at a named checkpoint.
//
//   - Client: Issues one operation at a time, queues the rest and reports the
//     Outcome of each operation. On timeout it fails over to a random
//     alternate outer cache.
//
// Errors:
//
//	Failed operations are reported as *Error values. Use errors.Is with the
//	sentinel errors (ErrStaleBlocked, ErrCriticalWriteConflict,
//	ErrParentUnresponsive, ErrCriticalWriteAborted, ErrCancelled) to check
//	the kind.
package node
