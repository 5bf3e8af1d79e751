// Package common provides the data structures shared by every part of the
// dCache protocol simulation: the wire message, the configuration of a run and
// the logger setup.
//
// Key Components:
//
//   - Message: a single tagged-union structure used for every protocol message.
//     MsgType selects which fields are meaningful. Read-family requests carry a
//     response path (Path) which every forwarding hop pushes itself onto and
//     every answering hop pops the next destination from. Factory functions
//     (NewReadRequest, NewCriticalRefill, ...) build well-formed messages.
//
//   - MessageType: enumeration of all protocol, bootstrap, lifecycle and debug
//     message types, serialized as strings in JSON.
//
//   - ErrorKind: the reason carried by ReqError and CritWriteError messages
//     (stale-blocked, critical-write-conflict, parent-unresponsive,
//     critical-write-aborted, cancelled).
//
//   - Config and Timeouts: topology sizes, network delays, protocol timers and
//     workload parameters, with a String() pretty printer for the command line.
//
//   - Logger: a custom implementation of dragonboat's logger.ILogger giving all
//     named loggers (db, cache, client, simnet, ...) a consistent format.
package common
