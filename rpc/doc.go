// Package rpc provides the message layer of the dCache protocol simulation.
// It connects the protocol nodes (database, caches, clients) and carries every
// message and timer between them.
//
// The package is organized into several subpackages:
//
//   - common: Core data structures and utilities used across the system,
//     including the Message protocol, configuration structures, and logging.
//
//   - transport: The network abstraction (INode, IContext, INetwork) with two
//     implementations: simnet, a deterministic discrete event simulator, and
//     livenet, which runs every node on its own goroutine in real time.
//
//   - serializer: Message serialization with multiple format options (Binary, JSON, GOB)
//     for converting between Message objects and byte arrays.
package rpc
