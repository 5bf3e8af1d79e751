// Package livenet implements transport.INetwork on real goroutines. Every
// node drains its own lock-free mailbox on a goroutine of an errgroup, so
// handlers of different nodes run concurrently while each node still sees
// one message at a time. Messages are encoded with a serializer on send and
// decoded by the receiver, delays and timers use time.AfterFunc.
package livenet
