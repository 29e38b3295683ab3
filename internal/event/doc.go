/*
Package event provides the lifecycle event bus of the server.

Components publish connection and execution lifecycle events; observers
(status counters, audit logging) subscribe without depending on the
publisher. The bus is an explicitly constructed instance.

Subscribers registered with Subscribe and SubscribeAll are invoked directly
and receive the typed Data value. Every event is also published as JSON on
the underlying watermill GoChannel under its type, which Stream exposes for
consumers that want a channel instead of a callback.

# Event Types

Connection Events:
  - connection.opened: a transport was accepted
  - connection.authenticated: a credential was accepted
  - connection.closed: a connection was torn down, Data carries the reason

Execution Events:
  - execution.started: an execution was admitted
  - execution.finished: an execution reached a terminal state
*/
package event
