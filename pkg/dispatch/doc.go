/*
Package dispatch is the websocket channel between the control plane and the
worker fleet.

Workers connect once, open with a register frame, then stream heartbeats and
task results; the control plane pushes execute_task and cancel_task frames
down the same connection. A reconnecting worker supersedes its previous
connection and keeps its registration record, so a brief drop inside the
heartbeat loss window costs nothing.

The hub implements the scheduler's Dispatcher. Writes to a broken
connection trip a circuit breaker so dispatching fails fast while the
channel is unhealthy.
*/
package dispatch
