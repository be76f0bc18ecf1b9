/*
Package events provides the in-process event bus for Loom's real-time fan-out.

The broker delivers orchestration events (task-update, subtask-update,
worker-update, checkpoint-ready, task-complete, task-failed, activity-log) to
subscribers, typically websocket sessions serving UI clients.

# Guarantees

  - Publish returns quickly under normal load but blocks when the fan-out
    queue is full rather than reorder or drop events.
  - Events on one topic are delivered in publish order and carry a
    monotonically increasing per-topic sequence number for gap detection.
  - Live subscribers get at-least-once delivery; across reconnects a bounded
    replay ring per topic (default 256 events) gives best-effort recovery via
    Subscribe(topic, fromSeq).
  - A subscriber whose queue overflows is dropped after a synthetic
    catch-up-required event; it is expected to resubscribe from its last
    sequence number.

# Topics

Each task has its own topic (events.TaskTopic(id)); worker fleet events go to
events.TopicWorkers. TopicAll subscribes to everything, without replay.

	sub := broker.Subscribe(events.TaskTopic(taskID), 0, events.KindSubtaskUpdate)
	defer broker.Unsubscribe(sub)
	for e := range sub.C {
		...
	}
*/
package events
