/*
Package events provides an in-memory event broker for river's internal
pub/sub messaging.

The broker is a non-blocking fan-out bus: Publish sends to a buffered
channel, a single broadcast goroutine copies each event to every
subscriber's own buffered channel, and slow subscribers drop events
rather than stall the publisher. There is no persistence, replay, or
delivery guarantee — it exists to decouple the statemachine and
liveness monitor from whatever is watching task and node transitions
(the metrics collector, CLI streaming, audit logging), not to replace
the durable record in the store.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for ev := range sub {
			...
		}
	}()

	broker.Publish(&events.Event{Type: events.EventTaskFailed, Message: "..."})
*/
package events
