/*
Package bus relays room events between maproom processes.

Every process that holds viewers of a room subscribes to that room's
subject on an external broker. The write path publishes one Event per
change and the broker fans it out to every subscribed process, which then
delivers it to its local connections.

Delivery is at-most-once. Events from a single publisher arrive in order
per room; there is no ordering across publishers. Update events carry the
full map state, so a lost or reordered event is repaired by the next one.

Two brokers are supported:

  - NATS: core NATS subjects "<prefix>.room.<code>". An embedded server can
    be started for single-host deployments and tests.
  - Redis: PUBLISH/SUBSCRIBE on channels "<prefix>:room:<code>".

Publish failures trip a circuit breaker. While it is open Degraded reports
true and publishes fail fast with ErrUnavailable; local rooms keep working.
*/
package bus
