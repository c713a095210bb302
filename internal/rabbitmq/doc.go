// Package rabbitmq holds the AMQP 0-9-1 plumbing used by the broker
// transport.
//
//   - ConnectionManager: one connection, re-dialed with exponential backoff
//     and reporting state changes to listeners
//   - ChannelPool: channels opened on demand and reused
//   - Publisher: publishes to queues through the default exchange and waits
//     for publisher confirms; unroutable messages fail
//   - Consumer: queue declaration and subscriptions with manual acks; failed
//     deliveries are requeued once unless the error is permanent
package rabbitmq
