// Package messaging provides topics, publishing and durable subscriptions over JetStream.
//
// Each topic is a stream named topic_<name> capturing the subject topics.<name>. Each
// subscription is a durable pull consumer on that stream with explicit acknowledgement; its
// MaxInFlight bounds both the unacknowledged messages the server hands out and the handlers
// running concurrently in the subscription's worker pool.
//
// # Publishing
//
// Strings and byte slices are sent as-is, everything else is JSON-encoded:
//
//	id, err := msgs.Publish(ctx, "orders", Order{ID: "o-1"}, messaging.PublishOptions{
//	    Attributes: map[string]string{"source": "checkout"},
//	})
//
// # Subscribing
//
//	sub, err := messaging.Subscribe(ctx, msgs, "orders", "billing",
//	    func(ctx context.Context, msg *messaging.Envelope[Order]) error {
//	        return bill(ctx, msg.Data)
//	    },
//	    messaging.SubscribeOptions{AutoAck: true, HandlerTimeout: 30 * time.Second},
//	)
//
// A handler error, panic or timeout nacks the message exactly once and it is redelivered.
// With AutoAck a handler that returns nil is acked; otherwise the handler calls Ack or Nack
// itself. Only the first disposition of a message takes effect.
//
// Unsubscribe stops local delivery but keeps the durable subscription, so messages published
// meanwhile are delivered on the next Subscribe. DeleteSubscription removes it.
package messaging
