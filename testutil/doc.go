// Package testutil provides in-memory stand-ins for the NATS primitives behind the cloudkit
// facades, so facade tests run without a server.
//
//   - MockKVStore: a KV bucket with revisions and compare-and-set, usable as document.Bucket
//   - MockRequester: request/reply with per-subject responders, usable as functions.Requester
//   - MockBroker and MockDelivery: streams, durable consumers and pull delivery with
//     ack/nak/term counting, usable as messaging.Broker
//
// Every mock returns the same sentinel errors as the real client (natsclient.ErrKVKeyNotFound,
// jetstream.ErrStreamNotFound, nats.ErrNoResponders and so on), and every mock can be told to
// fail a method with FailOn where that applies.
//
// Tests against a real server use natsclient.NewTestClient instead.
package testutil
