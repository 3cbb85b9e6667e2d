package messaging

import (
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/cloudkit/errors"
	"github.com/c360/cloudkit/natsclient"
)

// Disposition is the outcome recorded for a delivered message
type Disposition int32

// Dispositions
const (
	Pending Disposition = iota
	Acked
	Nacked
	Terminated
)

// String returns the disposition label used in logs and metrics
func (d Disposition) String() string {
	switch d {
	case Acked:
		return "ack"
	case Nacked:
		return "nack"
	case Terminated:
		return "term"
	default:
		return "pending"
	}
}

// ErrAlreadyDisposed is returned by Ack or Nack after the message already has a disposition
var ErrAlreadyDisposed = errors.New("message already acknowledged")

// Envelope is a delivered message. The first Ack or Nack wins; later calls have no effect.
type Envelope[T any] struct {
	Data        T
	Attributes  map[string]string
	ID          string
	OrderingKey string
	PublishTime time.Time
	// DeliveryAttempt is 1 on first delivery
	DeliveryAttempt int
	Subscription    string

	delivery    natsclient.Delivery
	disposition atomic.Int32
	onDispose   func(Disposition, error)
}

// Ack confirms processing; the message is not redelivered
func (e *Envelope[T]) Ack() error {
	return e.dispose(Acked, e.delivery.Ack)
}

// Nack rejects the message for redelivery
func (e *Envelope[T]) Nack() error {
	return e.dispose(Nacked, e.delivery.Nak)
}

// Disposition returns the recorded disposition
func (e *Envelope[T]) Disposition() Disposition {
	return Disposition(e.disposition.Load())
}

func (e *Envelope[T]) dispose(d Disposition, send func() error) error {
	if !e.disposition.CompareAndSwap(int32(Pending), int32(d)) {
		return ErrAlreadyDisposed
	}
	err := send()
	if e.onDispose != nil {
		e.onDispose(d, err)
	}
	if err != nil {
		return errors.NewMessagingError(errors.CodeUnavailable, d.String(), e.Subscription,
			"send "+d.String()+" for message "+e.ID+": "+err.Error(), err)
	}
	return nil
}

// decodePayload parses data as JSON into T. When that fails and T is a string, byte slice
// or interface, the raw payload is used instead.
func decodePayload[T any](data []byte) (T, error) {
	var v T
	switch p := any(&v).(type) {
	case *[]byte:
		*p = append([]byte(nil), data...)
		return v, nil
	case *json.RawMessage:
		*p = append(json.RawMessage(nil), data...)
		return v, nil
	}

	err := json.Unmarshal(data, &v)
	if err == nil {
		return v, nil
	}

	switch p := any(&v).(type) {
	case *string:
		*p = string(data)
		return v, nil
	case *any:
		*p = string(data)
		return v, nil
	}
	var zero T
	return zero, err
}

// attributes returns the user headers, omitting transport and cloudkit headers
func attributes(hdr nats.Header) map[string]string {
	attrs := make(map[string]string, len(hdr))
	for k, values := range hdr {
		if isReservedHeader(k) || len(values) == 0 {
			continue
		}
		attrs[k] = values[0]
	}
	return attrs
}

func newEnvelope[T any](d natsclient.Delivery, subscription string) (*Envelope[T], error) {
	data, err := decodePayload[T](d.Data())
	if err != nil {
		return nil, err
	}

	hdr := d.Headers()
	env := &Envelope[T]{
		Data:            data,
		Attributes:      attributes(hdr),
		ID:              hdr.Get(nats.MsgIdHdr),
		OrderingKey:     hdr.Get(HeaderOrderingKey),
		DeliveryAttempt: 1,
		Subscription:    subscription,
		delivery:        d,
	}

	if meta, err := d.Metadata(); err == nil && meta != nil {
		env.PublishTime = meta.Timestamp
		if meta.NumDelivered > 0 {
			env.DeliveryAttempt = int(meta.NumDelivered)
		}
		if env.ID == "" {
			env.ID = meta.Stream + ":" + strconv.FormatUint(meta.Sequence.Stream, 10)
		}
	}
	return env, nil
}
