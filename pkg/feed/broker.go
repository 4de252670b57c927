package feed

import (
	"sync"

	"github.com/GnarlyMshtep/matan-ntfy/pkg/event"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// subscriberBuffer is each subscriber's channel depth. A subscriber that
// falls this far behind starts losing messages instead of blocking
// publishers.
const subscriberBuffer = 64

type subscriber struct {
	id string
	ch chan event.Envelope
}

// broker fans published envelopes out to the current subscribers of a topic.
// Delivery is best effort; there is no replay for late subscribers.
type broker struct {
	log    logrus.FieldLogger
	mu     sync.Mutex
	topics map[string]map[string]*subscriber
}

func newBroker(log logrus.FieldLogger) *broker {
	return &broker{
		log:    log.WithField("component", "broker"),
		topics: make(map[string]map[string]*subscriber),
	}
}

func (b *broker) subscribe(topic string) *subscriber {
	sub := &subscriber{
		id: uuid.NewString(),
		ch: make(chan event.Envelope, subscriberBuffer),
	}

	b.mu.Lock()

	set, ok := b.topics[topic]
	if !ok {
		set = make(map[string]*subscriber)
		b.topics[topic] = set
	}

	set[sub.id] = sub

	b.mu.Unlock()

	b.log.WithFields(logrus.Fields{
		"topic":      topic,
		"subscriber": sub.id,
	}).Info("Subscriber connected")

	return sub
}

func (b *broker) unsubscribe(topic string, sub *subscriber) {
	b.mu.Lock()

	if set, ok := b.topics[topic]; ok {
		delete(set, sub.id)

		if len(set) == 0 {
			delete(b.topics, topic)
		}
	}

	b.mu.Unlock()

	b.log.WithFields(logrus.Fields{
		"topic":      topic,
		"subscriber": sub.id,
	}).Info("Subscriber disconnected")
}

// publish delivers env to every subscriber of the topic and reports how many
// received it. The subscriber set is copied out so channel sends happen
// outside the lock.
func (b *broker) publish(topic string, env event.Envelope) int {
	b.mu.Lock()

	subs := make([]*subscriber, 0, len(b.topics[topic]))
	for _, sub := range b.topics[topic] {
		subs = append(subs, sub)
	}

	b.mu.Unlock()

	delivered := 0

	for _, sub := range subs {
		select {
		case sub.ch <- env:
			delivered++
		default:
			b.log.WithFields(logrus.Fields{
				"topic":      topic,
				"subscriber": sub.id,
			}).Warn("Dropping message for slow subscriber")
		}
	}

	return delivered
}

func (b *broker) subscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	for _, set := range b.topics {
		count += len(set)
	}

	return count
}

// topicCount reports how many topics currently have at least one subscriber.
func (b *broker) topicCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.topics)
}
