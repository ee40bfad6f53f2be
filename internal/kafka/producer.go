package kafka

import (
	"context"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// Producer stages messages on an inbox channel and writes them from a
// single goroutine. Publishing never blocks the caller's request path;
// Close + WaitClosed flush the remainder on shutdown.
type Producer struct {
	w       *kafka.Writer
	inbox   chan kafka.Message
	closeCh chan struct{}
}

func NewProducer(brokers []string, topic string, buf int) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        true,
		},
		inbox:   make(chan kafka.Message, buf),
		closeCh: make(chan struct{}),
	}
}

func (p *Producer) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				close(p.inbox)
				for m := range p.inbox {
					p.write(m)
				}
				_ = p.w.Close()
				close(p.closeCh)
				return
			case m, ok := <-p.inbox:
				if !ok {
					_ = p.w.Close()
					close(p.closeCh)
					return
				}
				p.write(m)
			}
		}
	}()
}

func (p *Producer) write(m kafka.Message) {
	if err := p.w.WriteMessages(context.Background(), m); err != nil {
		log.Printf("kafka: write %s: %v", p.w.Topic, err)
	}
}

func (p *Producer) Publish(key, value []byte, headers ...kafka.Header) {
	p.inbox <- kafka.Message{
		Key:     key,
		Value:   value,
		Time:    time.Now(),
		Headers: headers,
	}
}

// Close stops accepting messages; the loop flushes what is left.
func (p *Producer) Close() { close(p.inbox) }

// WaitClosed blocks until the flush finished.
func (p *Producer) WaitClosed() { <-p.closeCh }
