package stream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

type recordedPublish struct {
	topic string
	key   string
	value []byte
}

type testPublisher struct {
	published []recordedPublish
	err       error
}

func (p *testPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, recordedPublish{topic: topic, key: key, value: value})
	return nil
}

func testConsumer(handler Handler) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		handler: handler,
		logger:  zap.NewNop(),
		tracer:  otel.Tracer("stream-consumer"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func record(topic string, partition int32, offset int64, value string) *kgo.Record {
	return &kgo.Record{
		Topic:     topic,
		Partition: partition,
		Offset:    offset,
		Key:       []byte("patient-1"),
		Value:     []byte(value),
	}
}

func TestCollectCommitsAllHandled(t *testing.T) {
	c := testConsumer(func(ctx context.Context, msg *Message) error { return nil })

	records := []*kgo.Record{
		record(TopicUnifiedEvents, 0, 5, "a"),
		record(TopicUnifiedEvents, 0, 6, "b"),
		record(TopicUnifiedEvents, 1, 3, "c"),
	}
	committable := c.collectCommits(records)
	if len(committable) != 3 {
		t.Fatalf("committable = %d records, want 3", len(committable))
	}
}

// Without a dead-letter publisher, a failed record must hold back its
// own offset and every later offset on the same partition, so nothing
// is committed past a lost record.
func TestCollectCommitsFailureBlocksPartition(t *testing.T) {
	c := testConsumer(func(ctx context.Context, msg *Message) error {
		if msg.Offset == 5 {
			return errors.New("poison")
		}
		return nil
	})

	records := []*kgo.Record{
		record(TopicUnifiedEvents, 0, 5, "poison"),
		record(TopicUnifiedEvents, 0, 6, "good"),
		record(TopicUnifiedEvents, 1, 3, "good"),
	}
	committable := c.collectCommits(records)
	if len(committable) != 1 {
		t.Fatalf("committable = %+v, want only the other partition's record", committable)
	}
	if committable[0].Partition != 1 {
		t.Errorf("committed partition = %d", committable[0].Partition)
	}
}

func TestCollectCommitsDeadLettersPoisonRecord(t *testing.T) {
	c := testConsumer(func(ctx context.Context, msg *Message) error {
		if msg.Offset == 5 {
			return errors.New("decode failed")
		}
		return nil
	})
	pub := &testPublisher{}
	c.SetDeadLetter(pub)

	records := []*kgo.Record{
		record(TopicUnifiedEvents, 0, 5, `{"bad":`),
		record(TopicUnifiedEvents, 0, 6, "good"),
	}
	committable := c.collectCommits(records)
	if len(committable) != 2 {
		t.Fatalf("committable = %d records, want both once the poison record is dead-lettered", len(committable))
	}

	if len(pub.published) != 1 {
		t.Fatalf("dead-letter publishes = %+v", pub.published)
	}
	dl := pub.published[0]
	if dl.topic != TopicDeadLetter {
		t.Errorf("dead-letter topic = %s", dl.topic)
	}
	if dl.key != "patient-1" {
		t.Errorf("dead-letter key = %s", dl.key)
	}

	var envelope map[string]interface{}
	if err := json.Unmarshal(dl.value, &envelope); err != nil {
		t.Fatalf("envelope not json: %v", err)
	}
	if envelope["source_topic"] != TopicUnifiedEvents {
		t.Errorf("envelope source_topic = %v", envelope["source_topic"])
	}
	if envelope["source_offset"] != float64(5) {
		t.Errorf("envelope source_offset = %v", envelope["source_offset"])
	}
	if envelope["error"] != "decode failed" {
		t.Errorf("envelope error = %v", envelope["error"])
	}
}

// When the dead-letter publish itself fails, the record must not be
// committed: the partition blocks and the record is redelivered.
func TestCollectCommitsDeadLetterFailureBlocks(t *testing.T) {
	c := testConsumer(func(ctx context.Context, msg *Message) error {
		return errors.New("poison")
	})
	c.SetDeadLetter(&testPublisher{err: errors.New("broker down")})

	records := []*kgo.Record{
		record(TopicUnifiedEvents, 0, 5, "poison"),
		record(TopicUnifiedEvents, 0, 6, "poison"),
	}
	if committable := c.collectCommits(records); len(committable) != 0 {
		t.Fatalf("committable = %+v, want none", committable)
	}
}
