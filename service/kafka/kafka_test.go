package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"PPRelay/module/message"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedNow() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }

func TestProducerPublishMessage(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		ev, err := DecodeEvent(val)
		if err != nil {
			return err
		}
		if ev.Type != EventMessageCreated {
			return errors.New("wrong type " + ev.Type)
		}
		var p message.Payload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return err
		}
		if p.Message != "hi" || p.From != 1 || p.To != 2 {
			return errors.New("unexpected payload")
		}
		return nil
	})

	p := NewProducer(sp, "")
	p.now = fixedNow
	require.NoError(t, p.PublishMessage(context.Background(), &message.Message{ID: 9, FromUserID: 1, ToUserID: 2, Body: "hi", CreatedAt: fixedNow()}))
	require.NoError(t, p.Close())
}

func TestProducerPublishRead(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		ev, err := DecodeEvent(val)
		if err != nil {
			return err
		}
		if ev.Type != EventMessageRead || ev.At != "2024-05-01T10:00:00.000Z" {
			return errors.New("unexpected event")
		}
		return nil
	})
	p := NewProducer(sp, "chat-events")
	p.now = fixedNow
	require.NoError(t, p.PublishRead(context.Background(), &message.ReadEvent{ReaderID: 2, SenderID: 1, At: fixedNow()}))
	require.NoError(t, p.Close())
}

func TestProducerSendFailure(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	p := NewProducer(sp, "")
	err := p.PublishMessage(context.Background(), &message.Message{FromUserID: 1, ToUserID: 2, Body: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, sarama.ErrOutOfBrokers))
	require.NoError(t, p.Close())
}

func TestProducerCancelledContext(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	p := NewProducer(sp, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.PublishMessage(ctx, &message.Message{FromUserID: 1, ToUserID: 2, Body: "x"}), context.Canceled)
	require.NoError(t, p.Close())
}

func TestConversationKey(t *testing.T) {
	assert.Equal(t, "1:2", conversationKey(1, 2))
	assert.Equal(t, "1:2", conversationKey(2, 1))
}

func TestDecodeEvent(t *testing.T) {
	_, err := DecodeEvent([]byte("nope"))
	assert.Error(t, err)
	_, err = DecodeEvent([]byte(`{"data":{}}`))
	assert.Error(t, err)
	ev, err := DecodeEvent([]byte(`{"type":"chat.message.read","at":"x","data":{"readerId":2}}`))
	require.NoError(t, err)
	assert.Equal(t, EventMessageRead, ev.Type)
	assert.JSONEq(t, `{"readerId":2}`, string(ev.Data))
}

func TestBuildSaramaConfig(t *testing.T) {
	cfg, err := BuildSaramaConfig(DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
	assert.Equal(t, sarama.CompressionSnappy, cfg.Producer.Compression)
	assert.Equal(t, sarama.OffsetNewest, cfg.Consumer.Offsets.Initial)
	assert.True(t, cfg.Producer.Return.Successes)

	c := DefaultConfig()
	c.Version = "not-a-version"
	_, err = BuildSaramaConfig(c)
	assert.Error(t, err)

	c = DefaultConfig()
	c.InitialOffset = "oldest"
	c.ProducerCompression = "none"
	cfg, err = BuildSaramaConfig(c)
	require.NoError(t, err)
	assert.Equal(t, sarama.OffsetOldest, cfg.Consumer.Offsets.Initial)
	assert.Equal(t, sarama.CompressionNone, cfg.Producer.Compression)
}

func TestEnsureTopicCreates(t *testing.T) {
	admin := &fakeAdmin{describe: []*sarama.TopicMetadata{{Name: DefaultTopic, Err: sarama.ErrUnknownTopicOrPartition}}}
	require.NoError(t, EnsureTopic(admin, DefaultConfig()))
	require.NotNil(t, admin.created)
	assert.Equal(t, int32(8), admin.created.NumPartitions)
	assert.Equal(t, "1", *admin.created.ConfigEntries["min.insync.replicas"])
}

func TestEnsureTopicExpands(t *testing.T) {
	admin := &fakeAdmin{describe: []*sarama.TopicMetadata{{
		Name:       DefaultTopic,
		Err:        sarama.ErrNoError,
		Partitions: make([]*sarama.PartitionMetadata, 2),
	}}}
	require.NoError(t, EnsureTopic(admin, DefaultConfig()))
	assert.Nil(t, admin.created)
	assert.Equal(t, int32(8), admin.expandedTo)
}

// fakeAdmin 只实现 EnsureTopic 用到的方法
type fakeAdmin struct {
	sarama.ClusterAdmin
	describe   []*sarama.TopicMetadata
	created    *sarama.TopicDetail
	expandedTo int32
}

func (f *fakeAdmin) DescribeTopics([]string) ([]*sarama.TopicMetadata, error) {
	return f.describe, nil
}

func (f *fakeAdmin) CreateTopic(_ string, d *sarama.TopicDetail, _ bool) error {
	f.created = d
	return nil
}

func (f *fakeAdmin) CreatePartitions(_ string, count int32, _ [][]int32, _ bool) error {
	f.expandedTo = count
	return nil
}
