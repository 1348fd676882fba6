package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kjstillabower/traffic-mock-service/internal/models"
)

// Sink receives generated observations. Send is called from a single goroutine
// per driver run; Close flushes anything buffered.
type Sink interface {
	Name() string
	Send(ctx context.Context, obs models.TrafficObservation) error
	Close() error
}

// Ingester posts a single observation; *ingest.Client implements it.
type Ingester interface {
	Ingest(ctx context.Context, obs models.TrafficObservation) error
}

// IngestSink delivers observations to the platform ingestion API.
type IngestSink struct {
	client Ingester
}

// NewIngestSink wraps client, normally an *ingest.Client.
func NewIngestSink(client Ingester) *IngestSink {
	return &IngestSink{client: client}
}

// Name returns "ingest", the sink label used in metrics and logs.
func (s *IngestSink) Name() string { return "ingest" }

// Send posts obs through the client, which retries and re-authenticates.
func (s *IngestSink) Send(ctx context.Context, obs models.TrafficObservation) error {
	return s.client.Ingest(ctx, obs)
}

// Close is a no-op; the client holds no buffered data.
func (s *IngestSink) Close() error { return nil }

// KafkaSink publishes one JSON message per observation, keyed by location name
// so a location's samples stay ordered within a partition.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaSink connects a synchronous producer to brokers.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, fmt.Errorf("kafka sink: brokers and topic are required")
	}
	cfg := sarama.NewConfig()
	cfg.ClientID = "traffic-generator"
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 100 * time.Millisecond
	cfg.Producer.Return.Successes = true // required by SyncProducer
	cfg.Net.DialTimeout = 30 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka sink: create producer: %w", err)
	}
	return newKafkaSink(producer, topic), nil
}

func newKafkaSink(producer sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

// Name returns "kafka", the sink label used in metrics and logs.
func (s *KafkaSink) Name() string { return "kafka" }

// Send publishes obs and waits for the broker acknowledgement.
func (s *KafkaSink) Send(ctx context.Context, obs models.TrafficObservation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("kafka sink: encode: %w", err)
	}
	_, _, err = s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(obs.Location),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return fmt.Errorf("kafka sink: send to %s: %w", s.topic, err)
	}
	return nil
}

// Close shuts down the producer.
func (s *KafkaSink) Close() error {
	return s.producer.Close()
}

// mqttPublisher is the subset of mqtt.Client the sink needs.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSink publishes each observation to <prefix>/<location-slug>.
type MQTTSink struct {
	client      mqttPublisher
	topicPrefix string
	qos         byte
	timeout     time.Duration
}

// NewMQTTSink connects to broker (for example tcp://localhost:1883).
func NewMQTTSink(broker, clientID, topicPrefix string, qos byte, timeout time.Duration) (*MQTTSink, error) {
	if broker == "" {
		return nil, fmt.Errorf("mqtt sink: broker is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetConnectTimeout(timeout).
		SetAutoReconnect(true)
	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(timeout) {
		return nil, fmt.Errorf("mqtt sink: connect to %s timed out", broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt sink: connect to %s: %w", broker, err)
	}
	return newMQTTSink(client, topicPrefix, qos, timeout), nil
}

func newMQTTSink(client mqttPublisher, topicPrefix string, qos byte, timeout time.Duration) *MQTTSink {
	if topicPrefix == "" {
		topicPrefix = "traffic/observations"
	}
	return &MQTTSink{client: client, topicPrefix: strings.TrimRight(topicPrefix, "/"), qos: qos, timeout: timeout}
}

// Name returns "mqtt", the sink label used in metrics and logs.
func (s *MQTTSink) Name() string { return "mqtt" }

// Send publishes obs and waits up to the configured timeout for delivery.
func (s *MQTTSink) Send(ctx context.Context, obs models.TrafficObservation) error {
	payload, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("mqtt sink: encode: %w", err)
	}
	topic := s.topicPrefix + "/" + slug(obs.Location)
	tok := s.client.Publish(topic, s.qos, false, payload)

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("mqtt sink: publish to %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("mqtt sink: publish to %s timed out after %s", topic, s.timeout)
	}
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}

// slug lowercases name and joins its words with hyphens: "PNBS Bus Stand" -> "pnbs-bus-stand".
func slug(name string) string {
	fields := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	return strings.Join(fields, "-")
}

// objectPutter is the subset of *s3.Client the sink needs.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink buffers observations as JSON lines and uploads them as a single
// object when closed. Nothing is uploaded for an empty run.
type S3Sink struct {
	client  objectPutter
	bucket  string
	key     string
	timeout time.Duration

	mu  sync.Mutex
	buf bytes.Buffer
	enc *json.Encoder
}

// NewS3Sink loads the default AWS configuration (env, shared config, IMDS).
func NewS3Sink(ctx context.Context, region, bucket, key string) (*S3Sink, error) {
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("s3 sink: bucket and key are required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3 sink: load aws config: %w", err)
	}
	return newS3Sink(s3.NewFromConfig(cfg), bucket, key), nil
}

func newS3Sink(client objectPutter, bucket, key string) *S3Sink {
	s := &S3Sink{client: client, bucket: bucket, key: key, timeout: time.Minute}
	s.enc = json.NewEncoder(&s.buf)
	return s
}

// Name returns "s3", the sink label used in metrics and logs.
func (s *S3Sink) Name() string { return "s3" }

// Send appends obs to the in-memory buffer.
func (s *S3Sink) Send(ctx context.Context, obs models.TrafficObservation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(obs)
}

// Close uploads the buffer. It uses its own timeout so an already cancelled
// run still persists what it generated.
func (s *S3Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf.Len() == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key),
		Body:        bytes.NewReader(s.buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("s3 sink: upload s3://%s/%s: %w", s.bucket, s.key, err)
	}
	s.buf.Reset()
	return nil
}

// WriterSink writes JSON lines to w; used for dry runs.
type WriterSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewWriterSink writes one JSON object per line to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{enc: json.NewEncoder(w)}
}

// Name returns "stdout", the sink label used in metrics and logs.
func (s *WriterSink) Name() string { return "stdout" }

// Send writes obs as one JSON line.
func (s *WriterSink) Send(ctx context.Context, obs models.TrafficObservation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(obs)
}

// Close is a no-op; the writer is owned by the caller.
func (s *WriterSink) Close() error { return nil }
