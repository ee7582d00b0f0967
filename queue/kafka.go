package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"hunch-copytrader/middleware"
	"hunch-copytrader/models"
	"hunch-copytrader/syncer"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

const (
	signatureHeader = "upstash-signature"
	errorHeader     = "x-copytrader-error"
	attemptsHeader  = "x-copytrader-attempts"
)

// Executor runs one copy job
type Executor interface {
	Execute(ctx context.Context, job models.CopyJob) (models.CopyResult, error)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config holds the Kafka transport settings
type Config struct {
	Brokers       []string
	Topic         string
	GroupID       string
	DLQTopic      string
	Subject       string
	MaxDeliveries int
	RetryBackoff  time.Duration
}

// JobConsumer consumes signed copy jobs from Kafka
type JobConsumer struct {
	reader        messageReader
	dlq           messageWriter
	verifier      *middleware.Verifier
	executor      Executor
	subject       string
	maxDeliveries int
	backoff       time.Duration
	logger        *logrus.Entry
}

// NewJobConsumer creates a Kafka job consumer
func NewJobConsumer(cfg Config, verifier *middleware.Verifier, executor Executor, logger *logrus.Logger) *JobConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.GroupID,
		Topic:   cfg.Topic,
	})
	var dlq messageWriter
	if cfg.DLQTopic != "" {
		dlq = &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.DLQTopic,
			RequiredAcks:           kafka.RequireAll,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		}
	}
	return newJobConsumer(reader, dlq, verifier, executor, cfg, logger)
}

func newJobConsumer(reader messageReader, dlq messageWriter, verifier *middleware.Verifier, executor Executor, cfg Config, logger *logrus.Logger) *JobConsumer {
	if cfg.MaxDeliveries < 1 {
		cfg.MaxDeliveries = 1
	}
	return &JobConsumer{
		reader:        reader,
		dlq:           dlq,
		verifier:      verifier,
		executor:      executor,
		subject:       cfg.Subject,
		maxDeliveries: cfg.MaxDeliveries,
		backoff:       cfg.RetryBackoff,
		logger:        logger.WithField("component", "job_consumer"),
	}
}

// Run consumes until ctx is cancelled. Offsets are committed only once a
// message is finished: terminal result, dropped, or dead-lettered.
func (c *JobConsumer) Run(ctx context.Context) error {
	c.logger.Info("Job consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka commit: %w", err)
		}
	}
}

func headerValue(msg kafka.Message, name string) string {
	for _, h := range msg.Headers {
		if strings.EqualFold(h.Key, name) {
			return string(h.Value)
		}
	}
	return ""
}

// handle returns an error only when the message must not be committed
func (c *JobConsumer) handle(ctx context.Context, msg kafka.Message) error {
	log := c.logger.WithFields(logrus.Fields{
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	if err := c.verifier.Verify(headerValue(msg, signatureHeader), msg.Value, c.subject); err != nil {
		log.WithError(err).Warn("Dropping job with bad signature")
		return nil
	}

	var job models.CopyJob
	if err := json.Unmarshal(msg.Value, &job); err != nil || job.LeaderTradeID == "" || job.FollowerID == "" {
		log.WithError(err).Warn("Dropping malformed job")
		return nil
	}
	log = log.WithFields(logrus.Fields{
		"leader_trade_id": job.LeaderTradeID,
		"follower_id":     job.FollowerID,
	})

	var lastErr error
	for attempt := 1; attempt <= c.maxDeliveries; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(c.backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		result, err := c.executor.Execute(ctx, job)
		if err == nil {
			log.WithFields(logrus.Fields{
				"status": result.Status,
				"reason": result.Reason,
			}).Debug("Job finished")
			return nil
		}
		lastErr = err
		log.WithError(err).WithField("attempt", attempt).Warn("Job attempt failed")

		// A rerun would only report already_processed
		if syncer.RecordWritten(err) {
			return c.deadLetter(ctx, msg, err, attempt, log)
		}
	}

	return c.deadLetter(ctx, msg, lastErr, c.maxDeliveries, log)
}

func (c *JobConsumer) deadLetter(ctx context.Context, msg kafka.Message, cause error, attempts int, log *logrus.Entry) error {
	if c.dlq == nil {
		log.WithError(cause).Error("Job exhausted deliveries, no dead-letter topic configured")
		return nil
	}

	headers := append([]kafka.Header{}, msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: errorHeader, Value: []byte(cause.Error())},
		kafka.Header{Key: attemptsHeader, Value: []byte(strconv.Itoa(attempts))},
	)
	err := c.dlq.WriteMessages(ctx, kafka.Message{
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("kafka dead-letter write: %w", err)
	}
	log.WithError(cause).Error("Job moved to dead-letter topic")
	return nil
}

// Close closes the reader and the dead-letter writer
func (c *JobConsumer) Close() error {
	var errs []error
	if err := c.reader.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.dlq != nil {
		if err := c.dlq.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// JobPublisher enqueues signed copy jobs
type JobPublisher struct {
	writer     messageWriter
	signingKey string
	subject    string
	ttl        time.Duration
}

// NewJobPublisher creates a Kafka job publisher
func NewJobPublisher(cfg Config, signingKey string) *JobPublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &JobPublisher{writer: writer, signingKey: signingKey, subject: cfg.Subject, ttl: 5 * time.Minute}
}

// Publish signs and writes a job. Jobs for a follower share a partition.
func (p *JobPublisher) Publish(ctx context.Context, job models.CopyJob) error {
	value, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	token, err := middleware.SignJob(p.signingKey, p.subject, value, p.ttl)
	if err != nil {
		return fmt.Errorf("sign job: %w", err)
	}

	msg := kafka.Message{
		Key:     []byte(job.FollowerID),
		Value:   value,
		Headers: []kafka.Header{{Key: signatureHeader, Value: []byte(token)}},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Close closes the underlying Kafka writer
func (p *JobPublisher) Close() error {
	return p.writer.Close()
}
