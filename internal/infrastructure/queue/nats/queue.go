package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/merchantforge/poflow/internal/core/domain"
	"github.com/merchantforge/poflow/internal/infrastructure/resilience"
)

// Queue carries stage jobs and asynchronous image-search jobs over NATS.
// Delivery is at-least-once from the workers' perspective: handlers must be
// idempotent.
type Queue struct {
	conn         *nats.Conn
	stageSubject string
	imageSubject string
	executor     *resilience.Executor
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
}

func New(url, stageSubject, imageSubject string) (*Queue, error) {
	return NewWithOptions(url, stageSubject, imageSubject, Options{})
}

func NewWithOptions(url, stageSubject, imageSubject string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name("poflow"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("nats reconnected: %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:         conn,
		stageSubject: stageSubject,
		imageSubject: imageSubject,
		executor:     options.ResilienceExecutor,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishStageJob(ctx context.Context, job domain.StageJob) error {
	return q.publish(ctx, q.stageSubject, "nats.publish_stage", job)
}

func (q *Queue) PublishImageJob(ctx context.Context, job domain.ImageJob) error {
	return q.publish(ctx, q.imageSubject, "nats.publish_image", job)
}

func (q *Queue) publish(ctx context.Context, subject, operation string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", operation, err)
	}

	call := func(_ context.Context) error {
		if err := q.conn.Publish(subject, data); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if q.executor != nil {
		err = q.executor.Execute(ctx, operation, call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

func (q *Queue) SubscribeStageJobs(ctx context.Context, handler func(context.Context, domain.StageJob) error) error {
	return q.subscribe(ctx, q.stageSubject, func(handlerCtx context.Context, data []byte) error {
		var job domain.StageJob
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("unmarshal stage job: %w", err)
		}
		return handler(handlerCtx, job)
	})
}

func (q *Queue) SubscribeImageJobs(ctx context.Context, handler func(context.Context, domain.ImageJob) error) error {
	return q.subscribe(ctx, q.imageSubject, func(handlerCtx context.Context, data []byte) error {
		var job domain.ImageJob
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("unmarshal image job: %w", err)
		}
		return handler(handlerCtx, job)
	})
}

func (q *Queue) subscribe(ctx context.Context, subject string, handler func(context.Context, []byte) error) error {
	sub, err := q.conn.QueueSubscribe(subject, "workers", func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, msg.Data); err != nil {
			log.Printf("worker handler error on %s: %v", subject, err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}
