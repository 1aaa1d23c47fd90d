package endpoint

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	uuid "github.com/satori/go.uuid"
	"go.uber.org/zap"

	"mqrpc/protocol"
	"mqrpc/rpcerr"
)

// ReplyToAttribute names the message attribute holding the requestor's reply queue url.
const ReplyToAttribute = "ReplyTo"

const sqsRetryDelay = time.Second

// NewSQSClient opens an SQS client for region. A non-empty endpoint overrides the service
// url, e.g. for a local SQS-compatible broker.
func NewSQSClient(region, endpoint string) (sqsiface.SQSAPI, error) {
	cfg := aws.NewConfig().WithRegion(region)
	if endpoint != "" {
		cfg = cfg.WithEndpoint(endpoint)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, err
	}
	return sqs.New(sess), nil
}

// SQSEndpoint exchanges messages through SQS queues.
//
// A responder binds its request queue (sqs://name). A requestor connects to a responder's
// queue and receives replies on a private queue it creates on first connect and deletes
// on reset or close.
type SQSEndpoint struct {
	role Role
	api  sqsiface.SQSAPI
	opts *Options
	log  *zap.Logger

	mu     sync.Mutex
	bind   binding
	gen    *sqsGeneration
	closed bool
}

type sqsGeneration struct {
	*inbox
	ctx    context.Context
	cancel context.CancelFunc

	sendURL   string
	replyURL  string
	ownsReply bool
}

func NewSQSEndpoint(api sqsiface.SQSAPI, role Role, opts ...*Options) *SQSEndpoint {
	o := parseOptions(opts...)
	e := &SQSEndpoint{
		role: role,
		api:  api,
		opts: o,
		log:  o.Logger.Named("sqs-" + role.String()),
	}
	e.gen = e.newGeneration()
	return e
}

func (e *SQSEndpoint) newGeneration() *sqsGeneration {
	ctx, cancel := context.WithCancel(context.Background())
	return &sqsGeneration{inbox: newInbox(e.opts.InboxSize), ctx: ctx, cancel: cancel}
}

// Bind opens (creating when missing) the named queue and polls it. On a requestor the
// bound queue becomes the reply queue.
func (e *SQSEndpoint) Bind(rawURL string) error {
	name, err := parseSQSURL(rawURL)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	g := e.gen
	queueURL, err := e.createQueue(g.ctx, name)
	if err != nil {
		return err
	}
	if e.role == Requestor {
		if g.replyURL != "" {
			return fmt.Errorf("endpoint: reply queue already set to %s", g.replyURL)
		}
		g.replyURL = queueURL
	}
	e.bind.add(rawURL)
	go e.pollLoop(g, queueURL)
	e.log.Info("bound", zap.String("queue", queueURL))
	return nil
}

// Connect resolves the named queue as the send target.
func (e *SQSEndpoint) Connect(rawURL string) error {
	name, err := parseSQSURL(rawURL)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	g := e.gen
	out, err := e.api.GetQueueUrlWithContext(g.ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return err
	}
	if e.role == Requestor && g.replyURL == "" {
		replyURL, err := e.createQueue(g.ctx, e.opts.QueuePrefix+uuid.NewV4().String())
		if err != nil {
			return err
		}
		g.replyURL = replyURL
		g.ownsReply = true
		go e.pollLoop(g, replyURL)
	}
	g.sendURL = aws.StringValue(out.QueueUrl)
	e.bind.add(rawURL)
	return nil
}

func (e *SQSEndpoint) createQueue(ctx context.Context, name string) (string, error) {
	out, err := e.api.CreateQueueWithContext(ctx, &sqs.CreateQueueInput{QueueName: aws.String(name)})
	if err != nil {
		return "", err
	}
	return aws.StringValue(out.QueueUrl), nil
}

func (e *SQSEndpoint) pollLoop(g *sqsGeneration, queueURL string) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(queueURL),
		MaxNumberOfMessages:   aws.Int64(10),
		WaitTimeSeconds:       aws.Int64(e.opts.WaitTimeSeconds),
		MessageAttributeNames: []*string{aws.String(ReplyToAttribute)},
	}
	for {
		out, err := e.api.ReceiveMessageWithContext(g.ctx, input)
		if err != nil {
			if g.ctx.Err() != nil {
				return
			}
			e.log.Warn("receive failed", zap.String("queue", queueURL), zap.Error(err))
			select {
			case <-time.After(sqsRetryDelay):
				continue
			case <-g.ctx.Done():
				return
			}
		}
		if len(out.Messages) == 0 {
			continue
		}

		entries := make([]*sqs.DeleteMessageBatchRequestEntry, 0, len(out.Messages))
		for i, m := range out.Messages {
			entries = append(entries, &sqs.DeleteMessageBatchRequestEntry{
				Id:            aws.String(strconv.Itoa(i)),
				ReceiptHandle: m.ReceiptHandle,
			})
		}
		if _, err := e.api.DeleteMessageBatchWithContext(g.ctx, &sqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(queueURL),
			Entries:  entries,
		}); err != nil && g.ctx.Err() == nil {
			e.log.Warn("delete failed", zap.String("queue", queueURL), zap.Error(err))
		}

		for _, m := range out.Messages {
			frames, err := e.decode(m)
			if err != nil {
				e.log.Warn("dropping message", zap.String("queue", queueURL), zap.Error(err))
				continue
			}
			if !g.put(frames) {
				return
			}
		}
	}
}

func (e *SQSEndpoint) decode(m *sqs.Message) ([][]byte, error) {
	data, err := base64.StdEncoding.DecodeString(aws.StringValue(m.Body))
	if err != nil {
		return nil, err
	}
	frames, err := protocol.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if e.role == Responder {
		attr, ok := m.MessageAttributes[ReplyToAttribute]
		if !ok || aws.StringValue(attr.StringValue) == "" {
			return nil, fmt.Errorf("message %s has no %s attribute", aws.StringValue(m.MessageId), ReplyToAttribute)
		}
		frames = append([][]byte{[]byte(aws.StringValue(attr.StringValue))}, frames...)
	}
	return frames, nil
}

func (e *SQSEndpoint) Send(frames [][]byte) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if !e.bind.ready {
		e.mu.Unlock()
		return rpcerr.ErrNotReady
	}
	ctx, sendURL, replyURL := e.gen.ctx, e.gen.sendURL, e.gen.replyURL
	e.mu.Unlock()

	input := &sqs.SendMessageInput{}
	if e.role == Requestor {
		if sendURL == "" {
			return ErrNoPeer
		}
		input.QueueUrl = aws.String(sendURL)
		input.MessageAttributes = map[string]*sqs.MessageAttributeValue{
			ReplyToAttribute: {
				DataType:    aws.String("String"),
				StringValue: aws.String(replyURL),
			},
		}
	} else {
		if len(frames) == 0 || len(frames[0]) == 0 {
			return ErrNoPeer
		}
		input.QueueUrl = aws.String(string(frames[0]))
		frames = frames[1:]
	}

	data, err := protocol.Marshal(frames)
	if err != nil {
		return err
	}
	input.MessageBody = aws.String(base64.StdEncoding.EncodeToString(data))
	_, err = e.api.SendMessageWithContext(ctx, input)
	return err
}

func (e *SQSEndpoint) Recv() ([][]byte, error) {
	return recv(func() *inbox {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed {
			return nil
		}
		return e.gen.inbox
	}, e.opts.RecvTimeout)
}

func (e *SQSEndpoint) Reset() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	old := e.gen
	e.gen = e.newGeneration()
	e.bind.clear()
	e.mu.Unlock()

	e.shutdown(old)
	return nil
}

func (e *SQSEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.bind.clear()
	old := e.gen
	e.mu.Unlock()

	e.shutdown(old)
	return nil
}

func (e *SQSEndpoint) shutdown(g *sqsGeneration) {
	g.cancel()
	g.shut()
	if !g.ownsReply {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.api.DeleteQueueWithContext(ctx, &sqs.DeleteQueueInput{QueueUrl: aws.String(g.replyURL)}); err != nil {
		e.log.Warn("deleting reply queue failed", zap.String("queue", g.replyURL), zap.Error(err))
	}
}

func (e *SQSEndpoint) IsReady() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bind.ready
}

func (e *SQSEndpoint) BoundURLs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bind.snapshot()
}

func parseSQSURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "sqs" || u.Host == "" {
		return "", fmt.Errorf("endpoint: unsupported url %q, want sqs://queue-name", rawURL)
	}
	return u.Host, nil
}
