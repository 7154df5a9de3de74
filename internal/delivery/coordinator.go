// Package delivery reflects a completion outcome into the chat as a reply
// that is edited in place while a stream is consumed.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/haasonsaas/relay/internal/completion"
	"github.com/haasonsaas/relay/pkg/models"
)

const (
	DefaultMaxInlineLength = 2000
	DefaultAttachmentName  = "message.txt"
)

// ErrEmptyResponse means the provider returned nothing to deliver.
var ErrEmptyResponse = errors.New("empty completion response")

// File is an attachment sent instead of inline content.
type File struct {
	Name string
	Data []byte
}

// Payload is the content of one send or edit. Exactly one of Content and
// File is set.
type Payload struct {
	Content string
	File    *File
}

// Destination sends the reply and edits it afterwards.
type Destination interface {
	Send(ctx context.Context, p Payload) (models.MessageRef, error)
	Edit(ctx context.Context, ref models.MessageRef, p Payload) error
}

// Mode says how the final content was delivered.
type Mode string

const (
	ModeNone       Mode = "none"
	ModeInline     Mode = "inline"
	ModeAttachment Mode = "attachment"
)

// Result summarizes one delivery.
type Result struct {
	Ref       models.MessageRef
	Mode      Mode
	Edits     int
	Length    int
	Cancelled bool
}

// Metrics receives delivery observations.
type Metrics interface {
	Delivered(mode string, edits int)
}

// Options tunes the coordinator.
type Options struct {
	// MaxInlineLength is the platform's message limit in characters.
	MaxInlineLength int

	// AttachmentName names the file used when content exceeds the limit.
	AttachmentName string

	// MinEditInterval spaces intermediate edits. Zero edits as fast as the
	// platform answers.
	MinEditInterval time.Duration

	Metrics Metrics
	Logger  *slog.Logger
}

// Coordinator delivers outcomes to destinations.
type Coordinator struct {
	opts   Options
	logger *slog.Logger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(opts Options) *Coordinator {
	if opts.MaxInlineLength <= 0 {
		opts.MaxInlineLength = DefaultMaxInlineLength
	}
	if opts.AttachmentName == "" {
		opts.AttachmentName = DefaultAttachmentName
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{opts: opts, logger: logger.With("component", "delivery")}
}

// Deliver branches once on the outcome kind. Cancelled and failed outcomes
// deliver nothing. Cancellation of ctx is reported through
// Result.Cancelled, not as an error.
func (c *Coordinator) Deliver(ctx context.Context, dest Destination, out completion.Outcome) (Result, error) {
	var (
		res Result
		err error
	)
	switch out.Kind {
	case completion.OutcomeText:
		res, err = c.deliverText(ctx, dest, out.Text)
	case completion.OutcomeStream:
		res, err = c.deliverStream(ctx, dest, out.Stream)
	case completion.OutcomeCancelled:
		return Result{Mode: ModeNone, Cancelled: true}, nil
	default:
		return Result{Mode: ModeNone}, fmt.Errorf("deliver: outcome %s is not deliverable", out.Kind)
	}
	if c.opts.Metrics != nil && res.Mode != ModeNone {
		c.opts.Metrics.Delivered(string(res.Mode), res.Edits)
	}
	return res, err
}

func (c *Coordinator) deliverText(ctx context.Context, dest Destination, text string) (Result, error) {
	res := Result{Mode: ModeNone, Length: utf8.RuneCountInString(text)}
	if strings.TrimSpace(text) == "" {
		return res, ErrEmptyResponse
	}
	if ctx.Err() != nil {
		res.Cancelled = true
		return res, nil
	}

	payload, mode := c.final(text)
	ref, err := dest.Send(ctx, payload)
	if err != nil {
		return c.sendFailed(ctx, res, err)
	}
	res.Ref, res.Mode = ref, mode
	return res, nil
}

// pendingEdit is an edit running in the background.
type pendingEdit struct {
	content string
	err     error
	done    chan struct{}
}

// deliverStream sends the first non-empty content as the reply, then keeps
// at most one edit in flight, always targeting the latest accumulated
// content. Once the content outgrows the inline limit, intermediate edits
// stop and the final delivery becomes an attachment.
func (c *Coordinator) deliverStream(ctx context.Context, dest Destination, stream completion.Stream) (Result, error) {
	defer stream.Close()

	var (
		res       = Result{Mode: ModeNone}
		buf       strings.Builder
		sent      bool
		shown     string
		lastEdit  time.Time
		pending   *pendingEdit
		streamErr error
	)

	settle := func(p *pendingEdit) {
		if p.err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("intermediate edit failed", "message_id", res.Ref.MessageID, "error", p.err)
			}
			return
		}
		shown = p.content
		res.Edits++
	}
	poll := func() {
		if pending == nil {
			return
		}
		select {
		case <-pending.done:
			settle(pending)
			pending = nil
		default:
		}
	}
	wait := func() {
		if pending != nil {
			<-pending.done
			settle(pending)
			pending = nil
		}
	}

	for {
		frag, err := stream.Recv()
		if ctx.Err() != nil {
			wait()
			res.Cancelled = true
			return res, nil
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				streamErr = err
			}
			break
		}
		buf.WriteString(frag)
		poll()

		content := buf.String()
		if strings.TrimSpace(content) == "" {
			continue
		}

		if !sent {
			payload, mode := c.final(content)
			ref, err := dest.Send(ctx, payload)
			if err != nil {
				return c.sendFailed(ctx, res, err)
			}
			sent, shown, lastEdit = true, content, time.Now()
			res.Ref, res.Mode = ref, mode
			continue
		}

		if c.tooLong(content) || pending != nil || content == shown {
			continue
		}
		if time.Since(lastEdit) < c.opts.MinEditInterval {
			continue
		}
		pending = c.startEdit(ctx, dest, res.Ref, content)
		lastEdit = time.Now()
	}

	wait()
	if ctx.Err() != nil {
		res.Cancelled = true
		return res, nil
	}

	content := buf.String()
	res.Length = utf8.RuneCountInString(content)

	if !sent {
		// Anything non-blank would have been sent inside the loop.
		if streamErr != nil {
			return res, streamErr
		}
		return res, ErrEmptyResponse
	}

	payload, mode := c.final(content)
	if content != shown || mode != res.Mode {
		if err := dest.Edit(ctx, res.Ref, payload); err != nil {
			if ctx.Err() != nil {
				res.Cancelled = true
				return res, nil
			}
			c.logger.Warn("final edit failed", "message_id", res.Ref.MessageID, "error", err)
			return res, errors.Join(fmt.Errorf("final edit: %w", err), streamErr)
		}
		res.Edits++
		res.Mode = mode
	}
	return res, streamErr
}

func (c *Coordinator) startEdit(ctx context.Context, dest Destination, ref models.MessageRef, content string) *pendingEdit {
	p := &pendingEdit{content: content, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.err = dest.Edit(ctx, ref, Payload{Content: content})
	}()
	return p
}

// final picks inline content or an attachment from the full length.
func (c *Coordinator) final(content string) (Payload, Mode) {
	if c.tooLong(content) {
		return Payload{File: &File{Name: c.opts.AttachmentName, Data: []byte(content)}}, ModeAttachment
	}
	return Payload{Content: content}, ModeInline
}

func (c *Coordinator) tooLong(content string) bool {
	return utf8.RuneCountInString(content) > c.opts.MaxInlineLength
}

func (c *Coordinator) sendFailed(ctx context.Context, res Result, err error) (Result, error) {
	if ctx.Err() != nil {
		res.Cancelled = true
		return res, nil
	}
	c.logger.Warn("reply send failed", "error", err)
	return res, fmt.Errorf("send reply: %w", err)
}
