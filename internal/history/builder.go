// Package history rebuilds conversation context by walking a message's
// reply chain backwards under a length budget.
package history

import (
	"context"
	"iter"
	"log/slog"
	"slices"
	"strings"

	"github.com/haasonsaas/relay/internal/tokens"
	"github.com/haasonsaas/relay/pkg/models"
)

// Fetcher loads a message by reference. It fails when the message was
// deleted or cannot be read.
type Fetcher interface {
	FetchMessage(ctx context.Context, channelID, messageID string) (*models.ChatMessage, error)
}

// Identity exposes the bot's own account ID.
type Identity interface {
	BotID() string
}

// AttachmentExtractor turns an attachment into inlineable text.
type AttachmentExtractor interface {
	Extract(ctx context.Context, att models.Attachment) (string, error)
}

// Builder converts messages to turns and reconstructs reply chains.
type Builder struct {
	fetcher   Fetcher
	identity  Identity
	extractor AttachmentExtractor
	counter   tokens.Counter
	logger    *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithExtractor inlines attachment text into turns.
func WithExtractor(e AttachmentExtractor) Option {
	return func(b *Builder) { b.extractor = e }
}

// WithCounter sets how turn length is measured.
func WithCounter(c tokens.Counter) Option {
	return func(b *Builder) {
		if c != nil {
			b.counter = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBuilder creates a builder.
func NewBuilder(fetcher Fetcher, identity Identity, opts ...Option) *Builder {
	b := &Builder{
		fetcher:  fetcher,
		identity: identity,
		counter:  tokens.Chars{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "history")
	return b
}

// Chain yields the predecessors of trigger, newest first. It ends when a
// message has no reference, a fetch fails, a reference loops back, or ctx
// is done. The sequence performs a fresh walk each time it is ranged over.
func (b *Builder) Chain(ctx context.Context, trigger *models.ChatMessage) iter.Seq[*models.ChatMessage] {
	return func(yield func(*models.ChatMessage) bool) {
		seen := map[string]struct{}{trigger.ID: {}}
		cur := trigger
		for cur.HasReference() {
			if ctx.Err() != nil {
				return
			}
			if _, dup := seen[cur.ReferenceID]; dup {
				return
			}
			prev, err := b.fetcher.FetchMessage(ctx, cur.ChannelID, cur.ReferenceID)
			if err != nil || prev == nil {
				b.logger.Debug("reply chain truncated", "message_id", cur.ReferenceID, "error", err)
				return
			}
			seen[prev.ID] = struct{}{}
			if !yield(prev) {
				return
			}
			cur = prev
		}
	}
}

// Build returns the turns preceding trigger, oldest first, excluding the
// trigger itself. The walk stops at the first turn that does not fit in
// the remaining budget. Only cancellation is reported as an error.
func (b *Builder) Build(ctx context.Context, trigger *models.ChatMessage, limit int) ([]models.Turn, error) {
	if limit <= 0 {
		return nil, ctx.Err()
	}

	budget := NewBudget(limit)
	var turns []models.Turn
	for msg := range b.Chain(ctx, trigger) {
		turn := b.Turn(ctx, msg)
		if !budget.Spend(b.counter.Count(turn.Content)) {
			break
		}
		turns = append(turns, turn)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	slices.Reverse(turns)
	return turns, nil
}

// Turn converts one message: assistant when the bot wrote it, user
// otherwise with the sanitized speaker name.
func (b *Builder) Turn(ctx context.Context, msg *models.ChatMessage) models.Turn {
	content := b.content(ctx, msg)
	if b.identity != nil && msg.AuthorID != "" && msg.AuthorID == b.identity.BotID() {
		return models.Turn{Role: models.RoleAssistant, Content: content}
	}
	return models.Turn{Role: models.RoleUser, Name: SanitizeName(msg.AuthorName), Content: content}
}

func (b *Builder) content(ctx context.Context, msg *models.ChatMessage) string {
	var sb strings.Builder
	sb.WriteString(CleanContent(msg.Content))

	if b.extractor == nil {
		return sb.String()
	}
	for _, att := range msg.Attachments {
		text, err := b.extractor.Extract(ctx, att)
		if err != nil {
			b.logger.Debug("attachment skipped", "attachment_id", att.ID, "filename", att.Filename, "error", err)
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(AttachmentBlock(att.Filename, text))
	}
	return sb.String()
}

// CleanContent strips the '@' left over from resolved mentions so the
// model does not echo pings back.
func CleanContent(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "@", ""))
}

// AttachmentBlock is the textual stand-in for an attachment's body.
func AttachmentBlock(name, text string) string {
	return "Attachment " + name + ":\n===START===\n" + text + "\n===END==="
}
