// Package discord connects the relay to Discord through discordgo.
package discord

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/haasonsaas/relay/internal/backoff"
	"github.com/haasonsaas/relay/internal/channels"
	"github.com/haasonsaas/relay/pkg/models"
)

// discordSession is the part of *discordgo.Session the adapter uses.
type discordSession interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
}

// Handler receives converted gateway events. Calls arrive one at a time
// in gateway order and must not block.
type Handler interface {
	OnCreate(msg *models.ChatMessage)
	OnUpdate(msg *models.ChatMessage)
	OnDelete(ref models.MessageRef)
}

// Operation names used as rate-limit buckets.
const (
	OpSend   = "send"
	OpEdit   = "edit"
	OpTyping = "typing"
	OpFetch  = "fetch"
	OpMember = "member"
)

// Config holds configuration for the Discord adapter.
type Config struct {
	// Token is the bot token (required).
	Token string

	// ClientID identifies the bot until the gateway reports it on Ready.
	ClientID string

	// MaxConnectAttempts bounds retries of the initial gateway connection.
	MaxConnectAttempts int

	// Limits configures per-operation token buckets.
	Limits map[string]channels.Limit

	MemberCacheSize int
	MemberCacheTTL  time.Duration

	Logger *slog.Logger
}

// DefaultLimits stays under Discord's per-route limits for one channel.
func DefaultLimits() map[string]channels.Limit {
	return map[string]channels.Limit{
		OpSend:   {Rate: 5, Burst: 5},
		OpEdit:   {Rate: 4, Burst: 5},
		OpTyping: {Rate: 1, Burst: 5},
		OpFetch:  {Rate: 20, Burst: 20},
		OpMember: {Rate: 10, Burst: 10},
	}
}

// Validate checks if the configuration is valid and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return channels.ErrConfig("token is required", nil)
	}
	if c.MaxConnectAttempts <= 0 {
		c.MaxConnectAttempts = 5
	}
	if c.Limits == nil {
		c.Limits = DefaultLimits()
	}
	if c.MemberCacheSize <= 0 {
		c.MemberCacheSize = 1024
	}
	if c.MemberCacheTTL <= 0 {
		c.MemberCacheTTL = 10 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter turns Discord gateway events into ChatMessages and serves the
// outbound calls of the pipeline: fetching, replying, editing and typing.
type Adapter struct {
	config   Config
	session  discordSession
	limiters *channels.Limiters
	members  *expirable.LRU[string, string]
	logger   *slog.Logger

	// channel ID -> guild ID, learned from events; REST fetches omit it.
	guilds sync.Map

	mu       sync.RWMutex
	handler  Handler
	botID    string
	ctx      context.Context
	cancel   context.CancelFunc
	removers []func()
	started  bool
}

// NewAdapter creates a Discord adapter.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		config:   config,
		limiters: channels.NewLimiters(config.Limits),
		members:  expirable.NewLRU[string, string](config.MemberCacheSize, nil, config.MemberCacheTTL),
		logger:   config.Logger.With("component", "discord"),
		botID:    config.ClientID,
		ctx:      context.Background(),
	}, nil
}

// Start connects to the gateway and routes events to h until Stop.
func (a *Adapter) Start(ctx context.Context, h Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return channels.NewError(channels.ErrCodeInternal, "start", "adapter already started", nil)
	}

	if a.session == nil {
		dg, err := discordgo.New("Bot " + a.config.Token)
		if err != nil {
			return channels.NewError(channels.ErrCodeAuthentication, "start", "failed to create Discord session", err)
		}
		// Create, update and delete of one message must be seen in order.
		dg.SyncEvents = true
		dg.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentsMessageContent
		a.session = dg
	}

	a.handler = h
	a.ctx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))
	a.removers = append(a.removers,
		a.session.AddHandler(a.handleReady),
		a.session.AddHandler(a.handleMessageCreate),
		a.session.AddHandler(a.handleMessageUpdate),
		a.session.AddHandler(a.handleMessageDelete),
	)

	err := backoff.Retry(ctx, backoff.ReconnectPolicy(), a.config.MaxConnectAttempts, func(attempt int) error {
		a.logger.Info("connecting to discord", "attempt", attempt, "max_attempts", a.config.MaxConnectAttempts)
		err := a.session.Open()
		if err != nil {
			a.logger.Warn("connection failed", "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		a.removeHandlersLocked()
		a.cancel()
		return channels.NewError(channels.ErrCodeConnection, "start", "failed to connect to Discord", err)
	}

	a.started = true
	a.logger.Info("discord adapter started")
	return nil
}

// Stop closes the gateway connection. In-flight REST calls made with the
// adapter's event context are cancelled.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return nil
	}
	a.started = false
	a.removeHandlersLocked()
	a.cancel()

	if err := a.session.Close(); err != nil {
		return channels.NewError(channels.ErrCodeConnection, "stop", "failed to close Discord session", err)
	}
	a.logger.Info("discord adapter stopped")
	return nil
}

func (a *Adapter) removeHandlersLocked() {
	for _, remove := range a.removers {
		remove()
	}
	a.removers = nil
}

// BotID returns the bot's user ID.
func (a *Adapter) BotID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.botID
}

// Event handlers

func (a *Adapter) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r.User == nil {
		return
	}
	a.mu.Lock()
	a.botID = r.User.ID
	a.mu.Unlock()
	a.logger.Info("discord connection ready", "user", r.User.Username, "guilds", len(r.Guilds))
}

func (a *Adapter) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	h, ctx := a.dispatch()
	if h == nil || m.Message == nil {
		return
	}
	if msg := a.convert(ctx, m.Message, true); msg != nil {
		h.OnCreate(msg)
	}
}

func (a *Adapter) handleMessageUpdate(_ *discordgo.Session, m *discordgo.MessageUpdate) {
	h, ctx := a.dispatch()
	if h == nil || m.Message == nil {
		return
	}
	// Embed unfurls arrive as updates without an author.
	if msg := a.convert(ctx, m.Message, true); msg != nil {
		h.OnUpdate(msg)
	}
}

func (a *Adapter) handleMessageDelete(_ *discordgo.Session, m *discordgo.MessageDelete) {
	h, _ := a.dispatch()
	if h == nil || m.Message == nil {
		return
	}
	h.OnDelete(models.MessageRef{ChannelID: m.ChannelID, MessageID: m.ID})
}

func (a *Adapter) dispatch() (Handler, context.Context) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.handler, a.ctx
}

// FetchMessage loads one message by ID.
func (a *Adapter) FetchMessage(ctx context.Context, channelID, messageID string) (*models.ChatMessage, error) {
	if err := a.limiters.Wait(ctx, OpFetch); err != nil {
		return nil, err
	}
	m, err := a.session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, wrapError("fetch", err)
	}
	msg := a.convert(ctx, m, false)
	if msg == nil {
		return nil, channels.NewError(channels.ErrCodeNotFound, "fetch", "message has no author", nil)
	}
	return msg, nil
}

// Typing shows the typing indicator in a channel for a few seconds.
func (a *Adapter) Typing(ctx context.Context, channelID string) error {
	if err := a.limiters.Wait(ctx, OpTyping); err != nil {
		return err
	}
	if err := a.session.ChannelTyping(channelID, discordgo.WithContext(ctx)); err != nil {
		return wrapError("typing", err)
	}
	return nil
}

// wrapError classifies a discordgo failure. Context errors pass through.
func wrapError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		msg := restErr.Response.Status
		if restErr.Message != nil && restErr.Message.Message != "" {
			msg = restErr.Message.Message
		}
		return channels.NewError(channels.CodeForStatus(restErr.Response.StatusCode), op, msg, err)
	}

	var rateErr *discordgo.RateLimitError
	if errors.As(err, &rateErr) {
		return channels.NewError(channels.ErrCodeRateLimit, op, "rate limited", err)
	}

	return channels.NewError(channels.ErrCodeConnection, op, "request failed", err)
}
