package discord

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/relay/internal/channels"
	"github.com/haasonsaas/relay/internal/delivery"
	"github.com/haasonsaas/relay/pkg/models"
)

// mockDiscordSession records outbound calls and serves canned messages.
type mockDiscordSession struct {
	mu sync.Mutex

	openErr     error
	openCalls   int
	closeCalled bool
	handlers    int

	messages    map[string]*discordgo.Message
	members     map[string]*discordgo.Member
	fetchErr    error
	fetchCalls  int
	memberCalls int

	sent   []*discordgo.MessageSend
	edits  []*discordgo.MessageEdit
	typing []string
}

func newMockSession() *mockDiscordSession {
	return &mockDiscordSession{
		messages: make(map[string]*discordgo.Message),
		members:  make(map[string]*discordgo.Member),
	}
}

func (m *mockDiscordSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openCalls++
	return m.openErr
}

func (m *mockDiscordSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalled = true
	return nil
}

func (m *mockDiscordSession) AddHandler(handler interface{}) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers++
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.handlers--
	}
}

func (m *mockDiscordSession) ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchCalls++
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	msg, ok := m.messages[messageID]
	if !ok {
		return nil, &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusNotFound, Status: "404 Not Found"}}
	}
	return msg, nil
}

func (m *mockDiscordSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, data)
	return &discordgo.Message{ID: "reply-1", ChannelID: channelID, Content: data.Content}, nil
}

func (m *mockDiscordSession) ChannelMessageEditComplex(e *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, e)
	return &discordgo.Message{ID: e.ID, ChannelID: e.Channel}, nil
}

func (m *mockDiscordSession) ChannelTyping(channelID string, options ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing = append(m.typing, channelID)
	return nil
}

func (m *mockDiscordSession) GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memberCalls++
	member, ok := m.members[guildID+":"+userID]
	if !ok {
		return nil, &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusNotFound, Status: "404 Not Found"}}
	}
	return member, nil
}

// recordingHandler collects dispatched events.
type recordingHandler struct {
	created []*models.ChatMessage
	updated []*models.ChatMessage
	deleted []models.MessageRef
}

func (h *recordingHandler) OnCreate(msg *models.ChatMessage) { h.created = append(h.created, msg) }
func (h *recordingHandler) OnUpdate(msg *models.ChatMessage) { h.updated = append(h.updated, msg) }
func (h *recordingHandler) OnDelete(ref models.MessageRef)   { h.deleted = append(h.deleted, ref) }

func newTestAdapter(t *testing.T) (*Adapter, *mockDiscordSession, *recordingHandler) {
	t.Helper()
	a, err := NewAdapter(Config{Token: "test-token", ClientID: "client-1", MaxConnectAttempts: 1})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	mock := newMockSession()
	a.session = mock
	h := &recordingHandler{}
	if err := a.Start(context.Background(), h); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = a.Stop() })
	return a, mock, h
}

func TestNewAdapter_RequiresToken(t *testing.T) {
	_, err := NewAdapter(Config{})
	if channels.CodeOf(err) != channels.ErrCodeConfig {
		t.Fatalf("NewAdapter() error = %v, want config error", err)
	}
}

func TestAdapter_StartStop(t *testing.T) {
	a, mock, h := newTestAdapter(t)

	if mock.openCalls != 1 {
		t.Errorf("Open called %d times, want 1", mock.openCalls)
	}
	if mock.handlers != 4 {
		t.Errorf("registered %d handlers, want 4", mock.handlers)
	}
	if err := a.Start(context.Background(), h); err == nil {
		t.Error("second Start() should fail")
	}

	if err := a.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !mock.closeCalled {
		t.Error("Close not called")
	}
	if mock.handlers != 0 {
		t.Errorf("%d handlers left registered", mock.handlers)
	}
	if err := a.Stop(); err != nil {
		t.Errorf("second Stop() = %v", err)
	}
}

func TestAdapter_StartConnectFailure(t *testing.T) {
	a, _ := NewAdapter(Config{Token: "t", MaxConnectAttempts: 1})
	mock := newMockSession()
	mock.openErr = errors.New("websocket: bad handshake")
	a.session = mock

	err := a.Start(context.Background(), &recordingHandler{})
	if channels.CodeOf(err) != channels.ErrCodeConnection {
		t.Fatalf("Start() error = %v, want connection error", err)
	}
	if mock.handlers != 0 {
		t.Errorf("%d handlers left registered after failure", mock.handlers)
	}
}

func TestAdapter_BotID(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	if got := a.BotID(); got != "client-1" {
		t.Errorf("BotID() before Ready = %q, want client ID", got)
	}
	a.handleReady(nil, &discordgo.Ready{User: &discordgo.User{ID: "bot-9", Username: "relay"}})
	if got := a.BotID(); got != "bot-9" {
		t.Errorf("BotID() after Ready = %q", got)
	}
}

func TestAdapter_MessageCreate(t *testing.T) {
	a, mock, h := newTestAdapter(t)
	edited := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	a.handleMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m2",
		ChannelID: "c1",
		GuildID:   "g1",
		Content:   "<@bot-9> what about this?",
		Author:    &discordgo.User{ID: "u1", Username: "alice", GlobalName: "Alice A"},
		Member:    &discordgo.Member{Nick: "Ali"},
		Mentions:  []*discordgo.User{{ID: "bot-9", Username: "relay"}},
		Attachments: []*discordgo.MessageAttachment{
			{ID: "a1", URL: "https://cdn.example/a1", Filename: "notes.txt", ContentType: "text/plain", Size: 12},
		},
		MessageReference:  &discordgo.MessageReference{MessageID: "m1", ChannelID: "c1"},
		ReferencedMessage: &discordgo.Message{ID: "m1", Author: &discordgo.User{ID: "bot-9"}},
		EditedTimestamp:   &edited,
	}})

	if len(h.created) != 1 {
		t.Fatalf("OnCreate called %d times", len(h.created))
	}
	msg := h.created[0]
	if msg.Content != "@relay what about this?" {
		t.Errorf("Content = %q", msg.Content)
	}
	if msg.AuthorName != "Ali" {
		t.Errorf("AuthorName = %q, want nickname", msg.AuthorName)
	}
	if !msg.Mentions("bot-9") {
		t.Error("bot mention lost")
	}
	if msg.ReferenceID != "m1" || msg.ReplyToAuthorID != "bot-9" {
		t.Errorf("reference = %q by %q", msg.ReferenceID, msg.ReplyToAuthorID)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].MimeType != "text/plain" || msg.Attachments[0].Size != 12 {
		t.Errorf("Attachments = %+v", msg.Attachments)
	}
	if !msg.EditedAt.Equal(edited) {
		t.Errorf("EditedAt = %v", msg.EditedAt)
	}
	if mock.fetchCalls != 0 || mock.memberCalls != 0 {
		t.Errorf("unexpected REST calls: fetch=%d member=%d", mock.fetchCalls, mock.memberCalls)
	}
}

func TestAdapter_MessageCreate_ResolvesPartialReply(t *testing.T) {
	a, mock, h := newTestAdapter(t)
	mock.messages["m1"] = &discordgo.Message{ID: "m1", ChannelID: "c1", Author: &discordgo.User{ID: "bot-9"}}

	a.handleMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "m2", ChannelID: "c1", Content: "and then?",
		Author:           &discordgo.User{ID: "u1", Username: "alice"},
		MessageReference: &discordgo.MessageReference{MessageID: "m1"},
	}})

	if got := h.created[0].ReplyToAuthorID; got != "bot-9" {
		t.Errorf("ReplyToAuthorID = %q", got)
	}

	// Bot-authored messages never trigger, so no lookup is spent on them.
	a.handleMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "m3", ChannelID: "c1", Content: "reply",
		Author:           &discordgo.User{ID: "bot-9", Bot: true},
		MessageReference: &discordgo.MessageReference{MessageID: "m2"},
	}})
	if mock.fetchCalls != 1 {
		t.Errorf("fetchCalls = %d, want 1", mock.fetchCalls)
	}
}

func TestAdapter_UpdateAndDelete(t *testing.T) {
	a, _, h := newTestAdapter(t)

	a.handleMessageUpdate(nil, &discordgo.MessageUpdate{Message: &discordgo.Message{ID: "m1", ChannelID: "c1"}})
	if len(h.updated) != 0 {
		t.Error("authorless update should be ignored")
	}

	a.handleMessageUpdate(nil, &discordgo.MessageUpdate{Message: &discordgo.Message{
		ID: "m1", ChannelID: "c1", Content: "edited", Author: &discordgo.User{ID: "u1", Username: "alice"},
	}})
	if len(h.updated) != 1 || h.updated[0].Content != "edited" {
		t.Errorf("updated = %+v", h.updated)
	}

	a.handleMessageDelete(nil, &discordgo.MessageDelete{Message: &discordgo.Message{ID: "m1", ChannelID: "c1"}})
	if len(h.deleted) != 1 || h.deleted[0] != (models.MessageRef{ChannelID: "c1", MessageID: "m1"}) {
		t.Errorf("deleted = %+v", h.deleted)
	}
}

func TestAdapter_DisplayNameLookupCached(t *testing.T) {
	a, mock, _ := newTestAdapter(t)
	mock.members["g1:u1"] = &discordgo.Member{Nick: "Captain"}
	user := &discordgo.User{ID: "u1", Username: "alice", GlobalName: "Alice"}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if got := a.displayName(ctx, "g1", user, nil); got != "Captain" {
			t.Errorf("displayName() = %q, want Captain", got)
		}
	}
	if mock.memberCalls != 1 {
		t.Errorf("memberCalls = %d, want 1", mock.memberCalls)
	}

	if got := a.displayName(ctx, "g1", &discordgo.User{ID: "u2", Username: "bob", GlobalName: "Bobby"}, nil); got != "Bobby" {
		t.Errorf("failed lookup should fall back to global name, got %q", got)
	}
	if got := a.displayName(ctx, "", &discordgo.User{ID: "u3", Username: "carol"}, nil); got != "carol" {
		t.Errorf("DM display name = %q", got)
	}
}

func TestAdapter_FetchMessage(t *testing.T) {
	a, mock, _ := newTestAdapter(t)
	mock.members["g1:u1"] = &discordgo.Member{Nick: "Ali"}
	mock.messages["m1"] = &discordgo.Message{
		ID: "m1", ChannelID: "c1", Content: "earlier",
		Author: &discordgo.User{ID: "u1", Username: "alice"},
	}

	// The guild is learned from gateway traffic in the channel.
	a.handleMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "m0", ChannelID: "c1", GuildID: "g1", Author: &discordgo.User{ID: "u2", Username: "bob"}, Member: &discordgo.Member{},
	}})

	msg, err := a.FetchMessage(context.Background(), "c1", "m1")
	if err != nil {
		t.Fatalf("FetchMessage() error = %v", err)
	}
	if msg.GuildID != "g1" || msg.AuthorName != "Ali" || msg.Content != "earlier" {
		t.Errorf("FetchMessage() = %+v", msg)
	}

	_, err = a.FetchMessage(context.Background(), "c1", "gone")
	if !channels.IsNotFound(err) {
		t.Errorf("missing message error = %v, want not found", err)
	}
}

func TestAdapter_FetchMessage_Cancelled(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a.limiters = channels.NewLimiters(map[string]channels.Limit{OpFetch: {Rate: 0.001, Burst: 1}})
	_ = a.limiters.Wait(context.Background(), OpFetch)

	if _, err := a.FetchMessage(ctx, "c1", "m1"); !errors.Is(err, context.Canceled) {
		t.Errorf("FetchMessage() error = %v, want context.Canceled", err)
	}
}

func TestReply_SendAndEdit(t *testing.T) {
	a, mock, _ := newTestAdapter(t)
	reply := a.ReplyTo(&models.ChatMessage{ID: "m2", ChannelID: "c1", GuildID: "g1"})
	ctx := context.Background()

	ref, err := reply.Send(ctx, delivery.Payload{Content: "Hello"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if ref != (models.MessageRef{ChannelID: "c1", MessageID: "reply-1"}) {
		t.Errorf("Send() ref = %+v", ref)
	}

	sent := mock.sent[0]
	if sent.Content != "Hello" || sent.Reference.MessageID != "m2" || sent.Reference.GuildID != "g1" {
		t.Errorf("sent = %+v", sent)
	}
	if sent.AllowedMentions == nil || !sent.AllowedMentions.RepliedUser || len(sent.AllowedMentions.Parse) != 0 {
		t.Errorf("AllowedMentions = %+v", sent.AllowedMentions)
	}

	if err := reply.Edit(ctx, ref, delivery.Payload{Content: "Hello world"}); err != nil {
		t.Fatalf("Edit() error = %v", err)
	}
	edit := mock.edits[0]
	if edit.ID != "reply-1" || edit.Channel != "c1" || *edit.Content != "Hello world" {
		t.Errorf("edit = %+v", edit)
	}
	if edit.Attachments == nil || len(*edit.Attachments) != 0 || len(edit.Files) != 0 {
		t.Errorf("inline edit should clear attachments, got %+v", edit.Attachments)
	}

	file := &delivery.File{Name: "message.txt", Data: []byte("long body")}
	if err := reply.Edit(ctx, ref, delivery.Payload{File: file}); err != nil {
		t.Fatalf("Edit(file) error = %v", err)
	}
	edit = mock.edits[1]
	if *edit.Content != "" || edit.Attachments == nil || len(*edit.Attachments) != 0 || len(edit.Files) != 1 {
		t.Errorf("file edit = %+v", edit)
	}
	body, _ := io.ReadAll(edit.Files[0].Reader)
	if edit.Files[0].Name != "message.txt" || string(body) != "long body" {
		t.Errorf("file = %q %q", edit.Files[0].Name, body)
	}
}

func TestReply_InlineEditDropsEarlierFile(t *testing.T) {
	a, mock, _ := newTestAdapter(t)
	reply := a.ReplyTo(&models.ChatMessage{ID: "m2", ChannelID: "c1"})
	ctx := context.Background()

	ref, err := reply.Send(ctx, delivery.Payload{File: &delivery.File{Name: "message.txt", Data: []byte("long body")}})
	if err != nil {
		t.Fatal(err)
	}
	if err := reply.Edit(ctx, ref, delivery.Payload{Content: "short answer"}); err != nil {
		t.Fatal(err)
	}
	edit := mock.edits[0]
	if *edit.Content != "short answer" || len(edit.Files) != 0 {
		t.Errorf("edit = %+v", edit)
	}
	if edit.Attachments == nil || len(*edit.Attachments) != 0 {
		t.Errorf("Attachments = %v, want explicit empty list", edit.Attachments)
	}
}

func TestReply_SendFile(t *testing.T) {
	a, mock, _ := newTestAdapter(t)
	reply := a.ReplyTo(&models.ChatMessage{ID: "m2", ChannelID: "c1"})

	_, err := reply.Send(context.Background(), delivery.Payload{File: &delivery.File{Name: "message.txt", Data: []byte("x")}})
	if err != nil {
		t.Fatal(err)
	}
	if sent := mock.sent[0]; sent.Content != "" || len(sent.Files) != 1 {
		t.Errorf("sent = %+v", sent)
	}
}

func TestAdapter_Typing(t *testing.T) {
	a, mock, _ := newTestAdapter(t)
	if err := a.Typing(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if len(mock.typing) != 1 || mock.typing[0] != "c1" {
		t.Errorf("typing = %v", mock.typing)
	}
}

func TestWrapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want channels.ErrorCode
	}{
		{"forbidden", &discordgo.RESTError{Response: &http.Response{StatusCode: 403}, Message: &discordgo.APIErrorMessage{Message: "Missing Access"}}, channels.ErrCodeAuthentication},
		{"server", &discordgo.RESTError{Response: &http.Response{StatusCode: 502}}, channels.ErrCodeUnavailable},
		{"rate limit", &discordgo.RateLimitError{RateLimit: &discordgo.RateLimit{TooManyRequests: &discordgo.TooManyRequests{}}}, channels.ErrCodeRateLimit},
		{"network", errors.New("dial tcp: refused"), channels.ErrCodeConnection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := channels.CodeOf(wrapError("send", tt.err)); got != tt.want {
				t.Errorf("code = %s, want %s", got, tt.want)
			}
		})
	}

	if err := wrapError("send", context.Canceled); err != context.Canceled {
		t.Errorf("context error rewrapped: %v", err)
	}
}
