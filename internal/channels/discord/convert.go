package discord

import (
	"context"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/relay/pkg/models"
)

// convert maps a discordgo message to a ChatMessage. It returns nil for
// partial messages without an author. With resolveReply set, a reply whose
// referenced message was not inlined is fetched to learn its author.
func (a *Adapter) convert(ctx context.Context, m *discordgo.Message, resolveReply bool) *models.ChatMessage {
	if m == nil || m.Author == nil {
		return nil
	}

	guildID := m.GuildID
	if guildID != "" {
		a.guilds.Store(m.ChannelID, guildID)
	} else if v, ok := a.guilds.Load(m.ChannelID); ok {
		guildID = v.(string)
	}

	msg := &models.ChatMessage{
		ID:          m.ID,
		Channel:     models.ChannelDiscord,
		ChannelID:   m.ChannelID,
		GuildID:     guildID,
		AuthorID:    m.Author.ID,
		AuthorName:  a.displayName(ctx, guildID, m.Author, m.Member),
		AuthorIsBot: m.Author.Bot,
		Content:     m.ContentWithMentionsReplaced(),
		CreatedAt:   m.Timestamp,
	}
	if m.EditedTimestamp != nil {
		msg.EditedAt = *m.EditedTimestamp
	}

	for _, u := range m.Mentions {
		if u != nil {
			msg.MentionedIDs = append(msg.MentionedIDs, u.ID)
		}
	}

	for _, att := range m.Attachments {
		if att == nil {
			continue
		}
		msg.Attachments = append(msg.Attachments, models.Attachment{
			ID:       att.ID,
			URL:      att.URL,
			Filename: att.Filename,
			MimeType: att.ContentType,
			Size:     int64(att.Size),
		})
	}

	if ref := m.MessageReference; ref != nil && ref.MessageID != "" {
		msg.ReferenceID = ref.MessageID
		switch {
		case m.ReferencedMessage != nil && m.ReferencedMessage.Author != nil:
			msg.ReplyToAuthorID = m.ReferencedMessage.Author.ID
		case resolveReply && !m.Author.Bot:
			msg.ReplyToAuthorID = a.referencedAuthor(ctx, m.ChannelID, ref)
		}
	}

	return msg
}

func (a *Adapter) referencedAuthor(ctx context.Context, channelID string, ref *discordgo.MessageReference) string {
	if ref.ChannelID != "" {
		channelID = ref.ChannelID
	}
	if err := a.limiters.Wait(ctx, OpFetch); err != nil {
		return ""
	}
	parent, err := a.session.ChannelMessage(channelID, ref.MessageID, discordgo.WithContext(ctx))
	if err != nil || parent.Author == nil {
		a.logger.Debug("referenced message unavailable", "message_id", ref.MessageID, "error", err)
		return ""
	}
	return parent.Author.ID
}

// displayName resolves the guild nickname, then the global name, then the
// username. Guild lookups are cached.
func (a *Adapter) displayName(ctx context.Context, guildID string, u *discordgo.User, member *discordgo.Member) string {
	if member != nil && member.Nick != "" {
		return member.Nick
	}
	if guildID == "" || member != nil {
		return u.DisplayName()
	}

	key := guildID + ":" + u.ID
	if name, ok := a.members.Get(key); ok {
		return name
	}

	name := u.DisplayName()
	if err := a.limiters.Wait(ctx, OpMember); err != nil {
		return name
	}
	m, err := a.session.GuildMember(guildID, u.ID, discordgo.WithContext(ctx))
	if err != nil {
		a.logger.Debug("member lookup failed", "guild_id", guildID, "user_id", u.ID, "error", err)
		return name
	}
	if m.Nick != "" {
		name = m.Nick
	}
	a.members.Add(key, name)
	return name
}
