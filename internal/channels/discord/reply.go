package discord

import (
	"bytes"
	"context"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/relay/internal/delivery"
	"github.com/haasonsaas/relay/pkg/models"
)

// Reply is the delivery destination for one trigger: sends are replies to
// the trigger and only its author may be pinged.
type Reply struct {
	adapter *Adapter
	trigger *discordgo.MessageReference
}

// ReplyTo returns the destination for replies to trigger.
func (a *Adapter) ReplyTo(trigger *models.ChatMessage) *Reply {
	failIfNotExists := false
	return &Reply{
		adapter: a,
		trigger: &discordgo.MessageReference{
			MessageID:       trigger.ID,
			ChannelID:       trigger.ChannelID,
			GuildID:         trigger.GuildID,
			FailIfNotExists: &failIfNotExists,
		},
	}
}

var _ delivery.Destination = (*Reply)(nil)

// Destination is ReplyTo behind the delivery interface.
func (a *Adapter) Destination(trigger *models.ChatMessage) delivery.Destination {
	return a.ReplyTo(trigger)
}

// Send posts the reply.
func (r *Reply) Send(ctx context.Context, p delivery.Payload) (models.MessageRef, error) {
	if err := r.adapter.limiters.Wait(ctx, OpSend); err != nil {
		return models.MessageRef{}, err
	}

	data := &discordgo.MessageSend{
		Content:   p.Content,
		Reference: r.trigger,
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Parse:       []discordgo.AllowedMentionType{},
			RepliedUser: true,
		},
	}
	if p.File != nil {
		data.Content = ""
		data.Files = []*discordgo.File{toFile(p.File)}
	}

	m, err := r.adapter.session.ChannelMessageSendComplex(r.trigger.ChannelID, data, discordgo.WithContext(ctx))
	if err != nil {
		return models.MessageRef{}, wrapError("send", err)
	}
	return models.MessageRef{ChannelID: m.ChannelID, MessageID: m.ID}, nil
}

// Edit replaces the content of a reply. Earlier attachments are always
// dropped, so a message rewritten inline loses its old file and a file
// payload replaces it.
func (r *Reply) Edit(ctx context.Context, ref models.MessageRef, p delivery.Payload) error {
	if err := r.adapter.limiters.Wait(ctx, OpEdit); err != nil {
		return err
	}

	edit := discordgo.NewMessageEdit(ref.ChannelID, ref.MessageID)
	content := p.Content
	edit.Attachments = &[]*discordgo.MessageAttachment{}
	if p.File != nil {
		content = ""
		edit.Files = []*discordgo.File{toFile(p.File)}
	}
	edit.Content = &content
	edit.AllowedMentions = &discordgo.MessageAllowedMentions{
		Parse:       []discordgo.AllowedMentionType{},
		RepliedUser: true,
	}

	if _, err := r.adapter.session.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx)); err != nil {
		return wrapError("edit", err)
	}
	return nil
}

func toFile(f *delivery.File) *discordgo.File {
	return &discordgo.File{
		Name:        f.Name,
		ContentType: "text/plain; charset=utf-8",
		Reader:      bytes.NewReader(f.Data),
	}
}
