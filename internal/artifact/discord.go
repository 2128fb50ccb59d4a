package artifact

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/taleweaver/internal/observe"
	"github.com/MrWong99/taleweaver/internal/pipeline"
)

// KeyDiscord is the artifact key written by [DiscordPublisher].
const KeyDiscord = "discord"

// EmbedDescriptionLimit is Discord's maximum embed description length in
// runes.
const EmbedDescriptionLimit = 4096

// embedColor is the sidebar color of recap embeds.
const embedColor = 0x8E44AD

var _ pipeline.Writer = (*DiscordPublisher)(nil)

// EmbedSender posts one embed to a channel and returns the message id.
type EmbedSender interface {
	SendEmbed(channelID string, embed *discordgo.MessageEmbed) (string, error)
}

// SessionSender adapts a [discordgo.Session] to [EmbedSender].
type SessionSender struct {
	Session *discordgo.Session
}

// SendEmbed implements [EmbedSender].
func (s SessionSender) SendEmbed(channelID string, embed *discordgo.MessageEmbed) (string, error) {
	msg, err := s.Session.ChannelMessageSendEmbed(channelID, embed)
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

// NewSessionSender creates a REST-only bot session for token. No gateway
// connection is opened.
func NewSessionSender(token string) (SessionSender, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return SessionSender{}, fmt.Errorf("artifact: discord session: %w", err)
	}
	return SessionSender{Session: s}, nil
}

// DiscordPublisher posts the player story to a channel, split over as many
// embeds as its length needs.
type DiscordPublisher struct {
	sender    EmbedSender
	channelID string
}

// NewDiscordPublisher returns a publisher posting to channelID.
func NewDiscordPublisher(sender EmbedSender, channelID string) *DiscordPublisher {
	return &DiscordPublisher{sender: sender, channelID: channelID}
}

// Persist implements [pipeline.Writer].
func (p *DiscordPublisher) Persist(ctx context.Context, res *pipeline.Result, source string) (pipeline.Artifacts, error) {
	embeds := RecapEmbeds("Player Recap — "+BaseName(source), res.PlayerFinalStory)

	var first string
	for i, e := range embeds {
		id, err := p.sender.SendEmbed(p.channelID, e)
		if err != nil {
			return nil, fmt.Errorf("artifact: discord: post page %d/%d: %w", i+1, len(embeds), err)
		}
		if first == "" {
			first = id
		}
	}
	observe.Logger(ctx).Info("recap posted to discord", "channel", p.channelID, "pages", len(embeds))
	return pipeline.Artifacts{KeyDiscord: p.channelID + "/" + first}, nil
}

// RecapEmbeds splits text into embeds of at most [EmbedDescriptionLimit]
// runes each. Multi-page recaps number their titles.
func RecapEmbeds(title, text string) []*discordgo.MessageEmbed {
	pages := SplitPages(text, EmbedDescriptionLimit)
	embeds := make([]*discordgo.MessageEmbed, len(pages))
	for i, page := range pages {
		t := title
		if len(pages) > 1 {
			t = fmt.Sprintf("%s (%d/%d)", title, i+1, len(pages))
		}
		embeds[i] = &discordgo.MessageEmbed{
			Title:       t,
			Description: page,
			Color:       embedColor,
		}
	}
	return embeds
}

// SplitPages cuts text into pages of at most limit runes. Cuts prefer a
// paragraph break, then a line break, then a space, and fall back to a hard
// cut. Empty text yields one empty page.
func SplitPages(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var pages []string
	for utf8.RuneCountInString(text) > limit {
		window := prefixRunes(text, limit)
		cut := -1
		for _, sep := range []string{"\n\n", "\n", " "} {
			if i := strings.LastIndex(window, sep); i > 0 {
				cut = i
				break
			}
		}
		if cut < 0 {
			cut = len(window)
		}
		pages = append(pages, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		pages = append(pages, text)
	}
	return pages
}

// prefixRunes returns the first n runes of s.
func prefixRunes(s string, n int) string {
	i := 0
	for range n {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return s[:i]
}
