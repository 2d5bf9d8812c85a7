package core

import "strings"

// BadgeType is the coarse classification of an author badge.
type BadgeType string

const (
	BadgeModerator BadgeType = "moderator"
	BadgeMember    BadgeType = "member"
	BadgeVerified  BadgeType = "verified"
	BadgeCustom    BadgeType = "custom"
)

// Badge is an author badge as rendered next to a chat line.
type Badge struct {
	Type     BadgeType `json:"type"`
	Label    string    `json:"label,omitempty"`
	ImageURL string    `json:"imageUrl,omitempty"`
}

// Run is one segment of a structured message body: literal text or an emoji.
type Run struct {
	Text     string `json:"text,omitempty"`
	EmojiURL string `json:"emojiUrl,omitempty"`
	EmojiAlt string `json:"emojiAlt,omitempty"`
}

// SuperChat describes a paid message or paid sticker.
type SuperChat struct {
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	Color      string `json:"color"`
	StickerURL string `json:"stickerUrl,omitempty"`
	StickerAlt string `json:"stickerAlt,omitempty"`
}

// Poll tracks only the open/closed state of a live chat poll.
type Poll struct {
	ID     string `json:"id"`
	Active bool   `json:"active"`
}

// ChatMessage is the canonical record every upstream event shape is reduced to.
// Values are treated as immutable once appended to the retention buffer.
type ChatMessage struct {
	ID               string `json:"id"`
	Author           string `json:"author"`
	AuthorPhoto      string `json:"authorPhoto,omitempty"`
	AuthorChannelID  string `json:"authorChannelId,omitempty"`
	AuthorChannelURL string `json:"authorChannelUrl,omitempty"`
	Text             string `json:"text"`
	Runs             []Run  `json:"runs,omitempty"`
	PublishedAt      string `json:"publishedAt"`

	Badges      []Badge `json:"badges,omitempty"`
	IsModerator bool    `json:"isModerator"`
	IsMember    bool    `json:"isMember"`
	IsVerified  bool    `json:"isVerified"`

	SuperChat              *SuperChat `json:"superChat,omitempty"`
	MembershipGift         bool       `json:"membershipGift,omitempty"`
	MembershipGiftPurchase bool       `json:"membershipGiftPurchase,omitempty"`
	MembershipLevel        string     `json:"membershipLevel,omitempty"`
	GiftCount              *int       `json:"giftCount,omitempty"`
	LeaderboardRank        *int       `json:"leaderboardRank,omitempty"`
}

// Kind is the mutually exclusive classification of a message.
type Kind string

const (
	KindRegular      Kind = "regular"
	KindSuperChat    Kind = "superchat"
	KindMembership   Kind = "membership"
	KindGiftPurchase Kind = "gift_purchase"
)

// Kind reports which single category the message belongs to. Paid wins over
// gift purchase, which wins over membership.
func (m ChatMessage) Kind() Kind {
	switch {
	case m.SuperChat != nil:
		return KindSuperChat
	case m.MembershipGiftPurchase:
		return KindGiftPurchase
	case m.MembershipGift || m.MembershipLevel != "":
		return KindMembership
	default:
		return KindRegular
	}
}

// IsSpecial reports whether the message is exempt from count-based eviction.
func (m ChatMessage) IsSpecial() bool {
	return m.SuperChat != nil || m.MembershipGift || m.MembershipGiftPurchase || m.IsMember
}

// SetBadges stores the badge list and derives the moderator/member/verified flags from it.
func (m *ChatMessage) SetBadges(badges []Badge) {
	if len(badges) == 0 {
		m.Badges = nil
	} else {
		m.Badges = badges
	}
	m.IsModerator, m.IsMember, m.IsVerified = false, false, false
	for _, b := range badges {
		switch b.Type {
		case BadgeModerator:
			m.IsModerator = true
		case BadgeMember:
			m.IsMember = true
		case BadgeVerified:
			m.IsVerified = true
		}
	}
}

const channelURLPrefix = "https://www.youtube.com/channel/"

// WithAuthorChannelURL returns a copy with AuthorChannelURL filled in from
// AuthorChannelID when it is missing. The receiver is never modified.
func (m ChatMessage) WithAuthorChannelURL() ChatMessage {
	if m.AuthorChannelURL != "" || strings.TrimSpace(m.AuthorChannelID) == "" {
		return m
	}
	m.AuthorChannelURL = channelURLPrefix + strings.TrimSpace(m.AuthorChannelID)
	return m
}
