package normalize

import (
	"regexp"
	"strings"
)

// RawEvent is one opaque upstream chat event. Type is the upstream type
// discriminator; Fields is the decoded payload in whatever shape it arrived.
type RawEvent struct {
	Type   string         `json:"type"`
	Fields map[string]any `json:"fields"`
}

type eventKind int

const (
	kindUnknown eventKind = iota
	kindText
	kindPaidMessage
	kindPaidSticker
	kindMembership
	kindGiftPurchase
	kindGiftRedemption
	kindPollUpdate
	kindPollClose
)

func (k eventKind) String() string {
	switch k {
	case kindText:
		return "text"
	case kindPaidMessage:
		return "paid_message"
	case kindPaidSticker:
		return "paid_sticker"
	case kindMembership:
		return "membership"
	case kindGiftPurchase:
		return "gift_purchase"
	case kindGiftRedemption:
		return "gift_redemption"
	case kindPollUpdate:
		return "poll_update"
	case kindPollClose:
		return "poll_close"
	default:
		return "unknown"
	}
}

// typeTags maps the recognized discriminators (matched case-sensitively) to
// event kinds. Both the parsed-node names and the raw InnerTube renderer keys
// are listed since either may reach the normalizer.
var typeTags = map[string]eventKind{
	"LiveChatTextMessage":         kindText,
	"liveChatTextMessageRenderer": kindText,

	"LiveChatPaidMessage":         kindPaidMessage,
	"liveChatPaidMessageRenderer": kindPaidMessage,

	"LiveChatPaidSticker":         kindPaidSticker,
	"liveChatPaidStickerRenderer": kindPaidSticker,

	"LiveChatMembershipItem":         kindMembership,
	"liveChatMembershipItemRenderer": kindMembership,

	"LiveChatSponsorshipsGiftPurchaseAnnouncement":         kindGiftPurchase,
	"liveChatSponsorshipsGiftPurchaseAnnouncementRenderer": kindGiftPurchase,
	"LiveChatGiftMembershipsPurchase":                      kindGiftPurchase,

	"LiveChatSponsorshipsGiftRedemptionAnnouncement":         kindGiftRedemption,
	"liveChatSponsorshipsGiftRedemptionAnnouncementRenderer": kindGiftRedemption,
	"LiveChatGiftMembershipReceived":                         kindGiftRedemption,

	"UpdateLiveChatPollAction": kindPollUpdate,
	"LiveChatPollRenderer":     kindPollUpdate,
	"pollRenderer":             kindPollUpdate,

	"CloseLiveChatActionPanelAction": kindPollClose,
	"LiveChatPollClosed":             kindPollClose,
}

var (
	redemptionPhrases = []string{
		"received a gift membership",
		"received a membership gift",
		"received a gift",
	}
	redemptionRe = regexp.MustCompile(`(?i)received a .*membership.* by`)
)

// amountFields are the purchase-amount aliases tried in order, including the
// nested header variants seen on newer payloads.
var amountFields = []string{
	"purchase_amount_text",
	"purchaseAmountText",
	"purchase_amount",
	"purchaseAmount",
	"amount",
	"header.purchase_amount_text",
	"header.purchaseAmountText",
	"header.amount",
}

// classify resolves the event kind from the type tag first, then from payload
// shape: upstream tags drift between versions, so a purchase amount marks an
// event as paid and a redemption phrase in the body marks it as a redemption.
func classify(ev RawEvent, body string) eventKind {
	kind := typeTags[strings.TrimSpace(ev.Type)]
	switch kind {
	case kindPollUpdate, kindPollClose, kindGiftRedemption, kindPaidMessage, kindPaidSticker, kindGiftPurchase:
		return kind
	}

	if isRedemptionText(body) {
		return kindGiftRedemption
	}
	if kind == kindMembership {
		return kind
	}
	if hasAmount(ev.Fields) {
		if lookup(ev.Fields, "sticker") != nil {
			return kindPaidSticker
		}
		return kindPaidMessage
	}
	return kind
}

func hasAmount(fields map[string]any) bool {
	if fields == nil {
		return false
	}
	for _, path := range amountFields {
		if strings.TrimSpace(textOf(lookup(fields, path))) != "" {
			return true
		}
	}
	return false
}

func isRedemptionText(text string) bool {
	if text == "" {
		return false
	}
	lowered := strings.ToLower(text)
	for _, phrase := range redemptionPhrases {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return redemptionRe.MatchString(text)
}
