package normalize

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/you/chat-director/internal/core"
)

// Drop reasons reported in Result.Reason.
const (
	ReasonUnrecognized   = "unrecognized"
	ReasonGiftRedemption = "gift_redemption"
	ReasonPollWithoutID  = "poll_without_id"
)

const (
	defaultColor      = "#1e3a8a"
	amountPlaceholder = "Super Chat"
	unknownAuthor     = "Unknown"
	newMemberLabel    = "New member"

	// ISO-8601 with millisecond precision in UTC.
	publishedLayout = "2006-01-02T15:04:05.000Z"
)

var (
	amountRe       = regexp.MustCompile(`^\s*([^\d\s]*)\s*(\d(?:[\d.,\x{00a0} ]*\d)?)\s*([^\d\s]*)\s*$`)
	welcomeRe      = regexp.MustCompile(`(?i)welcome to (.+?)!`)
	upgradedRe     = regexp.MustCompile(`(?i)upgraded membership to (.+?)!`)
	giftCountRe    = regexp.MustCompile(`(?i)\b(?:sent|gifted)\s+(\d+)\b.*?\bmemberships?\b`)
	leaderboardRe  = regexp.MustCompile(`#\s*(\d+)`)
	colorFields    = []string{"body_background_color", "bodyBackgroundColor", "header_background_color", "headerBackgroundColor", "background_color", "backgroundColor"}
	timestampUsecs = []string{"timestamp_usec", "timestampUsec"}
)

// Result is the outcome of normalizing one raw event. Exactly one of Message,
// PollUpdate or Dropped is set. A poll update with a nil Poll clears the
// current poll.
type Result struct {
	Message    *core.ChatMessage
	PollUpdate bool
	Poll       *core.Poll
	Dropped    bool
	Reason     string
	Kind       string
}

// Normalizer converts raw events into canonical messages. It owns the
// per-session id counter and must be Reset when a new session starts.
type Normalizer struct {
	now func() time.Time

	mu   sync.Mutex
	seen map[string]int
}

// New returns a Normalizer using the wall clock for missing timestamps.
func New() *Normalizer {
	return &Normalizer{now: time.Now, seen: make(map[string]int)}
}

// NewWithClock returns a Normalizer with an injected clock.
func NewWithClock(now func() time.Time) *Normalizer {
	n := New()
	if now != nil {
		n.now = now
	}
	return n
}

// Reset forgets every id seen so far.
func (n *Normalizer) Reset() {
	n.mu.Lock()
	n.seen = make(map[string]int)
	n.mu.Unlock()
}

// Normalize maps one raw event to a message, a poll update, or a drop. It
// never panics on unexpected shapes; anything it cannot interpret is dropped.
func (n *Normalizer) Normalize(ev RawEvent) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Dropped: true, Reason: ReasonUnrecognized}
		}
	}()

	fields := ev.Fields
	if fields == nil {
		return Result{Dropped: true, Reason: ReasonUnrecognized}
	}

	runs := messageRuns(fields)
	text := flattenRuns(runs)
	if text == "" {
		text = firstOf(fields, textAt("message"), textAt("message_text"))
	}

	kind := classify(ev, text)
	res.Kind = kind.String()

	switch kind {
	case kindPollUpdate:
		id := pollID(fields)
		if id == "" {
			return Result{Dropped: true, Reason: ReasonPollWithoutID, Kind: res.Kind}
		}
		return Result{PollUpdate: true, Poll: &core.Poll{ID: id, Active: true}, Kind: res.Kind}
	case kindPollClose:
		return Result{PollUpdate: true, Kind: res.Kind}
	case kindGiftRedemption:
		return Result{Dropped: true, Reason: ReasonGiftRedemption, Kind: res.Kind}
	case kindUnknown:
		return Result{Dropped: true, Reason: ReasonUnrecognized, Kind: res.Kind}
	}

	msg := core.ChatMessage{
		Author:          authorName(fields),
		AuthorPhoto:     authorPhoto(fields),
		AuthorChannelID: authorChannelID(fields),
		Text:            text,
		PublishedAt:     n.publishedAt(fields),
	}
	if len(runs) > 0 {
		msg.Runs = runs
	}
	msg.SetBadges(extractBadges(fields))
	msg.LeaderboardRank = leaderboardRank(fields)

	switch kind {
	case kindPaidMessage, kindPaidSticker:
		msg.SuperChat = extractSuperChat(fields)
	case kindMembership:
		msg.MembershipGift = true
		msg.MembershipLevel = membershipLevel(fields)
		if msg.Text == "" {
			msg.Text = firstOf(fields, textAt("header_subtext"), textAt("headerSubtext"))
		}
	case kindGiftPurchase:
		msg.MembershipGiftPurchase = true
		header := headerText(fields)
		if msg.Text == "" {
			msg.Text = header
		}
		msg.GiftCount = giftCount(msg.Text + " " + header)
	}

	msg.ID = n.uniqueID(baseID(fields, n.now))
	res.Message = &msg
	return res
}

func (n *Normalizer) uniqueID(base string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := n.seen[base]
	n.seen[base] = count + 1
	if count == 0 {
		return base
	}
	id := base + "#" + strconv.Itoa(count)
	for n.seen[id] > 0 {
		count++
		id = base + "#" + strconv.Itoa(count)
	}
	n.seen[base] = count + 1
	n.seen[id]++
	return id
}

func baseID(fields map[string]any, now func() time.Time) string {
	if id := firstOf(fields, textAt("id")); id != "" {
		return id
	}
	if ts := firstOf(fields, textAt("timestamp_usec"), textAt("timestampUsec"), textAt("timestamp")); ts != "" {
		return ts
	}
	return strconv.FormatInt(now().UnixMilli(), 10)
}

func messageRuns(fields map[string]any) []core.Run {
	for _, path := range []string{"message.runs", "message_text.runs", "message"} {
		switch v := lookup(fields, path).(type) {
		case []any:
			if runs := buildRuns(v); len(runs) > 0 {
				return runs
			}
		}
	}
	return nil
}

func authorName(fields map[string]any) string {
	name := firstOf(fields,
		textAt("author.name"),
		textAt("authorName"),
		textAt("author_name"),
		textAt("header.author.name"),
		textAt("header.authorName"),
	)
	if name == "" {
		return unknownAuthor
	}
	return name
}

func authorPhoto(fields map[string]any) string {
	for _, path := range []string{"author.thumbnails", "authorPhoto", "author_photo", "header.author.thumbnails", "header.authorPhoto"} {
		if u := firstURL(lookup(fields, path)); u != "" {
			return u
		}
	}
	return ""
}

func authorChannelID(fields map[string]any) string {
	return firstOf(fields,
		textAt("author.id"),
		textAt("authorExternalChannelId"),
		textAt("author_channel_id"),
		textAt("header.author.id"),
		textAt("header.authorExternalChannelId"),
	)
}

func extractBadges(fields map[string]any) []core.Badge {
	var raw []any
	for _, path := range []string{"author.badges", "authorBadges", "header.author.badges", "header.authorBadges"} {
		if list := listAt(fields, path); len(list) > 0 {
			raw = list
			break
		}
	}
	var badges []core.Badge
	for _, item := range raw {
		entry, ok := unwrapRenderer(item).(map[string]any)
		if !ok {
			continue
		}
		label := firstOf(entry,
			textAt("tooltip"),
			textAt("label"),
			textAt("accessibility.accessibilityData.label"),
		)
		if label == "" {
			continue
		}
		badge := core.Badge{Type: badgeType(label), Label: label}
		for _, path := range []string{"custom_thumbnail", "customThumbnail", "thumbnails"} {
			if u := firstURL(lookup(entry, path)); u != "" {
				badge.ImageURL = u
				break
			}
		}
		badges = append(badges, badge)
	}
	return badges
}

func badgeType(label string) core.BadgeType {
	lowered := strings.ToLower(label)
	switch {
	case strings.Contains(lowered, "moderator"):
		return core.BadgeModerator
	case strings.Contains(lowered, "member"):
		return core.BadgeMember
	case strings.Contains(lowered, "verified"):
		return core.BadgeVerified
	default:
		return core.BadgeCustom
	}
}

func extractSuperChat(fields map[string]any) *core.SuperChat {
	info := &core.SuperChat{Color: extractColor(fields)}

	var rawAmount string
	for _, path := range amountFields {
		if v := strings.TrimSpace(textOf(lookup(fields, path))); v != "" {
			rawAmount = v
			break
		}
	}
	if rawAmount == "" {
		info.Amount = amountPlaceholder
	} else if m := amountRe.FindStringSubmatch(rawAmount); m != nil {
		info.Amount = m[2]
		info.Currency = m[1]
		if info.Currency == "" {
			info.Currency = m[3]
		}
	} else {
		info.Amount = rawAmount
	}
	if info.Currency == "" && rawAmount != "" {
		info.Currency = firstOf(fields, textAt("currency"))
	}

	if sticker := lookup(fields, "sticker"); sticker != nil {
		info.StickerURL = firstURL(sticker)
		if node, ok := sticker.(map[string]any); ok {
			info.StickerAlt = firstOf(node, textAt("accessibility.accessibilityData.label"), textAt("label"))
		}
		if info.StickerAlt == "" {
			info.StickerAlt = firstOf(fields, textAt("sticker_accessibility_label"), textAt("stickerAccessibilityLabel"))
		}
	}
	return info
}

func extractColor(fields map[string]any) string {
	for _, key := range colorFields {
		v, ok := fields[key]
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			if !strings.HasPrefix(s, "#") {
				s = "#" + s
			}
			return s
		}
		if f, ok := numberOf(v); ok && !math.IsNaN(f) && !math.IsInf(f, 0) {
			rgb := uint32(int64(f)) & 0xFFFFFF
			return fmt.Sprintf("#%06x", rgb)
		}
	}
	return defaultColor
}

func membershipLevel(fields map[string]any) string {
	subtext := firstOf(fields, textAt("header_subtext"), textAt("headerSubtext"))
	if m := welcomeRe.FindStringSubmatch(subtext); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := upgradedRe.FindStringSubmatch(subtext); m != nil {
		return strings.TrimSpace(m[1])
	}
	if primary := firstOf(fields, textAt("header_primary_text"), textAt("headerPrimaryText")); primary != "" {
		return primary
	}
	if subtext != "" {
		return subtext
	}
	return newMemberLabel
}

func headerText(fields map[string]any) string {
	return firstOf(fields,
		textAt("header.primary_text"),
		textAt("header.primaryText"),
		textAt("header_primary_text"),
		textAt("headerPrimaryText"),
	)
}

func giftCount(text string) *int {
	m := giftCountRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	return &n
}

// leaderboardRank reads the crown button some events carry before the
// author name, e.g. {"buttonViewModel":{"title":"#1","iconName":"CROWN"}}.
func leaderboardRank(fields map[string]any) *int {
	var buttons []any
	for _, path := range []string{"beforeContentButtons", "before_content_buttons"} {
		if list := listAt(fields, path); len(list) > 0 {
			buttons = list
			break
		}
	}
	for _, item := range buttons {
		button, ok := unwrapRenderer(item).(map[string]any)
		if !ok {
			continue
		}
		title := firstOf(button, textAt("title"), textAt("text"))
		icon := strings.ToLower(firstOf(button, textAt("iconName"), textAt("icon_name")))
		m := leaderboardRe.FindStringSubmatch(title)
		if m == nil {
			continue
		}
		if icon != "" && !strings.Contains(icon, "crown") && !strings.Contains(icon, "leaderboard") {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return &n
		}
	}
	return nil
}

func pollID(fields map[string]any) string {
	return firstOf(fields,
		textAt("live_chat_poll_id"),
		textAt("liveChatPollId"),
		textAt("poll_to_update.live_chat_poll_id"),
		textAt("pollToUpdate.liveChatPollId"),
		textAt("header.live_chat_poll_id"),
		textAt("id"),
	)
}

// publishedAt prefers the microsecond field over the generic one.
func (n *Normalizer) publishedAt(fields map[string]any) string {
	var candidates []any
	for _, key := range timestampUsecs {
		if v, ok := fields[key]; ok {
			candidates = append(candidates, v)
		}
	}
	if v, ok := fields["timestamp"]; ok {
		candidates = append(candidates, v)
	}
	for _, v := range candidates {
		if ts, ok := parseTimestamp(v); ok {
			return ts.UTC().Format(publishedLayout)
		}
	}
	return n.now().UTC().Format(publishedLayout)
}

// parseTimestamp treats values >= 1e15 as epoch microseconds and everything
// else as epoch milliseconds. Non-numeric strings are tried as RFC 3339.
func parseTimestamp(v any) (time.Time, bool) {
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s)); err == nil {
			return t, true
		}
	}
	f, ok := numberOf(v)
	if !ok || f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	if f >= 1e15 {
		return time.UnixMicro(int64(f)), true
	}
	return time.UnixMilli(int64(f)), true
}
