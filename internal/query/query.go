package query

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/you/chat-director/internal/core"
)

const (
	// DefaultLimit is the page size used when none is requested.
	DefaultLimit = 100
	// DefaultMaxLimit caps the page size.
	DefaultMaxLimit = 500
)

// Mode selects how Spec.Search is interpreted.
type Mode string

const (
	ModePlain Mode = "plain"
	ModeRegex Mode = "regex"
)

// ParseMode maps a request value to a Mode. Anything but "regex" is plain.
func ParseMode(raw string) Mode {
	if strings.EqualFold(strings.TrimSpace(raw), string(ModeRegex)) {
		return ModeRegex
	}
	return ModePlain
}

// Type restricts results to one message category. TypeAll disables the filter.
type Type string

const (
	TypeAll        Type = ""
	TypeRegular    Type = "regular"
	TypeSuperChat  Type = "superchat"
	TypeMembership Type = "membership"
)

// ParseType maps a request value to a Type. Unknown values mean TypeAll.
func ParseType(raw string) Type {
	switch Type(strings.ToLower(strings.TrimSpace(raw))) {
	case TypeRegular:
		return TypeRegular
	case TypeSuperChat:
		return TypeSuperChat
	case TypeMembership:
		return TypeMembership
	default:
		return TypeAll
	}
}

// Spec is one message query.
type Spec struct {
	Search string
	Mode   Mode
	Type   Type
	Author string
	Badges []string
	// Limit is the requested page size. Zero means the default.
	Limit int
	// Cursor is the nextCursor of a previous page. Empty means newest.
	Cursor string
}

// Options tunes an Engine.
type Options struct {
	DefaultLimit  int
	MaxLimit      int
	MaxPatternLen int
}

// AppliedFilters echoes the normalized filter values back to the caller.
type AppliedFilters struct {
	Search *string  `json:"search"`
	Mode   Mode     `json:"mode"`
	Type   string   `json:"type"`
	Author *string  `json:"author"`
	Badges []string `json:"badges"`
	Limit  int      `json:"limit"`
}

// Result is the reply envelope for one query. On a rejected query Messages is
// empty, Total is the unfiltered buffer size and Err is set.
type Result struct {
	Messages       []core.ChatMessage `json:"messages"`
	Total          int                `json:"total"`
	TotalMatches   int                `json:"totalMatches"`
	PageCount      int                `json:"pageCount"`
	NextCursor     *string            `json:"nextCursor"`
	HasMore        bool               `json:"hasMore"`
	Error          string             `json:"error,omitempty"`
	AppliedFilters AppliedFilters     `json:"appliedFilters"`

	Err error `json:"-"`
}

// Engine filters and paginates buffer snapshots. It holds no state besides
// its options and is safe for concurrent use.
type Engine struct {
	opts Options
}

// New returns an Engine, filling unset options with defaults.
func New(opts Options) *Engine {
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = DefaultMaxLimit
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = DefaultLimit
	}
	if opts.DefaultLimit > opts.MaxLimit {
		opts.DefaultLimit = opts.MaxLimit
	}
	if opts.MaxPatternLen <= 0 {
		opts.MaxPatternLen = DefaultMaxPatternLen
	}
	return &Engine{opts: opts}
}

// Options reports the effective options.
func (e *Engine) Options() Options {
	return e.opts
}

// Normalize trims and clamps a spec the way Run applies it.
func (e *Engine) Normalize(spec Spec) Spec {
	spec.Search = strings.TrimSpace(spec.Search)
	spec.Author = strings.TrimSpace(spec.Author)
	spec.Cursor = strings.TrimSpace(spec.Cursor)
	if spec.Mode != ModeRegex {
		spec.Mode = ModePlain
	}
	spec.Type = ParseType(string(spec.Type))

	badges := make([]string, 0, len(spec.Badges))
	seen := make(map[string]struct{}, len(spec.Badges))
	for _, b := range spec.Badges {
		b = strings.ToLower(strings.TrimSpace(b))
		if b == "" {
			continue
		}
		if _, dup := seen[b]; dup {
			continue
		}
		seen[b] = struct{}{}
		badges = append(badges, b)
	}
	spec.Badges = badges

	switch {
	case spec.Limit == 0:
		spec.Limit = e.opts.DefaultLimit
	case spec.Limit < 1:
		spec.Limit = 1
	case spec.Limit > e.opts.MaxLimit:
		spec.Limit = e.opts.MaxLimit
	}
	return spec
}

// Run applies spec to snapshot, which must be ordered oldest first. The
// snapshot is never modified.
func (e *Engine) Run(snapshot []core.ChatMessage, spec Spec) Result {
	spec = e.Normalize(spec)
	applied := appliedFilters(spec)

	re, err := compileSearch(spec.Search, spec.Mode, e.opts.MaxPatternLen)
	if err != nil {
		return Result{
			Messages:       []core.ChatMessage{},
			Total:          len(snapshot),
			Error:          errorMessage(err, e.opts.MaxPatternLen),
			AppliedFilters: applied,
			Err:            err,
		}
	}

	filtered := filter(snapshot, spec, re)
	page, next := paginate(filtered, spec.Cursor, spec.Limit)

	out := make([]core.ChatMessage, len(page))
	for i, msg := range page {
		out[i] = msg.WithAuthorChannelURL()
	}
	return Result{
		Messages:       out,
		Total:          len(filtered),
		TotalMatches:   len(filtered),
		PageCount:      len(out),
		NextCursor:     next,
		HasMore:        next != nil,
		AppliedFilters: applied,
	}
}

func filter(snapshot []core.ChatMessage, spec Spec, re *regexp.Regexp) []core.ChatMessage {
	author := strings.ToLower(spec.Author)
	var badges map[string]struct{}
	if len(spec.Badges) > 0 {
		badges = make(map[string]struct{}, len(spec.Badges))
		for _, b := range spec.Badges {
			badges[b] = struct{}{}
		}
	}

	out := make([]core.ChatMessage, 0, len(snapshot))
	for _, msg := range snapshot {
		if spec.Type != TypeAll && !matchesType(msg, spec.Type) {
			continue
		}
		if author != "" && !strings.Contains(strings.ToLower(msg.Author), author) {
			continue
		}
		if badges != nil && !matchesBadges(msg, badges) {
			continue
		}
		if re != nil && !matchesSearch(msg, re) {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// matchesType uses the single Kind of a message so categories never overlap.
func matchesType(msg core.ChatMessage, t Type) bool {
	kind := msg.Kind()
	switch t {
	case TypeSuperChat:
		return kind == core.KindSuperChat
	case TypeMembership:
		return kind == core.KindMembership || kind == core.KindGiftPurchase
	case TypeRegular:
		return kind == core.KindRegular
	default:
		return true
	}
}

func matchesBadges(msg core.ChatMessage, wanted map[string]struct{}) bool {
	for _, candidate := range badgeCandidates(msg) {
		if _, ok := wanted[candidate]; ok {
			return true
		}
	}
	return false
}

// badgeCandidates lists every name a message answers to in a badge filter:
// badge labels, badge types and the derived flag names.
func badgeCandidates(msg core.ChatMessage) []string {
	out := make([]string, 0, len(msg.Badges)*2+3)
	for _, b := range msg.Badges {
		if b.Label != "" {
			out = append(out, strings.ToLower(b.Label))
		}
		out = append(out, strings.ToLower(string(b.Type)))
	}
	if msg.IsModerator {
		out = append(out, string(core.BadgeModerator))
	}
	if msg.IsMember {
		out = append(out, string(core.BadgeMember))
	}
	if msg.IsVerified {
		out = append(out, string(core.BadgeVerified))
	}
	return out
}

func matchesSearch(msg core.ChatMessage, re *regexp.Regexp) bool {
	content := searchText(msg)
	if content == "" {
		return false
	}
	return re.MatchString(content)
}

// searchText is the text a search sees: the body plus run text, emoji
// alternates, membership level and the paid amount.
func searchText(msg core.ChatMessage) string {
	parts := make([]string, 0, 4+len(msg.Runs)*2)
	if msg.Text != "" {
		parts = append(parts, msg.Text)
	}
	for _, run := range msg.Runs {
		if run.Text != "" {
			parts = append(parts, run.Text)
		}
		if run.EmojiAlt != "" {
			parts = append(parts, run.EmojiAlt)
		}
	}
	if msg.MembershipLevel != "" {
		parts = append(parts, msg.MembershipLevel)
	}
	if msg.SuperChat != nil {
		parts = append(parts, msg.SuperChat.Amount, msg.SuperChat.Currency)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// paginate returns the limit messages ending at the cursor (inclusive), or
// the newest limit messages when the cursor is empty or unknown. The returned
// cursor names the message just before the page.
func paginate(msgs []core.ChatMessage, cursor string, limit int) ([]core.ChatMessage, *string) {
	end := len(msgs)
	if cursor != "" {
		for i, msg := range msgs {
			if msg.ID == cursor {
				end = i + 1
				break
			}
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	page := msgs[start:end]
	if start == 0 {
		return page, nil
	}
	next := msgs[start-1].ID
	return page, &next
}

func appliedFilters(spec Spec) AppliedFilters {
	applied := AppliedFilters{
		Mode:   spec.Mode,
		Type:   string(spec.Type),
		Badges: spec.Badges,
		Limit:  spec.Limit,
	}
	if applied.Type == "" {
		applied.Type = "all"
	}
	if applied.Badges == nil {
		applied.Badges = []string{}
	}
	if spec.Search != "" {
		s := spec.Search
		applied.Search = &s
	}
	if spec.Author != "" {
		a := spec.Author
		applied.Author = &a
	}
	return applied
}

func errorMessage(err error, maxLen int) string {
	switch {
	case errors.Is(err, ErrPatternTooLong):
		return fmt.Sprintf("Regex pattern must be %d characters or less", maxLen)
	case errors.Is(err, ErrUnsafePattern):
		return "Unsafe regex pattern"
	case errors.Is(err, ErrInvalidPattern):
		return "Invalid regex pattern"
	default:
		return err.Error()
	}
}
