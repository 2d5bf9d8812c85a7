package ytlive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/you/chat-director/internal/normalize"
)

const (
	defaultPollTimeout   = 15 * time.Second
	defaultLivePollDelay = 1500 * time.Millisecond
	maxBackoff           = 60 * time.Second
	maxBootstrapFailures = 5
	summaryLogInterval   = 10 * time.Second
	dumpMaxLen           = 512

	userAgent = "Mozilla/5.0 (compatible; chat-director/1.0)"
)

// BaseURL is the InnerTube origin. Tests point the HTTP client elsewhere via
// a rewriting transport instead of changing it.
const BaseURL = "https://www.youtube.com"

// ErrNoLiveChat is returned by Open when the video has no active chat.
var ErrNoLiveChat = errors.New("ytlive: live chat not available")

// Config holds the per-session client settings.
type Config struct {
	LiveID          string
	PollTimeoutSecs int
	PollIntervalMS  int
	HTTPClient      *http.Client
	// DumpUnhandled logs a truncated payload for every action that did not
	// produce an event.
	DumpUnhandled bool
}

// Client polls one video's live chat and emits each chat item as a raw event.
// Open must succeed before Run is called.
type Client struct {
	liveID        string
	http          *http.Client
	pollTimeout   time.Duration
	pollDelay     time.Duration
	dumpUnhandled bool

	apiKey        string
	clientVersion string
	continuation  string
}

// New returns a client for cfg.LiveID.
func New(cfg Config) *Client {
	pollTimeout := defaultPollTimeout
	if cfg.PollTimeoutSecs > 0 {
		pollTimeout = time.Duration(cfg.PollTimeoutSecs) * time.Second
	}
	pollDelay := defaultLivePollDelay
	if cfg.PollIntervalMS > 0 {
		pollDelay = time.Duration(cfg.PollIntervalMS) * time.Millisecond
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: pollTimeout}
	} else if httpClient.Timeout == 0 {
		dup := *httpClient
		dup.Timeout = pollTimeout
		httpClient = &dup
	}
	return &Client{
		liveID:        strings.TrimSpace(cfg.LiveID),
		http:          httpClient,
		pollTimeout:   pollTimeout,
		pollDelay:     pollDelay,
		dumpUnhandled: cfg.DumpUnhandled,
	}
}

// LiveID reports the video id this client polls.
func (c *Client) LiveID() string {
	return c.liveID
}

// Open fetches the live chat page and extracts the API key, client version
// and first continuation token.
func (c *Client) Open(ctx context.Context) error {
	if c.liveID == "" {
		return errors.New("ytlive: live id is required")
	}
	apiKey, clientVersion, continuation, err := c.bootstrap(ctx)
	if err != nil {
		return err
	}
	c.apiKey, c.clientVersion, c.continuation = apiKey, clientVersion, continuation
	log.Printf("ytlive: bootstrap succeeded live_id=%s version=%s", c.liveID, clientVersion)
	return nil
}

// Run polls until ctx is cancelled. Poll failures re-bootstrap with
// exponential backoff; Run gives up after repeated bootstrap failures.
func (c *Client) Run(ctx context.Context, emit func(normalize.RawEvent)) error {
	backoff := time.Second
	failures := 0
	var (
		total   int
		lastLog = time.Now()
		window  pollSummary
	)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if c.continuation == "" {
			if err := c.Open(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failures++
				log.Printf("ytlive: bootstrap failed (%d/%d): %v", failures, maxBootstrapFailures, err)
				if failures >= maxBootstrapFailures {
					return fmt.Errorf("ytlive: giving up after %d bootstrap failures: %w", failures, err)
				}
				if !sleepContext(ctx, backoff) {
					return ctx.Err()
				}
				backoff = nextBackoff(backoff)
				continue
			}
			failures = 0
			backoff = time.Second
		}

		events, summary, nonChats, next, timeout, hasTimeout, err := c.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("ytlive: poll error: %v", err)
			if !sleepContext(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
			c.continuation = ""
			continue
		}
		backoff = time.Second

		for _, ev := range events {
			emit(ev)
		}

		total += len(events)
		window.add(summary)
		if c.dumpUnhandled || time.Since(lastLog) >= summaryLogInterval {
			logPollResults(window, nonChats, c.dumpUnhandled)
			log.Printf("ytlive: received %d events (total %d)", window.events, total)
			window = pollSummary{}
			lastLog = time.Now()
		}

		c.continuation = next
		if c.continuation == "" {
			log.Printf("ytlive: missing continuation, re-bootstrap")
		}

		delay, _ := nextLivePollDelay(timeout, hasTimeout, c.pollDelay)
		if !sleepContext(ctx, delay) {
			return ctx.Err()
		}
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// nextLivePollDelay prefers the server-provided timeout and reports whether
// it was used.
func nextLivePollDelay(timeoutMS int, hasTimeout bool, fallback time.Duration) (time.Duration, bool) {
	if hasTimeout && timeoutMS > 0 {
		return time.Duration(timeoutMS) * time.Millisecond, true
	}
	if fallback <= 0 {
		fallback = defaultLivePollDelay
	}
	return fallback, false
}

func (c *Client) bootstrap(ctx context.Context) (apiKey, clientVersion, continuation string, err error) {
	page := BaseURL + "/live_chat?" + url.Values{"is_popout": {"1"}, "v": {c.liveID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, page, nil)
	if err != nil {
		return "", "", "", err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", "", fmt.Errorf("ytlive: bootstrap status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return "", "", "", err
	}
	text := string(body)

	apiKey = extractString(text, `"INNERTUBE_API_KEY":"`)
	clientVersion = extractString(text, `"INNERTUBE_CLIENT_VERSION":"`)
	if apiKey == "" || clientVersion == "" {
		return "", "", "", errors.New("ytlive: could not locate api key or client version")
	}

	initJSON, ok := extractJSONAssignment(text, "ytInitialData")
	if !ok {
		return "", "", "", errors.New("ytlive: could not locate initial data")
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(initJSON), &data); err != nil {
		return "", "", "", fmt.Errorf("ytlive: parse initial data: %w", err)
	}

	continuation = findInitialContinuation(data)
	if continuation == "" {
		return "", "", "", ErrNoLiveChat
	}
	return apiKey, clientVersion, continuation, nil
}

func (c *Client) poll(ctx context.Context) (events []normalize.RawEvent, summary pollSummary, nonChats []nonChatAction, next string, timeout int, hasTimeout bool, err error) {
	endpoint := BaseURL + "/youtubei/v1/live_chat/get_live_chat?" + url.Values{"key": {c.apiKey}, "prettyPrint": {"false"}}.Encode()

	payload := map[string]any{
		"context": map[string]any{
			"client": map[string]any{
				"clientName":    "WEB",
				"clientVersion": c.clientVersion,
				"hl":            "en",
			},
		},
		"continuation": c.continuation,
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, summary, nil, "", 0, false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return nil, summary, nil, "", 0, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, summary, nil, "", 0, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return nil, summary, nil, "", 0, false, fmt.Errorf("ytlive: poll status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var decoded map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&decoded); err != nil {
		return nil, summary, nil, "", 0, false, fmt.Errorf("ytlive: decode poll response: %w", err)
	}

	next, timeout, hasTimeout = extractContinuation(decoded)
	events, summary, nonChats = extractEvents(decoded)
	return events, summary, nonChats, next, timeout, hasTimeout, nil
}

type pollSummary struct {
	actions int
	events  int
	skipped int
}

func (s *pollSummary) add(o pollSummary) {
	s.actions += o.actions
	s.events += o.events
	s.skipped += o.skipped
}

type nonChatAction struct {
	key     string
	payload any
}

// extractEvents turns every chat item and poll action in a poll response into
// a raw event keyed by its renderer or action name.
func extractEvents(payload map[string]any) ([]normalize.RawEvent, pollSummary, []nonChatAction) {
	var (
		events   []normalize.RawEvent
		summary  pollSummary
		nonChats []nonChatAction
	)
	for _, action := range gatherActions(payload) {
		summary.actions++
		found := eventsFromAction(action)
		if len(found) == 0 {
			summary.skipped++
			nonChats = append(nonChats, describeAction(action))
			continue
		}
		summary.events += len(found)
		events = append(events, found...)
	}
	return events, summary, nonChats
}

func eventsFromAction(action map[string]any) []normalize.RawEvent {
	var out []normalize.RawEvent
	if item := digMap(action, "addChatItemAction", "item"); item != nil {
		out = append(out, rendererEvents(item)...)
	}
	if replay := digMap(action, "replayChatItemAction"); replay != nil {
		if nested, ok := replay["actions"].([]any); ok {
			for _, child := range nested {
				if m, ok := child.(map[string]any); ok {
					out = append(out, eventsFromAction(m)...)
				}
			}
		}
	}
	if appendAction := digMap(action, "appendContinuationItemsAction"); appendAction != nil {
		if items, ok := appendAction["continuationItems"].([]any); ok {
			for _, item := range items {
				itemMap, ok := item.(map[string]any)
				if !ok {
					continue
				}
				if _, nested := itemMap["addChatItemAction"]; nested {
					out = append(out, eventsFromAction(itemMap)...)
					continue
				}
				out = append(out, rendererEvents(itemMap)...)
			}
		}
	}
	if poll := digMap(action, "updateLiveChatPollAction", "pollToUpdate", "pollRenderer"); poll != nil {
		out = append(out, normalize.RawEvent{Type: "UpdateLiveChatPollAction", Fields: poll})
	}
	if poll := digMap(action, "showLiveChatActionPanelAction", "panelToShow", "liveChatActionPanelRenderer", "contents", "pollRenderer"); poll != nil {
		out = append(out, normalize.RawEvent{Type: "UpdateLiveChatPollAction", Fields: poll})
	}
	if closeAction := digMap(action, "closeLiveChatActionPanelAction"); closeAction != nil {
		out = append(out, normalize.RawEvent{Type: "CloseLiveChatActionPanelAction", Fields: closeAction})
	}
	return out
}

func rendererEvents(item map[string]any) []normalize.RawEvent {
	keys := make([]string, 0, len(item))
	for key := range item {
		if strings.HasSuffix(key, "Renderer") {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := make([]normalize.RawEvent, 0, len(keys))
	for _, key := range keys {
		if renderer, ok := item[key].(map[string]any); ok {
			out = append(out, normalize.RawEvent{Type: key, Fields: renderer})
		}
	}
	return out
}

func describeAction(action map[string]any) nonChatAction {
	keys := make([]string, 0, len(action))
	for key := range action {
		if key == "clickTrackingParams" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return nonChatAction{key: "unknown"}
	}
	return nonChatAction{key: keys[0], payload: action[keys[0]]}
}

func logPollResults(summary pollSummary, nonChats []nonChatAction, dump bool) {
	log.Printf("ytlive: poll summary actions=%d events=%d skipped=%d", summary.actions, summary.events, summary.skipped)
	for _, nc := range nonChats {
		log.Printf("ytlive: skipped non-chat action key=%s", nc.key)
		if !dump {
			continue
		}
		raw, err := json.Marshal(nc.payload)
		if err != nil {
			continue
		}
		if len(raw) > dumpMaxLen {
			raw = append(raw[:dumpMaxLen], "..."...)
		}
		log.Printf("ytlive: unhandled action dump key=%s payload=%s", nc.key, raw)
	}
}

func gatherActions(payload map[string]any) []map[string]any {
	var out []map[string]any
	collect := func(arr []any) {
		for _, item := range arr {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
	}
	if arr, ok := payload["actions"].([]any); ok {
		collect(arr)
	}
	if arr, ok := payload["onResponseReceivedActions"].([]any); ok {
		collect(arr)
	}
	if lc := digMap(payload, "continuationContents", "liveChatContinuation"); lc != nil {
		if arr, ok := lc["actions"].([]any); ok {
			collect(arr)
		}
	}
	return out
}

// extractContinuation reads the next token and server poll timeout from the
// liveChatContinuation block.
func extractContinuation(payload map[string]any) (string, int, bool) {
	lc := digMap(payload, "continuationContents", "liveChatContinuation")
	if lc == nil {
		return "", 0, false
	}
	conts, _ := lc["continuations"].([]any)
	for _, elem := range conts {
		m, ok := elem.(map[string]any)
		if !ok {
			continue
		}
		for _, key := range []string{"invalidationContinuationData", "timedContinuationData", "reloadContinuationData", "liveChatReplayContinuationData"} {
			data := digMap(m, key)
			if data == nil {
				continue
			}
			token, _ := data["continuation"].(string)
			if token == "" {
				continue
			}
			timeout, ok := intField(data["timeoutMs"])
			return token, timeout, ok
		}
	}
	return "", 0, false
}

func intField(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), t > 0
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		return n, err == nil && n > 0
	}
	return 0, false
}

func extractString(text, marker string) string {
	idx := strings.Index(text, marker)
	if idx == -1 {
		return ""
	}
	start := idx + len(marker)
	end := strings.Index(text[start:], "\"")
	if end == -1 {
		return ""
	}
	return text[start : start+end]
}

func digMap(m map[string]any, keys ...string) map[string]any {
	current := m
	for _, key := range keys {
		next, ok := current[key].(map[string]any)
		if !ok {
			return nil
		}
		current = next
	}
	return current
}

// findInitialContinuation searches breadth-first for the continuation token
// of the liveChatRenderer in the initial page data.
func findInitialContinuation(data map[string]any) string {
	type queueItem struct {
		value      any
		inLiveChat bool
	}

	queue := []queueItem{{value: data}}
	for len(queue) > 0 {
		var item queueItem
		item, queue = queue[0], queue[1:]
		switch v := item.value.(type) {
		case map[string]any:
			inLiveChat := item.inLiveChat || mapHasLiveChatKey(v)
			if inLiveChat {
				if cont := continuationFromNode(v); cont != "" {
					return cont
				}
			}
			for key, child := range v {
				queue = append(queue, queueItem{value: child, inLiveChat: inLiveChat || isLiveChatKey(key)})
			}
		case []any:
			for _, child := range v {
				queue = append(queue, queueItem{value: child, inLiveChat: item.inLiveChat})
			}
		}
	}
	return ""
}

func isLiveChatKey(key string) bool {
	return strings.Contains(strings.ToLower(key), "livechat")
}

func mapHasLiveChatKey(m map[string]any) bool {
	for key := range m {
		if isLiveChatKey(key) {
			return true
		}
	}
	return false
}

func continuationFromNode(node map[string]any) string {
	if arr, ok := node["continuations"].([]any); ok {
		for _, elem := range arr {
			m, ok := elem.(map[string]any)
			if !ok {
				continue
			}
			for _, key := range []string{"invalidationContinuationData", "timedContinuationData", "reloadContinuationData"} {
				if next := digMap(m, key); next != nil {
					if s, ok := next["continuation"].(string); ok && s != "" {
						return s
					}
				}
			}
		}
	}
	if endpoint := digMap(node, "continuationEndpoint", "continuationCommand"); endpoint != nil {
		if s, ok := endpoint["token"].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
