package ytlive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
	"unicode"
)

// ErrNotLive is returned by LiveID when the channel has no active stream.
var ErrNotLive = errors.New("ytlive: channel is not live")

// ResolveResult captures the outcome of a livestream lookup.
type ResolveResult struct {
	Live     bool
	VideoID  string
	WatchURL string
	ChatURL  string
}

// Resolver locates the active livestream behind a channel URL or @handle.
type Resolver struct {
	http *http.Client
}

// NewResolver creates a resolver backed by the provided HTTP client. A nil
// client gets a default with a 10s timeout.
func NewResolver(client *http.Client) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Resolver{http: client}
}

// LiveID resolves raw to the video id of the channel's current stream.
func (r *Resolver) LiveID(ctx context.Context, raw string) (string, error) {
	res, err := r.Resolve(ctx, raw)
	if err != nil {
		return "", err
	}
	if !res.Live || res.VideoID == "" {
		return "", ErrNotLive
	}
	return res.VideoID, nil
}

// Resolve fetches the page for raw and reads the embedded player response to
// decide whether a stream is live.
func (r *Resolver) Resolve(ctx context.Context, raw string) (ResolveResult, error) {
	target, err := normalizeYouTubeURL(raw)
	if err != nil {
		return ResolveResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return ResolveResult{}, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.http.Do(req)
	if err != nil {
		return ResolveResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return ResolveResult{}, fmt.Errorf("ytlive: resolve status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return ResolveResult{}, err
	}

	videoID, live, ok := extractInitialPlayerState(string(body))
	if !ok {
		// Redirected straight to a watch page without a readable player
		// response: trust the URL, not the liveness.
		if id := resp.Request.URL.Query().Get("v"); id != "" {
			return ResolveResult{VideoID: id, WatchURL: watchURL(id)}, nil
		}
		return ResolveResult{}, errors.New("ytlive: no video found on page")
	}

	res := ResolveResult{Live: live, VideoID: videoID, WatchURL: watchURL(videoID)}
	if live {
		res.ChatURL = chatURL(videoID)
	}
	return res, nil
}

// NeedsResolve reports whether raw names a channel rather than a video, so
// ExtractLiveID alone cannot produce a video id.
func NeedsResolve(raw string) bool {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "@") {
		return true
	}
	for _, marker := range []string{"/@", "/channel/", "/c/", "/user/"} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// normalizeYouTubeURL coerces URLs and handle shorthand into fetchable
// https://www.youtube.com endpoints. Handles resolve to their /live page.
func normalizeYouTubeURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("ytlive: empty url")
	}
	if strings.HasPrefix(trimmed, "@") {
		trimmed = "https://www.youtube.com/" + trimmed
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("ytlive: parse url: %w", err)
	}
	u.Fragment = ""

	switch strings.ToLower(u.Host) {
	case "youtu.be":
		id := strings.Trim(u.Path, "/")
		if id == "" {
			return nil, errors.New("ytlive: missing video id in youtu.be url")
		}
		return url.Parse(watchURL(id))
	case "youtube.com", "www.youtube.com", "m.youtube.com":
	default:
		return nil, fmt.Errorf("ytlive: unsupported host %q", u.Host)
	}

	u.Scheme = "https"
	u.Host = "www.youtube.com"
	switch {
	case strings.HasPrefix(u.Path, "/@"), strings.HasPrefix(u.Path, "/channel/"), strings.HasPrefix(u.Path, "/c/"), strings.HasPrefix(u.Path, "/user/"):
		p := strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/live")
		u.Path = p + "/live"
		u.RawQuery = ""
	case strings.EqualFold(u.Path, "/watch"):
		id := strings.TrimSpace(u.Query().Get("v"))
		if id == "" {
			return nil, errors.New("ytlive: watch url missing video id")
		}
		u.RawQuery = url.Values{"v": {id}}.Encode()
	default:
		u.Path = path.Clean(u.Path)
	}
	return u, nil
}

func watchURL(videoID string) string {
	return BaseURL + "/watch?" + url.Values{"v": {videoID}}.Encode()
}

func chatURL(videoID string) string {
	return BaseURL + "/live_chat?" + url.Values{"v": {videoID}}.Encode()
}

func extractInitialPlayerState(body string) (videoID string, live bool, ok bool) {
	for _, marker := range []string{"ytInitialPlayerResponse", "ytInitialData"} {
		raw, found := extractJSONAssignment(body, marker)
		if !found {
			continue
		}
		id, isLive, hasVideo, err := parseInitialPlayerJSON(raw)
		if err != nil || !hasVideo {
			continue
		}
		return id, isLive, true
	}
	return "", false, false
}

// extractJSONAssignment finds `marker ... = {...}` in a page script and
// returns the balanced JSON value.
func extractJSONAssignment(body, marker string) (string, bool) {
	search := 0
	for {
		idx := strings.Index(body[search:], marker)
		if idx == -1 {
			return "", false
		}
		idx += search
		search = idx + len(marker)

		pos := idx + len(marker)
		for pos < len(body) {
			ch := body[pos]
			if ch == '=' || ch == ':' {
				pos++
				break
			}
			if unicode.IsSpace(rune(ch)) || ch == ']' || ch == '"' || ch == '\'' {
				pos++
				continue
			}
			pos = -1
			break
		}
		if pos == -1 || pos >= len(body) {
			continue
		}
		for pos < len(body) && unicode.IsSpace(rune(body[pos])) {
			pos++
		}
		if pos >= len(body) || (body[pos] != '{' && body[pos] != '[') {
			continue
		}
		if slice, ok := sliceBalancedJSON(body[pos:]); ok {
			return slice, true
		}
	}
}

func sliceBalancedJSON(s string) (string, bool) {
	stack := make([]byte, 0, 8)
	inString, escape := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escape:
				escape = false
			case ch == '\\':
				escape = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, ch)
		case '}', ']':
			if len(stack) == 0 {
				return "", false
			}
			open := stack[len(stack)-1]
			if (open == '{') != (ch == '}') {
				return "", false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}

type playerResponse struct {
	StreamingData *struct {
		HLSManifestURL  string `json:"hlsManifestUrl"`
		DashManifestURL string `json:"dashManifestUrl"`
	} `json:"streamingData"`
	VideoDetails struct {
		VideoID       string `json:"videoId"`
		IsLive        bool   `json:"isLive"`
		IsLiveContent bool   `json:"isLiveContent"`
	} `json:"videoDetails"`
}

func parseInitialPlayerJSON(raw string) (string, bool, bool, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &root); err != nil {
		return "", false, false, err
	}

	var payload playerResponse
	src := []byte(raw)
	if nested, ok := root["playerResponse"]; ok {
		src = nested
	}
	if err := json.Unmarshal(src, &payload); err != nil {
		return "", false, false, err
	}

	videoID := strings.TrimSpace(payload.VideoDetails.VideoID)
	if videoID == "" {
		return "", false, false, nil
	}
	live := payload.VideoDetails.IsLive || payload.VideoDetails.IsLiveContent || payload.StreamingData != nil
	return videoID, live, true, nil
}
