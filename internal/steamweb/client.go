// Package steamweb implements the account web-session surface: badge and
// inventory scraping plus the profile actions that have no wire-protocol
// equivalent.
package steamweb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/fcastrocs/steamidler/internal/domain"
)

const communityURL = "https://steamcommunity.com"

var (
	cardsRemainingRe = regexp.MustCompile(`(\d+) card drops? remaining`)
	hoursPlayedRe    = regexp.MustCompile(`([\d.]+) hrs on record`)
	appIDRe          = regexp.MustCompile(`/gamecards/(\d+)`)
)

// Client talks to the community web surface with one account's session
// cookie. The zero cookie form is only useful for Login.
type Client struct {
	http   *http.Client
	cookie string
}

func NewClient(cookie string) *Client {
	return &Client{
		http: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Redirects to the login page mean the cookie is dead;
				// surface the request as-is instead of following.
				return http.ErrUseLastResponse
			},
		},
		cookie: cookie,
	}
}

// Login installs the cookie material minted on the wire connection and
// verifies it against the community site.
func (c *Client) Login(ctx context.Context, nonce string) (string, error) {
	c.cookie = nonce
	resp, err := c.get(ctx, communityURL+"/my/badges")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if loginRedirect(resp) {
		return "", domain.E(domain.KindCookieExpired, "web session cookie rejected")
	}
	return c.cookie, nil
}

// FarmableGames walks the badges pages and returns every title that still
// has card drops remaining.
func (c *Client) FarmableGames(ctx context.Context) ([]domain.FarmableGame, error) {
	var games []domain.FarmableGame
	for page := 1; ; page++ {
		resp, err := c.get(ctx, fmt.Sprintf("%s/my/badges?p=%d", communityURL, page))
		if err != nil {
			return nil, err
		}
		if loginRedirect(resp) {
			resp.Body.Close()
			return nil, domain.E(domain.KindCookieExpired, "web session expired")
		}

		pageGames, hasNext, err := parseBadgesPage(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, domain.WrapE(domain.KindUnexpected, "failed to parse badges page", err)
		}
		games = append(games, pageGames...)
		if !hasNext {
			return games, nil
		}
	}
}

// CardsInventory fetches the community inventory (app 753, context 6),
// which is where trading cards land.
func (c *Client) CardsInventory(ctx context.Context) ([]domain.InventoryItem, error) {
	resp, err := c.get(ctx, communityURL+"/my/inventory/json/753/6")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if loginRedirect(resp) {
		return nil, domain.E(domain.KindCookieExpired, "web session expired")
	}

	var payload struct {
		Success   bool `json:"success"`
		Inventory map[string]struct {
			ID      string `json:"id"`
			ClassID string `json:"classid"`
		} `json:"rgInventory"`
		Descriptions map[string]struct {
			ClassID string `json:"classid"`
			Name    string `json:"name"`
			Type    string `json:"type"`
			IconURL string `json:"icon_url"`
		} `json:"rgDescriptions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, domain.WrapE(domain.KindUnexpected, "failed to decode inventory", err)
	}
	if !payload.Success {
		return nil, domain.E(domain.KindUnexpected, "inventory request rejected")
	}

	byClass := make(map[string]domain.InventoryItem, len(payload.Descriptions))
	for _, d := range payload.Descriptions {
		byClass[d.ClassID] = domain.InventoryItem{
			Name:    d.Name,
			Type:    d.Type,
			IconURL: "https://community.cloudflare.steamstatic.com/economy/image/" + d.IconURL,
		}
	}

	items := make([]domain.InventoryItem, 0, len(payload.Inventory))
	for _, asset := range payload.Inventory {
		item, ok := byClass[asset.ClassID]
		if !ok {
			continue
		}
		item.AssetID = asset.ID
		items = append(items, item)
	}
	return items, nil
}

// ChangeAvatar uploads a new profile avatar and returns its URL.
func (c *Client) ChangeAvatar(ctx context.Context, image []byte) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("avatar", "avatar.png")
	if err != nil {
		return "", domain.WrapE(domain.KindUnexpected, "failed to build upload", err)
	}
	if _, err := part.Write(image); err != nil {
		return "", domain.WrapE(domain.KindUnexpected, "failed to build upload", err)
	}
	_ = w.WriteField("type", "player_avatar_image")
	_ = w.WriteField("sId", "")
	_ = w.WriteField("sessionid", c.sessionID())
	_ = w.WriteField("doSub", "1")
	_ = w.WriteField("json", "1")
	if err := w.Close(); err != nil {
		return "", domain.WrapE(domain.KindUnexpected, "failed to build upload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, communityURL+"/actions/FileUploader", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Cookie", c.cookie)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", domain.WrapE(domain.KindServiceUnavailable, "avatar upload failed", err)
	}
	defer resp.Body.Close()
	if loginRedirect(resp) {
		return "", domain.E(domain.KindCookieExpired, "web session expired")
	}

	var result struct {
		Success bool `json:"success"`
		Images  struct {
			Full string `json:"full"`
		} `json:"images"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", domain.WrapE(domain.KindUnexpected, "failed to decode upload response", err)
	}
	if !result.Success {
		return "", domain.E(domain.KindUnexpected, "avatar upload rejected")
	}
	return result.Images.Full, nil
}

// ChangePrivacy sets the profile privacy level: public, friendsOnly or
// private.
func (c *Client) ChangePrivacy(ctx context.Context, setting string) error {
	levels := map[string]int{"private": 1, "friendsOnly": 2, "public": 3}
	level, ok := levels[setting]
	if !ok {
		return domain.Ef(domain.KindUnexpected, "unknown privacy setting %q", setting)
	}

	settings, _ := json.Marshal(map[string]int{
		"PrivacyProfile":        level,
		"PrivacyInventory":      level,
		"PrivacyInventoryGifts": level,
		"PrivacyOwnedGames":     level,
		"PrivacyPlaytime":       level,
		"PrivacyFriendsList":    level,
	})
	form := url.Values{
		"sessionid": {c.sessionID()},
		"Privacy":   {string(settings)},
	}
	return c.postForm(ctx, communityURL+"/my/ajaxsetprivacy/", form)
}

// ClearAliases wipes the previously-used-names history.
func (c *Client) ClearAliases(ctx context.Context) error {
	form := url.Values{"sessionid": {c.sessionID()}}
	return c.postForm(ctx, communityURL+"/my/ajaxclearaliashistory/", form)
}

func (c *Client) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cookie", c.cookie)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, domain.WrapE(domain.KindServiceUnavailable, "community request failed", err)
	}
	return resp, nil
}

func (c *Client) postForm(ctx context.Context, rawURL string, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Cookie", c.cookie)

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.WrapE(domain.KindServiceUnavailable, "community request failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if loginRedirect(resp) {
		return domain.E(domain.KindCookieExpired, "web session expired")
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Ef(domain.KindUnexpected, "community request failed with status %d", resp.StatusCode)
	}
	return nil
}

// sessionID extracts the sessionid value from the stored cookie material.
func (c *Client) sessionID() string {
	for _, part := range strings.Split(c.cookie, ";") {
		part = strings.TrimSpace(part)
		if value, ok := strings.CutPrefix(part, "sessionid="); ok {
			return value
		}
	}
	return ""
}

func loginRedirect(resp *http.Response) bool {
	if resp.StatusCode != http.StatusFound && resp.StatusCode != http.StatusMovedPermanently {
		return false
	}
	return strings.Contains(resp.Header.Get("Location"), "/login")
}

// parseBadgesPage extracts farmable titles from one badges page and reports
// whether another page follows.
func parseBadgesPage(r io.Reader) ([]domain.FarmableGame, bool, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, false, err
	}

	var games []domain.FarmableGame
	hasNext := false

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && hasClass(n, "badge_row") {
			if game, ok := parseBadgeRow(n); ok {
				games = append(games, game)
			}
		}
		if n.Type == html.ElementNode && n.Data == "a" && hasClass(n, "pagebtn") && nodeText(n) == ">" {
			hasNext = true
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return games, hasNext, nil
}

func parseBadgeRow(row *html.Node) (domain.FarmableGame, bool) {
	text := nodeText(row)

	cards := cardsRemainingRe.FindStringSubmatch(text)
	if cards == nil {
		return domain.FarmableGame{}, false
	}
	remaining, _ := strconv.Atoi(cards[1])
	if remaining == 0 {
		return domain.FarmableGame{}, false
	}

	var game domain.FarmableGame
	game.RemainingCards = remaining

	if hours := hoursPlayedRe.FindStringSubmatch(text); hours != nil {
		game.PlayedHours, _ = strconv.ParseFloat(hours[1], 64)
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if n.Data == "a" {
				if m := appIDRe.FindStringSubmatch(attr(n, "href")); m != nil {
					id, _ := strconv.ParseUint(m[1], 10, 32)
					game.AppID = uint32(id)
				}
			}
			if hasClass(n, "badge_title") && game.Name == "" {
				game.Name = strings.TrimSpace(strings.TrimSuffix(nodeText(n), "View details"))
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(row)

	return game, game.AppID != 0
}

func hasClass(n *html.Node, class string) bool {
	for _, field := range strings.Fields(attr(n, "class")) {
		if field == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}
