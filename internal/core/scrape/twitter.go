package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/risunCode/downaria/internal/core/fetch"
	"github.com/risunCode/downaria/internal/core/media"
)

const (
	// Public bearer token (same as used by the web client)
	twitterBearerToken = "AAAAAAAAAAAAAAAAAAAAANRILgAAAAAAnNwIzUejRCOuH5E6I8xnZz4puTs=1Zv7ttfk8LF81IUq16cHjhLTvJu4FA33AGWWjCpTnA"

	twitterSyndicationURL = "https://cdn.syndication.twimg.com/tweet-result"
	twitterGraphQLURL     = "https://x.com/i/api/graphql/2ICDjqPd81tulZcYrtpTuQ/TweetResultByRestId"
)

var twitterStatusRegex = regexp.MustCompile(`(?:twitter\.com|x\.com)/(?:[^/]+)/status/(\d+)`)

// TwitterScraper extracts media from tweet URLs: the syndication CDN first
// (no auth, public tweets), then the GraphQL API with the user's auth_token
// cookie for age-restricted or protected tweets.
type TwitterScraper struct {
	policy Policy
}

func NewTwitterScraper() *TwitterScraper {
	return &TwitterScraper{policy: GuestFirstPolicy()}
}

func (t *TwitterScraper) Name() string { return "twitter" }

func (t *TwitterScraper) Hosts() []string {
	return []string{"twitter.com", "x.com", "mobile.twitter.com", "mobile.x.com"}
}

func (t *TwitterScraper) Scrape(ctx context.Context, rawURL string, opts Options) *Result {
	if !matchesHost(rawURL, t.Hosts()) {
		return Failf(ErrInvalidURL, "not a Twitter/X URL: %s", rawURL)
	}
	m := twitterStatusRegex.FindStringSubmatch(rawURL)
	if len(m) < 2 {
		return Failf(ErrInvalidURL, "could not extract tweet ID from URL")
	}
	tweetID := m[1]

	ctx, cancel := withTimeout(ctx, opts, fetch.APITimeout)
	defer cancel()

	return t.policy.Run(media.KindVideo, opts.Cookie, func(cookie string) *Result {
		if cookie == "" {
			return t.fromSyndication(ctx, tweetID, rawURL)
		}
		return t.fromGraphQL(ctx, tweetID, rawURL, cookie)
	})
}

type syndicationTweet struct {
	Text string `json:"text"`
	User struct {
		ScreenName string `json:"screen_name"`
		Name       string `json:"name"`
	} `json:"user"`
	FavoriteCount int64 `json:"favorite_count"`
	MediaDetails  []struct {
		Type           string `json:"type"`
		MediaURLHTTPS  string `json:"media_url_https"`
		OriginalWidth  int    `json:"original_info_width"`
		OriginalHeight int    `json:"original_info_height"`
		VideoInfo      struct {
			DurationMillis int `json:"duration_millis"`
			Variants       []struct {
				Bitrate     int    `json:"bitrate"`
				ContentType string `json:"content_type"`
				URL         string `json:"url"`
			} `json:"variants"`
		} `json:"video_info"`
	} `json:"mediaDetails"`
}

func (t *TwitterScraper) fromSyndication(ctx context.Context, tweetID, rawURL string) *Result {
	params := url.Values{}
	params.Set("id", tweetID)
	params.Set("token", "x") // required but value doesn't matter

	body, status, err := fetch.Get(ctx, fetch.Client(fetch.APITimeout),
		twitterSyndicationURL+"?"+params.Encode(), fetch.ProfileFor("twitter"))
	if err != nil {
		if status != 0 {
			return failStatus(status)
		}
		return FailErr(err)
	}

	var tw syndicationTweet
	if err := json.Unmarshal(body, &tw); err != nil {
		return Failf(ErrAPI, "failed to parse syndication response: %v", err)
	}
	return t.buildResult(&tw, tweetID, rawURL)
}

func (t *TwitterScraper) buildResult(tw *syndicationTweet, tweetID, rawURL string) *Result {
	if len(tw.MediaDetails) == 0 {
		return Failf(ErrNoMedia, "no media found in tweet")
	}

	info := &media.Info{
		Title:      truncateText(tw.Text, 100),
		Author:     tw.User.ScreenName,
		AuthorName: tw.User.Name,
		URL:        rawURL,
	}
	if tw.FavoriteCount > 0 {
		info.Engagement = &media.Engagement{Likes: tw.FavoriteCount}
	}

	var formats []media.Format
	itemIdx := 0
	for _, md := range tw.MediaDetails {
		itemIdx++
		itemID := fmt.Sprintf("%s_%d", tweetID, itemIdx)
		switch md.Type {
		case "video", "animated_gif":
			for _, v := range md.VideoInfo.Variants {
				if v.ContentType != "video/mp4" {
					continue
				}
				f := media.Format{
					Role:     media.RoleVideo,
					URL:      v.URL,
					Ext:      "mp4",
					ItemID:   itemID,
					Bitrate:  v.Bitrate,
					Delivery: media.DeliverDirect,
					HasVideo: true,
					HasAudio: true,
				}
				if w, h := resolutionFromVariantURL(v.URL); h > 0 {
					f.Width, f.Height = w, h
					f.Tier = media.TierForHeight(h)
				} else if v.Bitrate > 0 {
					f.Tier = tierFromBitrate(v.Bitrate)
				}
				f.Quality = f.Tier.String()
				formats = append(formats, f)
			}
			if md.VideoInfo.DurationMillis > 0 && info.Duration == 0 {
				info.Duration = md.VideoInfo.DurationMillis / 1000
			}
		case "photo":
			formats = append(formats, media.Format{
				Quality:  "Original",
				Role:     media.RoleImage,
				Tier:     media.TierOriginal,
				URL:      origImageURL(md.MediaURLHTTPS),
				Ext:      imageExt(md.MediaURLHTTPS),
				ItemID:   itemID,
				Width:    md.OriginalWidth,
				Height:   md.OriginalHeight,
				Delivery: media.DeliverDirect,
			})
		}
	}

	if len(formats) == 0 {
		return Failf(ErrNoMedia, "no media found in tweet")
	}

	if itemIdx == 1 {
		for i := range formats {
			formats[i].ItemID = ""
		}
		info.Kind = media.KindVideo
		if formats[0].Role == media.RoleImage {
			info.Kind = media.KindImage
		}
	} else {
		info.Kind = media.KindCarousel
	}

	media.SortFormats(formats)
	info.Formats = media.DedupeFormats(formats)
	if info.Thumbnail == "" && len(tw.MediaDetails) > 0 {
		info.Thumbnail = tw.MediaDetails[0].MediaURLHTTPS
	}
	return OK("twitter", info)
}

// fromGraphQL fetches a tweet through the authenticated GraphQL API. The
// ct0 CSRF cookie is obtained with a priming request against x.com.
func (t *TwitterScraper) fromGraphQL(ctx context.Context, tweetID, rawURL, authToken string) *Result {
	client := fetch.Client(fetch.APITimeout)

	csrf, err := t.fetchCSRF(ctx, client, authToken)
	if err != nil {
		return Failf(ErrCookieExpired, "could not obtain CSRF token: %v", err)
	}

	variables, _ := json.Marshal(map[string]any{
		"tweetId":                tweetID,
		"withCommunity":          false,
		"includePromotedContent": false,
		"withVoice":              false,
	})
	features, _ := json.Marshal(twitterGraphQLFeatures)
	params := url.Values{}
	params.Set("variables", string(variables))
	params.Set("features", string(features))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, twitterGraphQLURL+"?"+params.Encode(), nil)
	if err != nil {
		return FailErr(err)
	}
	req.Header.Set("Authorization", "Bearer "+twitterBearerToken)
	req.Header.Set("User-Agent", fetch.DesktopUA)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-twitter-auth-type", "OAuth2Session")
	req.Header.Set("x-twitter-active-user", "yes")
	req.Header.Set("x-csrf-token", csrf)
	req.AddCookie(&http.Cookie{Name: "auth_token", Value: authToken})
	req.AddCookie(&http.Cookie{Name: "ct0", Value: csrf})

	resp, err := client.Do(req)
	if err != nil {
		return FailErr(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return failStatus(resp.StatusCode)
	}

	var gql twitterGraphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&gql); err != nil {
		return Failf(ErrAPI, "failed to parse GraphQL response: %v", err)
	}
	return t.buildGraphQLResult(&gql, tweetID, rawURL)
}

func (t *TwitterScraper) fetchCSRF(ctx context.Context, client *http.Client, authToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://x.com", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", fetch.DesktopUA)
	req.AddCookie(&http.Cookie{Name: "auth_token", Value: authToken})

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	for _, c := range resp.Cookies() {
		if c.Name == "ct0" {
			return c.Value, nil
		}
	}
	return "", fmt.Errorf("no ct0 cookie in response")
}

var twitterGraphQLFeatures = map[string]any{
	"creator_subscriptions_tweet_preview_api_enabled":                         true,
	"tweetypie_unmention_optimization_enabled":                                true,
	"responsive_web_edit_tweet_api_enabled":                                   true,
	"graphql_is_translatable_rweb_tweet_is_translatable_enabled":              true,
	"view_counts_everywhere_api_enabled":                                      true,
	"longform_notetweets_consumption_enabled":                                 true,
	"responsive_web_twitter_article_tweet_consumption_enabled":                false,
	"tweet_awards_web_tipping_enabled":                                        false,
	"freedom_of_speech_not_reach_fetch_enabled":                               true,
	"standardized_nudges_misinfo":                                             true,
	"tweet_with_visibility_results_prefer_gql_limited_actions_policy_enabled": true,
	"longform_notetweets_rich_text_read_enabled":                              true,
	"longform_notetweets_inline_media_enabled":                                true,
	"responsive_web_graphql_exclude_directive_enabled":                        true,
	"verified_phone_label_enabled":                                            false,
	"responsive_web_media_download_video_enabled":                             false,
	"responsive_web_graphql_skip_user_profile_image_extensions_enabled":       false,
	"responsive_web_graphql_timeline_navigation_enabled":                      true,
	"responsive_web_enhance_cards_enabled":                                    false,
}

type twitterGraphQLResponse struct {
	Data struct {
		TweetResult struct {
			Result *twitterGraphQLTweet `json:"result"`
		} `json:"tweetResult"`
	} `json:"data"`
}

type twitterGraphQLTweet struct {
	TypeName string               `json:"__typename"`
	Reason   string               `json:"reason"`
	Tweet    *twitterGraphQLTweet `json:"tweet"` // TweetWithVisibilityResults wrapper
	Core     *struct {
		UserResults struct {
			Result *struct {
				Legacy struct {
					ScreenName string `json:"screen_name"`
					Name       string `json:"name"`
				} `json:"legacy"`
			} `json:"result"`
		} `json:"user_results"`
	} `json:"core"`
	Legacy *struct {
		FullText         string `json:"full_text"`
		FavoriteCount    int64  `json:"favorite_count"`
		RetweetCount     int64  `json:"retweet_count"`
		ReplyCount       int64  `json:"reply_count"`
		ExtendedEntities *struct {
			Media []struct {
				Type          string `json:"type"`
				MediaURLHTTPS string `json:"media_url_https"`
				OriginalInfo  struct {
					Width  int `json:"width"`
					Height int `json:"height"`
				} `json:"original_info"`
				VideoInfo struct {
					DurationMillis int `json:"duration_millis"`
					Variants       []struct {
						Bitrate     int    `json:"bitrate"`
						ContentType string `json:"content_type"`
						URL         string `json:"url"`
					} `json:"variants"`
				} `json:"video_info"`
			} `json:"media"`
		} `json:"extended_entities"`
	} `json:"legacy"`
}

func (t *TwitterScraper) buildGraphQLResult(gql *twitterGraphQLResponse, tweetID, rawURL string) *Result {
	result := gql.Data.TweetResult.Result
	if result == nil {
		return Failf(ErrNotFound, "tweet not found or not accessible")
	}

	switch result.TypeName {
	case "TweetTombstone":
		return Failf(ErrNotFound, "tweet is unavailable")
	case "TweetUnavailable":
		switch result.Reason {
		case "NsfwLoggedOut":
			return Failf(ErrAgeRestricted, "age-restricted content requires login")
		case "Protected":
			return Failf(ErrPrivateContent, "protected tweet requires authorization")
		default:
			return Failf(ErrNotFound, "tweet unavailable: %s", result.Reason)
		}
	}

	legacy := result.Legacy
	core := result.Core
	if legacy == nil && result.Tweet != nil {
		legacy = result.Tweet.Legacy
		core = result.Tweet.Core
	}
	if legacy == nil || legacy.ExtendedEntities == nil || len(legacy.ExtendedEntities.Media) == 0 {
		return Failf(ErrNoMedia, "no media found in tweet")
	}

	// reshape into the syndication layout so both paths share one builder
	tw := &syndicationTweet{Text: legacy.FullText, FavoriteCount: legacy.FavoriteCount}
	if core != nil && core.UserResults.Result != nil {
		tw.User.ScreenName = core.UserResults.Result.Legacy.ScreenName
		tw.User.Name = core.UserResults.Result.Legacy.Name
	}
	for _, m := range legacy.ExtendedEntities.Media {
		md := struct {
			Type           string `json:"type"`
			MediaURLHTTPS  string `json:"media_url_https"`
			OriginalWidth  int    `json:"original_info_width"`
			OriginalHeight int    `json:"original_info_height"`
			VideoInfo      struct {
				DurationMillis int `json:"duration_millis"`
				Variants       []struct {
					Bitrate     int    `json:"bitrate"`
					ContentType string `json:"content_type"`
					URL         string `json:"url"`
				} `json:"variants"`
			} `json:"video_info"`
		}{
			Type:           m.Type,
			MediaURLHTTPS:  m.MediaURLHTTPS,
			OriginalWidth:  m.OriginalInfo.Width,
			OriginalHeight: m.OriginalInfo.Height,
		}
		md.VideoInfo.DurationMillis = m.VideoInfo.DurationMillis
		md.VideoInfo.Variants = m.VideoInfo.Variants
		tw.MediaDetails = append(tw.MediaDetails, md)
	}

	res := t.buildResult(tw, tweetID, rawURL)
	if res.Success && legacy.RetweetCount+legacy.ReplyCount > 0 {
		if res.Data.Engagement == nil {
			res.Data.Engagement = &media.Engagement{}
		}
		res.Data.Engagement.Shares = legacy.RetweetCount
		res.Data.Engagement.Replies = legacy.ReplyCount
	}
	return res
}

// Helpers

func truncateText(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-3]) + "..."
}

var variantResolutionRegex = regexp.MustCompile(`/(\d+)x(\d+)/`)

func resolutionFromVariantURL(u string) (int, int) {
	m := variantResolutionRegex.FindStringSubmatch(u)
	if len(m) >= 3 {
		w, _ := strconv.Atoi(m[1])
		h, _ := strconv.Atoi(m[2])
		return w, h
	}
	return 0, 0
}

func tierFromBitrate(bitrate int) media.Tier {
	switch {
	case bitrate >= 2000000:
		return media.TierFHD1080
	case bitrate >= 1000000:
		return media.TierHD720
	case bitrate >= 500000:
		return media.TierSD480
	default:
		return media.TierLow
	}
}

// origImageURL rewrites a Twitter image URL to its highest quality variant.
func origImageURL(imageURL string) string {
	base := strings.Split(imageURL, "?")[0]
	format := "jpg"
	if strings.Contains(base, ".png") {
		format = "png"
	} else if strings.Contains(base, ".webp") {
		format = "webp"
	}
	return base + "?format=" + format + "&name=orig"
}

func imageExt(imageURL string) string {
	base := strings.Split(imageURL, "?")[0]
	switch {
	case strings.HasSuffix(base, ".png"):
		return "png"
	case strings.HasSuffix(base, ".webp"):
		return "webp"
	case strings.HasSuffix(base, ".gif"):
		return "gif"
	default:
		return "jpg"
	}
}

func init() {
	Register(NewTwitterScraper())
}
