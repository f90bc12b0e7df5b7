// Package twitch implements the streaming-service adapter for Twitch over
// the Helix API with an app access token.
package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"

	"stream-notify-bot/service"
)

const (
	usersURL   = "https://api.twitch.tv/helix/users"
	streamsURL = "https://api.twitch.tv/helix/streams"

	requestTimeout = time.Second * 15
	// Helix accepts up to 100 ids per call; polling uses a smaller slice so
	// one wedged call does not lease too many channels at once.
	batchSize = 50
)

var (
	urlPattern   = regexp.MustCompile(`(?:https?://)?(?:www\.)?twitch\.tv/([\w]+)`)
	loginPattern = regexp.MustCompile(`^[\w]{3,25}$`)
)

type Service struct {
	tokens *tokenSource
	client *http.Client
}

func NewService(clientId, clientSecret string) *Service {
	client := &http.Client{Timeout: requestTimeout}
	return &Service{
		tokens: &tokenSource{clientId: clientId, clientSecret: clientSecret, client: client},
		client: client,
	}
}

func (s *Service) ID() service.ID {
	return "twitch"
}

func (s *Service) BatchSize() int {
	return batchSize
}

func (s *Service) NoCachePreview() bool {
	// Thumbnail URLs stay stable while their content changes, so Telegram's
	// cached copy goes stale.
	return true
}

func (s *Service) StreamPreviewHeadUnsupported() bool {
	return false
}

func (s *Service) Match(query string) bool {
	return urlPattern.MatchString(query) || loginPattern.MatchString(query)
}

func (s *Service) FindChannel(ctx context.Context, query string) (service.Channel, error) {
	login := query
	if submatch := urlPattern.FindStringSubmatch(query); submatch != nil {
		login = submatch[1]
	}
	if !loginPattern.MatchString(login) {
		return service.Channel{}, service.ErrBadQuery
	}
	users, err := s.getUsers(ctx, "login", []string{strings.ToLower(login)})
	if err != nil {
		return service.Channel{}, err
	}
	if len(users) == 0 {
		return service.Channel{}, service.ErrChannelNotFound
	}
	return service.Channel{
		Id:    users[0].Id,
		Title: users[0].DisplayName,
		Url:   channelURL(users[0].Login),
	}, nil
}

func (s *Service) GetStreams(ctx context.Context, rawChannelIds []string) (service.StreamsResult, error) {
	var result service.StreamsResult
	for start := 0; start < len(rawChannelIds); start += batchSize {
		end := start + batchSize
		if end > len(rawChannelIds) {
			end = len(rawChannelIds)
		}
		chunk := rawChannelIds[start:end]
		streams, err := s.getStreams(ctx, chunk)
		if err != nil {
			// The whole chunk is retried next cycle.
			log.Printf("twitch: streams request failed, skipping %v channels: %v", len(chunk), err.Error())
			result.SkippedChannelIds = append(result.SkippedChannelIds, chunk...)
			continue
		}
		result.Streams = append(result.Streams, streams...)
	}
	return result, nil
}

func (s *Service) GetExistsChannelIds(ctx context.Context, rawChannelIds []string) ([]string, error) {
	var exists []string
	for start := 0; start < len(rawChannelIds); start += batchSize {
		end := start + batchSize
		if end > len(rawChannelIds) {
			end = len(rawChannelIds)
		}
		users, err := s.getUsers(ctx, "id", rawChannelIds[start:end])
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			exists = append(exists, u.Id)
		}
	}
	return exists, nil
}

type helixUser struct {
	Id          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

func (s *Service) getUsers(ctx context.Context, key string, values []string) ([]helixUser, error) {
	query := url.Values{}
	for _, v := range values {
		query.Add(key, v)
	}
	var payload struct {
		Data []helixUser `json:"data"`
	}
	if err := s.get(ctx, usersURL, query, &payload); err != nil {
		return nil, err
	}
	return payload.Data, nil
}

func (s *Service) getStreams(ctx context.Context, userIds []string) ([]service.Stream, error) {
	query := url.Values{}
	query.Set("first", "100")
	for _, id := range userIds {
		query.Add("user_id", id)
	}
	var payload struct {
		Data []struct {
			Id          string `json:"id"`
			UserId      string `json:"user_id"`
			UserLogin   string `json:"user_login"`
			UserName    string `json:"user_name"`
			GameName    string `json:"game_name"`
			Type        string `json:"type"`
			Title       string `json:"title"`
			ViewerCount int    `json:"viewer_count"`
			Thumbnail   string `json:"thumbnail_url"`
		} `json:"data"`
	}
	if err := s.get(ctx, streamsURL, query, &payload); err != nil {
		return nil, err
	}
	var streams []service.Stream
	for _, item := range payload.Data {
		if item.Type != "live" {
			continue
		}
		streams = append(streams, service.Stream{
			Id:           item.Id,
			ChannelId:    item.UserId,
			ChannelTitle: item.UserName,
			ChannelUrl:   channelURL(item.UserLogin),
			Title:        item.Title,
			Game:         item.GameName,
			IsRecord:     false,
			Previews:     previews(item.Thumbnail),
			Viewers:      item.ViewerCount,
			Url:          channelURL(item.UserLogin),
		})
	}
	return streams, nil
}

func (s *Service) get(ctx context.Context, rawURL string, query url.Values, dst interface{}) error {
	token, err := s.tokens.Get(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.URL.RawQuery = query.Encode()
	req.Header.Set("Client-Id", s.tokens.clientId)
	req.Header.Set("Authorization", "Bearer "+token)
	response, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "error on calling twitch api")
	}
	defer closeBody(response.Body)
	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(response.Body)
		return errors.Errorf("unexpected twitch api status %v: %v", response.StatusCode, string(body))
	}
	return errors.Wrap(json.NewDecoder(response.Body).Decode(dst), "unable to decode twitch response")
}

var previewSizes = [][2]int{{1280, 720}, {640, 360}, {320, 180}}

func previews(template string) []string {
	if template == "" {
		return nil
	}
	var urls []string
	for _, size := range previewSizes {
		url := strings.ReplaceAll(template, "{width}", fmt.Sprintf("%d", size[0]))
		url = strings.ReplaceAll(url, "{height}", fmt.Sprintf("%d", size[1]))
		urls = append(urls, url)
	}
	return urls
}

func channelURL(login string) string {
	return "https://www.twitch.tv/" + strings.ToLower(login)
}

func closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		log.Printf("error during closing response body: %v", err.Error())
	}
}
