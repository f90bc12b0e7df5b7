// Package youtube implements the streaming-service adapter for YouTube on
// top of the Data API v3.
package youtube

import (
	"context"
	"log"
	"regexp"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/api/option"
	ytApi "google.golang.org/api/youtube/v3"

	"stream-notify-bot/service"
)

var urlPattern = regexp.MustCompile(`(?:https?://)?(?:www\.)?youtu(?:\.be|be\.[a-z.]{2,5})/channel/(UC[\w-]{21}[AQgw])`)

var channelIdPattern = regexp.MustCompile(`^UC[\w-]{21}[AQgw]$`)

const (
	searchTimeout = time.Second * 20
	// Need a small batch to stay inside the api quota: every channel costs a
	// search call per poll.
	batchSize        = 25
	searchMaxResults = 50
	liveEventType    = "live"
	videoType        = "video"
	channelType      = "channel"
)

var (
	snippetPart            = []string{"snippet"}
	liveStreamingPart      = []string{"snippet", "liveStreamingDetails"}
	notFoundReasonPattern  = regexp.MustCompile(`(?i)notFound|channelNotFound`)
	quotaExceededPattern   = regexp.MustCompile(`(?i)quotaExceeded|rateLimitExceeded`)
	channelIdIndexInSubURL = 1
)

type Service struct {
	yt *ytApi.Service
}

func NewService(apiKey string) (*Service, error) {
	yt, err := ytApi.NewService(context.Background(), option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	return &Service{yt: yt}, nil
}

func (s *Service) ID() service.ID {
	return "youtube"
}

func (s *Service) BatchSize() int {
	return batchSize
}

func (s *Service) NoCachePreview() bool {
	return false
}

func (s *Service) StreamPreviewHeadUnsupported() bool {
	return false
}

func (s *Service) Match(query string) bool {
	return urlPattern.MatchString(query) || channelIdPattern.MatchString(query)
}

func (s *Service) FindChannel(ctx context.Context, query string) (service.Channel, error) {
	channelId := query
	if submatch := urlPattern.FindStringSubmatch(query); submatch != nil {
		channelId = submatch[channelIdIndexInSubURL]
	}
	if !channelIdPattern.MatchString(channelId) {
		return s.findChannelByQuery(ctx, query)
	}
	return s.findChannelById(ctx, channelId)
}

func (s *Service) findChannelById(ctx context.Context, id string) (service.Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()
	response, err := s.yt.Channels.List(snippetPart).Context(ctx).MaxResults(1).Id(id).Do()
	if err != nil {
		return service.Channel{}, errors.Wrap(err, "error on calling youtube api")
	}
	if len(response.Items) == 0 {
		return service.Channel{}, service.ErrChannelNotFound
	}
	channel := response.Items[0]
	if channel.Snippet == nil {
		return service.Channel{}, errors.New("snippet is missing in response")
	}
	return service.Channel{
		Id:    channel.Id,
		Title: channel.Snippet.Title,
		Url:   channelURL(channel.Id),
	}, nil
}

func (s *Service) findChannelByQuery(ctx context.Context, query string) (service.Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()
	response, err := s.yt.Search.
		List(snippetPart).
		Context(ctx).
		Q(query).
		Type(channelType).
		MaxResults(1).
		Do()
	if err != nil {
		return service.Channel{}, errors.Wrap(err, "error during search for channel")
	}
	if len(response.Items) == 0 {
		return service.Channel{}, service.ErrChannelNotFound
	}
	item := response.Items[0]
	return service.Channel{
		Id:    item.Snippet.ChannelId,
		Title: item.Snippet.ChannelTitle,
		Url:   channelURL(item.Snippet.ChannelId),
	}, nil
}

func (s *Service) GetStreams(ctx context.Context, rawChannelIds []string) (service.StreamsResult, error) {
	var result service.StreamsResult
	for _, channelId := range rawChannelIds {
		streams, err := s.getChannelStreams(ctx, channelId)
		if err != nil {
			if notFoundReasonPattern.MatchString(err.Error()) {
				result.RemovedChannelIds = append(result.RemovedChannelIds, channelId)
				continue
			}
			if !quotaExceededPattern.MatchString(err.Error()) {
				log.Printf("youtube: streams request failed for channel %v: %v", channelId, err.Error())
			}
			result.SkippedChannelIds = append(result.SkippedChannelIds, channelId)
			continue
		}
		result.Streams = append(result.Streams, streams...)
	}
	return result, nil
}

func (s *Service) getChannelStreams(ctx context.Context, channelId string) ([]service.Stream, error) {
	searchCtx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()
	response, err := s.yt.Search.
		List(snippetPart).
		Context(searchCtx).
		ChannelId(channelId).
		EventType(liveEventType).
		Type(videoType).
		MaxResults(searchMaxResults).
		Do()
	if err != nil {
		return nil, err
	}
	var streams []service.Stream
	for _, item := range response.Items {
		video, err := s.getVideo(ctx, item.Id.VideoId)
		if err != nil {
			log.Printf("youtube: unable to load video %v: %v", item.Id.VideoId, err.Error())
			continue
		}
		streams = append(streams, video)
	}
	return streams, nil
}

func (s *Service) getVideo(ctx context.Context, videoId string) (service.Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()
	response, err := s.yt.Videos.List(liveStreamingPart).Context(ctx).Id(videoId).Do()
	if err != nil {
		return service.Stream{}, err
	}
	if len(response.Items) == 0 {
		return service.Stream{}, errors.Errorf("video %v is missing in response", videoId)
	}
	video := response.Items[0]
	stream := service.Stream{
		Id:           video.Id,
		ChannelId:    video.Snippet.ChannelId,
		ChannelTitle: video.Snippet.ChannelTitle,
		ChannelUrl:   channelURL(video.Snippet.ChannelId),
		Title:        video.Snippet.Title,
		Previews:     previews(video.Snippet.Thumbnails),
		Url:          videoURL(video.Id),
	}
	if video.LiveStreamingDetails != nil {
		stream.Viewers = int(video.LiveStreamingDetails.ConcurrentViewers)
	}
	return stream, nil
}

func (s *Service) GetExistsChannelIds(ctx context.Context, rawChannelIds []string) ([]string, error) {
	var exists []string
	for start := 0; start < len(rawChannelIds); start += searchMaxResults {
		end := start + searchMaxResults
		if end > len(rawChannelIds) {
			end = len(rawChannelIds)
		}
		callCtx, cancel := context.WithTimeout(ctx, searchTimeout)
		response, err := s.yt.Channels.
			List([]string{"id"}).
			Context(callCtx).
			Id(rawChannelIds[start:end]...).
			MaxResults(searchMaxResults).
			Do()
		cancel()
		if err != nil {
			return nil, errors.Wrap(err, "error during channel existence check")
		}
		for _, item := range response.Items {
			exists = append(exists, item.Id)
		}
	}
	return exists, nil
}

func previews(thumbnails *ytApi.ThumbnailDetails) []string {
	if thumbnails == nil {
		return nil
	}
	var urls []string
	for _, t := range []*ytApi.Thumbnail{
		thumbnails.Maxres, thumbnails.Standard, thumbnails.High, thumbnails.Medium, thumbnails.Default,
	} {
		if t != nil && t.Url != "" {
			urls = append(urls, t.Url)
		}
	}
	return urls
}

func channelURL(channelId string) string {
	return "https://www.youtube.com/channel/" + channelId
}

func videoURL(videoId string) string {
	return "https://youtube.com/watch?v=" + videoId
}
