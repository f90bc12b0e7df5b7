// Package service defines the contract every streaming-platform adapter
// satisfies and the service-namespaced id encoding shared by all of them.
package service

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrBadQuery        = errors.New("unable to resolve channel query")
)

// ID names one streaming platform ("twitch", "youtube", ...).
// Must not contain ':'.
type ID string

// Interface is what the checker consumes. Adapters work with raw platform
// ids; wrapping into the global namespace happens on the checker side.
type Interface interface {
	ID() ID
	// Match reports whether free-form user input looks like a channel
	// reference this adapter can resolve.
	Match(query string) bool
	FindChannel(ctx context.Context, query string) (Channel, error)
	GetStreams(ctx context.Context, rawChannelIds []string) (StreamsResult, error)
	// GetExistsChannelIds returns the subset of raw ids still known upstream.
	GetExistsChannelIds(ctx context.Context, rawChannelIds []string) ([]string, error)
	// BatchSize is the maximum number of channels per GetStreams call.
	BatchSize() int
	NoCachePreview() bool
	StreamPreviewHeadUnsupported() bool
}

type Channel struct {
	Id    string
	Title string
	Url   string
}

type Stream struct {
	Id           string
	ChannelId    string
	ChannelTitle string
	ChannelUrl   string
	Title        string
	Game         string
	IsRecord     bool
	Previews     []string
	Viewers      int
	Url          string
}

type StreamsResult struct {
	Streams           []Stream
	SkippedChannelIds []string
	RemovedChannelIds []string
}

// WrapId prefixes a raw platform id with the service namespace so ids are
// globally unique across services. UnwrapId inverts it.
func WrapId(service ID, rawId string) string {
	return string(service) + ":" + rawId
}

func UnwrapId(id string) (ID, string) {
	service, rawId, found := strings.Cut(id, ":")
	if !found {
		return "", id
	}
	return ID(service), rawId
}
