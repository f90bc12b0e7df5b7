package youtube

import "testing"

func TestMatch(t *testing.T) {
	s := &Service{}
	matching := []string{
		"UC1234567890abcdefghijkA",
		"https://www.youtube.com/channel/UC1234567890abcdefghijkA",
		"youtube.com/channel/UC1234567890abcdefghijkQ",
		"https://youtu.be/channel/UC1234567890abcdefghijkw",
	}
	for _, query := range matching {
		if !s.Match(query) {
			t.Errorf("%q should match", query)
		}
	}
	notMatching := []string{
		"https://www.twitch.tv/somechannel",
		"UC_too_short",
		"random channel name",
	}
	for _, query := range notMatching {
		if s.Match(query) {
			t.Errorf("%q should not match", query)
		}
	}
}
