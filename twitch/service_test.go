package twitch

import "testing"

func TestMatch(t *testing.T) {
	s := NewService("id", "secret")
	matching := []string{
		"https://www.twitch.tv/somechannel",
		"http://twitch.tv/somechannel",
		"twitch.tv/somechannel",
		"somechannel",
	}
	for _, query := range matching {
		if !s.Match(query) {
			t.Errorf("%q should match", query)
		}
	}
	notMatching := []string{
		"https://www.youtube.com/watch?v=abc",
		"no spaces allowed here",
		"a",
	}
	for _, query := range notMatching {
		if s.Match(query) {
			t.Errorf("%q should not match", query)
		}
	}
}

func TestPreviews(t *testing.T) {
	urls := previews("https://static-cdn.jtvnw.net/previews-ttv/live_user_some-{width}x{height}.jpg")
	if len(urls) != 3 {
		t.Fatalf("got %v previews, want 3", len(urls))
	}
	want := "https://static-cdn.jtvnw.net/previews-ttv/live_user_some-1280x720.jpg"
	if urls[0] != want {
		t.Errorf("largest preview = %q, want %q", urls[0], want)
	}
	if previews("") != nil {
		t.Error("empty template should yield no previews")
	}
}

func TestChannelURL(t *testing.T) {
	if got := channelURL("SomeStreamer"); got != "https://www.twitch.tv/somestreamer" {
		t.Errorf("channel url = %q", got)
	}
}
