package engine

import (
	"testing"

	"github.com/avx7/torrentd/internal/metainfo"
	"github.com/stretchr/testify/assert"
)

func TestTrackerURLs_DedupesAcrossAnnounceList(t *testing.T) {
	e := &Engine{info: &metainfo.Info{
		Announce: "http://a.example/announce",
		AnnounceList: [][]string{
			{"http://a.example/announce", "http://b.example/announce"},
			{"", "http://c.example/announce"},
		},
	}}

	urls := e.trackerURLs()
	assert.Equal(t, []string{
		"http://a.example/announce",
		"http://b.example/announce",
		"http://c.example/announce",
	}, urls)
}
