package steamweb

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const badgesPage = `
<html><body>
<div class="badge_row">
  <a class="badge_row_overlay" href="https://steamcommunity.com/id/someone/gamecards/730/"></a>
  <div class="badge_title">Counter-Strike 2 View details</div>
  <div class="progress_info_bold">3 card drops remaining</div>
  <div class="badge_title_stats_playtime">12.4 hrs on record</div>
</div>
<div class="badge_row">
  <a class="badge_row_overlay" href="https://steamcommunity.com/id/someone/gamecards/440/"></a>
  <div class="badge_title">Team Fortress 2 View details</div>
  <div class="progress_info_bold">No card drops remaining</div>
</div>
<div class="badge_row">
  <a class="badge_row_overlay" href="https://steamcommunity.com/id/someone/gamecards/570/"></a>
  <div class="badge_title">Dota 2 View details</div>
  <div class="progress_info_bold">1 card drop remaining</div>
</div>
</body></html>`

func TestParseBadgesPage(t *testing.T) {
	games, hasNext, err := parseBadgesPage(strings.NewReader(badgesPage))
	require.NoError(t, err)
	assert.False(t, hasNext)

	require.Len(t, games, 2, "exhausted badges must be skipped")
	assert.Equal(t, uint32(730), games[0].AppID)
	assert.Equal(t, "Counter-Strike 2", games[0].Name)
	assert.Equal(t, 3, games[0].RemainingCards)
	assert.InDelta(t, 12.4, games[0].PlayedHours, 0.001)

	assert.Equal(t, uint32(570), games[1].AppID)
	assert.Equal(t, 1, games[1].RemainingCards)
}

func TestParseBadgesPage_Pagination(t *testing.T) {
	page := badgesPage + `<a class="pagebtn" href="?p=2">&gt;</a>`
	_, hasNext, err := parseBadgesPage(strings.NewReader(page))
	require.NoError(t, err)
	assert.True(t, hasNext)
}

func TestSessionID(t *testing.T) {
	c := NewClient("sessionid=abc123; steamLoginSecure=7656119%7C%7Ctoken")
	assert.Equal(t, "abc123", c.sessionID())

	assert.Empty(t, NewClient("steamLoginSecure=x").sessionID())
}
