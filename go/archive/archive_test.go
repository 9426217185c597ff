package archive

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postgresql-cfbot/cfbot/go/httpclient"
)

func fetchPatchSet(t *testing.T, page string) *PatchSet {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()
	c := New(httpclient.New("cfbot-test", 5*time.Second, 0))
	set, err := c.LatestPatchSet(context.Background(), srv.URL)
	require.NoError(t, err)
	return set
}

const flatPage = `<html><body><table>
<tr><td><a href="/message-id/first@example.com">first@example.com</a></td></tr>
<tr><td>
  <a href="/message-id/attachment/100/0001-feature.patch">0001-feature.patch</a>
  <a href="/message-id/attachment/100/0002-tests.patch">0002-tests.patch</a>
</td></tr>
<tr><td><a href="/message-id/review@example.com">review@example.com</a></td></tr>
<tr><td><a href="/message-id/attachment/101/notes.txt">notes.txt</a></td></tr>
<tr><td><a href="/message-id/second@example.com">second@example.com</a></td></tr>
<tr><td>
  <a href="/message-id/attachment/102/v2-0001-feature.patch.gz">v2-0001-feature.patch.gz</a>
</td></tr>
<tr><td><a href="/message-id/chatter@example.com">chatter@example.com</a></td></tr>
</table></body></html>`

func TestLatestPatchSet_PicksLastMessageWithPatches(t *testing.T) {
	set := fetchPatchSet(t, flatPage)
	require.NotNil(t, set)
	assert.Equal(t, "second@example.com", set.MessageID)
	assert.Equal(t, []string{
		"https://www.postgresql.org/message-id/attachment/102/v2-0001-feature.patch.gz",
	}, set.Attachments)
}

func TestLatestPatchSet_UnknownExtensionsIgnored(t *testing.T) {
	set := fetchPatchSet(t, `<table>
<tr><td><a href="/message-id/only@example.com">only@example.com</a></td></tr>
<tr><td><a href="/message-id/attachment/1/screenshot.png">screenshot.png</a></td></tr>
</table>`)
	assert.Nil(t, set)
}

func TestLatestPatchSet_SingleTarballAccepted(t *testing.T) {
	set := fetchPatchSet(t, `<table>
<tr><td><a href="/message-id/tar@example.com">tar@example.com</a></td></tr>
<tr><td><a href="/message-id/attachment/1/patches.tar.gz">patches.tar.gz</a></td></tr>
</table>`)
	require.NotNil(t, set)
	assert.Equal(t, "tar@example.com", set.MessageID)
}

func TestLatestPatchSet_MixKeepsPlainPatches(t *testing.T) {
	set := fetchPatchSet(t, `<table>
<tr><td><a href="/message-id/mix@example.com">mix@example.com</a></td></tr>
<tr><td>
  <a href="/message-id/attachment/1/patches.tar.gz">patches.tar.gz</a>
  <a href="/message-id/attachment/1/extra.patch">extra.patch</a>
</td></tr>
</table>`)
	require.NotNil(t, set)
	assert.Equal(t, "mix@example.com", set.MessageID)
	assert.Equal(t, []string{"https://www.postgresql.org/message-id/attachment/1/extra.patch"}, set.Attachments)
}

func TestLatestPatchSet_MultipleTarballsRejected(t *testing.T) {
	set := fetchPatchSet(t, `<table>
<tr><td><a href="/message-id/two@example.com">two@example.com</a></td></tr>
<tr><td>
  <a href="/message-id/attachment/1/part1.tar.gz">part1.tar.gz</a>
  <a href="/message-id/attachment/1/part2.tar.gz">part2.tar.gz</a>
</td></tr>
</table>`)
	assert.Nil(t, set)
}

func TestLatestPatchSet_NocfbotIgnored(t *testing.T) {
	set := fetchPatchSet(t, `<table>
<tr><td><a href="/message-id/skip@example.com">skip@example.com</a></td></tr>
<tr><td><a href="/message-id/attachment/1/nocfbot/huge.patch">huge.patch</a></td></tr>
</table>`)
	assert.Nil(t, set)
}

func TestLatestPatchSet_BenchmarkTarballExcluded(t *testing.T) {
	set := fetchPatchSet(t, `<table>
<tr><td><a href="/message-id/bench@example.com">bench@example.com</a></td></tr>
<tr><td>
  <a href="/message-id/attachment/1/subtrans-benchmark.tar.gz">subtrans-benchmark.tar.gz</a>
  <a href="/message-id/attachment/1/fix.patch">fix.patch</a>
</td></tr>
</table>`)
	require.NotNil(t, set)
	assert.Equal(t, []string{"https://www.postgresql.org/message-id/attachment/1/fix.patch"}, set.Attachments)
}

func TestLatestPatchSet_MissingThread(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()
	c := New(httpclient.New("cfbot-test", 5*time.Second, 0))
	set, err := c.LatestPatchSet(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Nil(t, set)
}
