package cirrus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postgresql-cfbot/cfbot/go/httpclient"
)

func TestIDUnmarshal_AcceptsNumbersAndStrings(t *testing.T) {
	var e WebhookEvent
	require.NoError(t, json.Unmarshal([]byte(`{"action":"updated","build":{"id":6103089483020288,"status":"EXECUTING"}}`), &e))
	assert.Equal(t, ID("6103089483020288"), e.Build.ID)

	var b Build
	require.NoError(t, json.Unmarshal([]byte(`{"id":"6103089483020288","status":"COMPLETED"}`), &b))
	assert.Equal(t, ID("6103089483020288"), b.ID)
}

func TestIsFinal(t *testing.T) {
	for _, s := range []string{StatusCompleted, StatusFailed, StatusAborted, StatusErrored, StatusDeleted} {
		assert.True(t, IsFinal(s), s)
	}
	for _, s := range []string{StatusCreated, StatusTriggered, StatusScheduled, StatusExecuting, StatusPaused} {
		assert.False(t, IsFinal(s), s)
	}
}

func TestShouldPostTaskStatus(t *testing.T) {
	assert.False(t, ShouldPostTaskStatus(StatusCreated))
	assert.False(t, ShouldPostTaskStatus(StatusPaused))
	assert.True(t, ShouldPostTaskStatus(StatusExecuting))
	assert.True(t, ShouldPostTaskStatus(StatusCompleted))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(httpclient.New("cfbot-test", 5*time.Second, 0), server.URL)
}

func TestTaskArtifacts_FlattensGroups(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req graphQLRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "42", req.Variables["id"])
		_, _ = w.Write([]byte(`{"data":{"task":{"artifacts":[
			{"name":"crashlog","files":[{"path":"crashlog-1.txt","size":100}]},
			{"name":"testrun","files":[{"path":"build/a.log","size":1},{"path":"build/b.log","size":2}]}
		]}}}`))
	})
	files, err := c.TaskArtifacts(context.Background(), "42")
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, ArtifactFile{Name: "crashlog", Path: "crashlog-1.txt", Size: 100}, files[0])
	assert.Equal(t, ArtifactFile{Name: "testrun", Path: "build/b.log", Size: 2}, files[2])
}

func TestGetBuild_UnknownBuildReturnsNil(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"build":null}}`))
	})
	build, err := c.GetBuild(context.Background(), "99")
	require.NoError(t, err)
	assert.Nil(t, build)
}

func TestGetBuild_ParsesTasks(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"build":{"id":"7","status":"EXECUTING","branch":"cf/4000","changeIdInRepo":"abc123",
			"tasks":[{"id":"70","name":"linux","status":"COMPLETED","localGroupId":0}]}}}`))
	})
	build, err := c.GetBuild(context.Background(), "7")
	require.NoError(t, err)
	require.NotNil(t, build)
	assert.Equal(t, "cf/4000", build.Branch)
	require.Len(t, build.Tasks, 1)
	assert.Equal(t, ID("70"), build.Tasks[0].ID)
}

func TestQuery_GraphQLErrorSurfaces(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errors":[{"message":"rate limited"}]}`))
	})
	_, err := c.SearchBuilds(context.Background(), "o", "r", "sha")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestURLHelpers(t *testing.T) {
	assert.Equal(t, "https://api.cirrus-ci.com/v1/task/42/logs/configure.log", TaskLogURL("42", "configure"))
	assert.Equal(t, "https://api.cirrus-ci.com/v1/artifact/task/42/testrun/build/meson-logs/testlog.txt",
		ArtifactBodyURL("42", "testrun", "build/meson-logs/testlog.txt"))
}
