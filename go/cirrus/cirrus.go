// Package cirrus talks to the Cirrus CI GraphQL API and defines the shapes of
// its webhook payloads. Identifiers are opaque strings to us, though Cirrus
// sends them numerically in webhooks.
package cirrus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/postgresql-cfbot/cfbot/go/httpclient"
)

// DefaultAPIURL is the production GraphQL endpoint.
const DefaultAPIURL = "https://api.cirrus-ci.com/graphql"

// Build and task statuses as reported by Cirrus. DELETED is ours: a synthetic
// terminal status for builds Cirrus denies knowledge of.
const (
	StatusCreated   = "CREATED"
	StatusTriggered = "TRIGGERED"
	StatusScheduled = "SCHEDULED"
	StatusExecuting = "EXECUTING"
	StatusPaused    = "PAUSED"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusAborted   = "ABORTED"
	StatusErrored   = "ERRORED"
	StatusDeleted   = "DELETED"
)

// IsFinal reports whether a build/task status is terminal.
func IsFinal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusAborted, StatusErrored, StatusDeleted:
		return true
	}
	return false
}

// IsPreExecution reports whether a status precedes EXECUTING. Webhooks for
// these transitions are dropped often enough that the ingestion protocol has
// a special case for them.
func IsPreExecution(status string) bool {
	switch status {
	case StatusCreated, StatusTriggered, StatusScheduled:
		return true
	}
	return false
}

// ShouldPostTaskStatus reports whether the commitfest app is told about a
// task reaching this status. CREATED and PAUSED are noise to reviewers.
func ShouldPostTaskStatus(status string) bool {
	switch status {
	case StatusCreated, StatusPaused:
		return false
	}
	return true
}

// ID is an entity identifier. Cirrus sends them as JSON numbers in webhooks
// and as strings in GraphQL responses; we accept both.
type ID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 1 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// WebhookBuild is the build snapshot carried by a webhook event.
type WebhookBuild struct {
	ID       ID     `json:"id"`
	Status   string `json:"status"`
	Branch   string `json:"branch"`
	CommitID string `json:"changeIdInRepo"`
}

// WebhookTask is the task snapshot carried by a task webhook event.
type WebhookTask struct {
	ID           ID     `json:"id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	LocalGroupID int64  `json:"localGroupId"`
	// StatusTimestamp is the Cirrus-side event time in milliseconds since
	// the epoch.
	StatusTimestamp int64 `json:"statusTimestamp"`
}

// WebhookEvent is the body of a webhook POST. The event type (build or task)
// arrives separately in the X-Cirrus-Event header.
type WebhookEvent struct {
	Action    string        `json:"action"`
	OldStatus string        `json:"old_status"`
	Build     *WebhookBuild `json:"build"`
	Task      *WebhookTask  `json:"task"`
}

// ArtifactFile is one file of a named artifact group.
type ArtifactFile struct {
	Name string
	Path string
	Size int64
}

// Command is one step of a task.
type Command struct {
	Name            string  `json:"name"`
	Type            string  `json:"type"`
	Status          string  `json:"status"`
	DurationSeconds float64 `json:"durationInSeconds"`
}

// Task is a task snapshot from the pull API.
type Task struct {
	ID           ID     `json:"id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	LocalGroupID int64  `json:"localGroupId"`
}

// Build is a build snapshot from the pull API.
type Build struct {
	ID       ID     `json:"id"`
	Status   string `json:"status"`
	Branch   string `json:"branch"`
	CommitID string `json:"changeIdInRepo"`
	Tasks    []Task `json:"tasks"`
}

// Client queries the Cirrus API.
type Client struct {
	http   *httpclient.Client
	apiURL string
}

// NewClient returns a Client using the given HTTP client. apiURL is usually
// DefaultAPIURL; tests point it at a local server.
func NewClient(http *httpclient.Client, apiURL string) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return &Client{http: http, apiURL: apiURL}
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) query(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error {
	body, err := c.http.PostJSON(ctx, c.apiURL, graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return err
	}
	var envelope graphQLResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return errors.Wrap(err, "decoding graphql response")
	}
	if len(envelope.Errors) > 0 {
		return errors.Errorf("graphql error: %s", envelope.Errors[0].Message)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return errors.Wrap(err, "decoding graphql data")
	}
	return nil
}

// TaskArtifacts returns the artifact files of a task, flattened across the
// named artifact groups.
func (c *Client) TaskArtifacts(ctx context.Context, taskID string) ([]ArtifactFile, error) {
	const query = `query TaskById($id: ID!) { task(id: $id) { id, name, artifacts { name, files { path, size } } } }`
	var data struct {
		Task *struct {
			Artifacts []struct {
				Name  string `json:"name"`
				Files []struct {
					Path string `json:"path"`
					Size int64  `json:"size"`
				} `json:"files"`
			} `json:"artifacts"`
		} `json:"task"`
	}
	if err := c.query(ctx, query, map[string]interface{}{"id": taskID}, &data); err != nil {
		return nil, err
	}
	if data.Task == nil {
		return nil, nil
	}
	var files []ArtifactFile
	for _, group := range data.Task.Artifacts {
		for _, f := range group.Files {
			files = append(files, ArtifactFile{Name: group.Name, Path: f.Path, Size: f.Size})
		}
	}
	return files, nil
}

// TaskCommands returns the commands (steps) of a task.
func (c *Client) TaskCommands(ctx context.Context, taskID string) ([]Command, error) {
	const query = `query TaskById($id: ID!) { task(id: $id) { commands { name, type, status, durationInSeconds } } }`
	var data struct {
		Task *struct {
			Commands []Command `json:"commands"`
		} `json:"task"`
	}
	if err := c.query(ctx, query, map[string]interface{}{"id": taskID}, &data); err != nil {
		return nil, err
	}
	if data.Task == nil {
		return nil, nil
	}
	return data.Task.Commands, nil
}

// SearchBuilds returns the builds Cirrus knows for a commit, newest first.
func (c *Client) SearchBuilds(ctx context.Context, owner, repo, sha string) ([]Build, error) {
	const query = `query buildBySha($owner: String!, $repo: String!, $sha: String!) {
	  searchBuilds(repositoryOwner: $owner, repositoryName: $repo, SHA: $sha) { id, status, branch, changeIdInRepo }
	}`
	var data struct {
		SearchBuilds []Build `json:"searchBuilds"`
	}
	if err := c.query(ctx, query, map[string]interface{}{"owner": owner, "repo": repo, "sha": sha}, &data); err != nil {
		return nil, err
	}
	return data.SearchBuilds, nil
}

// GetBuild returns one build with its tasks, or nil when Cirrus does not know
// the id.
func (c *Client) GetBuild(ctx context.Context, buildID string) (*Build, error) {
	const query = `query buildById($id: ID!) {
	  build(id: $id) { id, status, branch, changeIdInRepo, tasks { id, name, status, localGroupId } }
	}`
	var data struct {
		Build *Build `json:"build"`
	}
	if err := c.query(ctx, query, map[string]interface{}{"id": buildID}, &data); err != nil {
		return nil, err
	}
	return data.Build, nil
}

// TaskLogURL is where the log body of a command can be downloaded.
func TaskLogURL(taskID, commandName string) string {
	return fmt.Sprintf("https://api.cirrus-ci.com/v1/task/%s/logs/%s.log", taskID, commandName)
}

// ArtifactBodyURL is where an artifact file body can be downloaded.
func ArtifactBodyURL(taskID, name, path string) string {
	return fmt.Sprintf("https://api.cirrus-ci.com/v1/artifact/task/%s/%s/%s", taskID, name, path)
}
