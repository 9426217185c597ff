// Package commitfest talks to the Commitfest application: its JSON API for
// discovering submissions, and its callback endpoint for reporting branch and
// task status back.
package commitfest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/postgresql-cfbot/cfbot/go/httpclient"
)

// APITime accepts both RFC3339 and the app's space-separated timestamp
// rendering.
type APITime struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *APITime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return errors.Errorf("unrecognised timestamp %q", s)
}

// Commitfest is one review cycle.
type Commitfest struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Patch is one submission as listed by the app.
type Patch struct {
	ID            int64    `json:"id"`
	Name          string   `json:"name"`
	Status        string   `json:"status"`
	Authors       []string `json:"authors"`
	LastEmailTime APITime  `json:"last_email_time"`
}

// Thread is one mailing list thread attached to a submission.
type Thread struct {
	MessageID          string   `json:"messageid"`
	LatestAt           APITime  `json:"latest_at"`
	LatestAttachmentAt *APITime `json:"latest_attachment_at"`
}

// Client consumes the Commitfest JSON API.
type Client struct {
	http *httpclient.Client
	host string
}

// NewClient returns a Client for the app at host (no trailing slash).
func NewClient(http *httpclient.Client, host string) *Client {
	return &Client{http: http, host: strings.TrimRight(host, "/")}
}

// NeedsCI returns the commitfests whose submissions should be tested, i.e.
// the active set. Slots with no commitfest are omitted.
func (c *Client) NeedsCI(ctx context.Context) ([]Commitfest, error) {
	body, err := c.http.Fetch(ctx, c.host+"/api/v1/commitfests/needs_ci")
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}
	var data struct {
		Commitfests map[string]*Commitfest `json:"commitfests"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, errors.Wrap(err, "decoding needs_ci")
	}
	var cfs []Commitfest
	for _, cf := range data.Commitfests {
		if cf != nil {
			cfs = append(cfs, *cf)
		}
	}
	return cfs, nil
}

// Patches returns the submissions of one commitfest. A commitfest that does
// not exist yields an empty list.
func (c *Client) Patches(ctx context.Context, commitfestID int64) ([]Patch, error) {
	body, err := c.http.Fetch(ctx, fmt.Sprintf("%s/api/v1/commitfests/%d/patches", c.host, commitfestID))
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}
	var data struct {
		Patches []Patch `json:"patches"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, errors.Wrap(err, "decoding patches")
	}
	return data.Patches, nil
}

// Threads returns the mail threads registered for a submission.
func (c *Client) Threads(ctx context.Context, submissionID int64) ([]Thread, error) {
	body, err := c.http.Fetch(ctx, fmt.Sprintf("%s/api/v1/patches/%d/threads", c.host, submissionID))
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}
	var data struct {
		Threads []Thread `json:"threads"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, errors.Wrap(err, "decoding threads")
	}
	return data.Threads, nil
}

// ThreadURLForSubmission resolves a submission to the archive's flat-thread
// page of its best thread: among threads that carry at least one attachment,
// the one with the most recent email wins. Empty when the submission has no
// usable thread.
func (c *Client) ThreadURLForSubmission(ctx context.Context, submissionID int64) (string, error) {
	threads, err := c.Threads(ctx, submissionID)
	if err != nil {
		return "", err
	}
	best := ""
	var bestAt time.Time
	for _, thread := range threads {
		if thread.LatestAttachmentAt == nil || thread.MessageID == "" {
			continue
		}
		if best == "" || thread.LatestAt.After(bestAt) {
			best = thread.MessageID
			bestAt = thread.LatestAt.Time
		}
	}
	if best == "" {
		return "", nil
	}
	return "https://www.postgresql.org/message-id/flat/" + best, nil
}
