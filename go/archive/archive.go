// Package archive scrapes the mailing list archive's flat-thread pages to
// find the newest message that carries a patch set we know how to apply.
package archive

import (
	"bytes"
	"context"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/pkg/errors"

	"github.com/postgresql-cfbot/cfbot/go/httpclient"
)

const baseURL = "https://www.postgresql.org"

// patchPath matches individual patch attachments, optionally compressed.
var patchPath = regexp.MustCompile(`^/message-id/attachment/.*\.(diff|patch)(\.gz|\.bz2)?$`)

// tarballPath matches whole-series archive attachments.
var tarballPath = regexp.MustCompile(`^/message-id/attachment/.*\.(tar|tgz|tar\.gz|tar\.bz2|zip)$`)

// PatchSet is the newest applicable set of attachments on a thread.
type PatchSet struct {
	MessageID   string
	Attachments []string
}

// Client scrapes archive pages.
type Client struct {
	http *httpclient.Client
}

// New returns a Client.
func New(http *httpclient.Client) *Client {
	return &Client{http: http}
}

// patchSet collects one message's attachments split by kind.
type patchSet struct {
	messageID string
	patches   []string
	tarballs  []string
}

// LatestPatchSet walks a flat-thread page and returns the last message with
// at least one attachment we understand, with absolute attachment URLs in
// page order. When a message carries both individual patches and a tarball,
// only the patches are used; a lone tarball is accepted as a whole series,
// but more than one tarball disqualifies the message since we cannot order
// them. Nil when the thread has no usable patch set.
func (c *Client) LatestPatchSet(ctx context.Context, threadURL string) (*PatchSet, error) {
	body, err := c.http.Fetch(ctx, threadURL)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", threadURL)
	}

	var selected *patchSet
	current := &patchSet{}
	doc.Find(`a[href^="/message-id/"]`).Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if strings.Contains(href, "/nocfbot") {
			return
		}
		if strings.HasPrefix(href, "/message-id/attachment/") {
			switch {
			case strings.HasSuffix(href, "subtrans-benchmark.tar.gz"):
			case patchPath.MatchString(href):
				current.patches = append(current.patches, baseURL+href)
				selected = current
			case tarballPath.MatchString(href):
				current.tarballs = append(current.tarballs, baseURL+href)
				selected = current
			}
			return
		}
		// A message header link; the anchor text is the message ID.
		if goquery.NodeName(a.Parent()) == "td" {
			current = &patchSet{messageID: strings.TrimSpace(a.Text())}
		}
	})

	switch {
	case selected == nil:
		return nil, nil
	case len(selected.patches) > 0:
		return &PatchSet{MessageID: selected.messageID, Attachments: selected.patches}, nil
	case len(selected.tarballs) == 1:
		return &PatchSet{MessageID: selected.messageID, Attachments: selected.tarballs}, nil
	default:
		return nil, nil
	}
}

// LatestPatchMessageID returns just the message ID of the latest patch set,
// or "" when there is none.
func (c *Client) LatestPatchMessageID(ctx context.Context, threadURL string) (string, error) {
	set, err := c.LatestPatchSet(ctx, threadURL)
	if err != nil || set == nil {
		return "", err
	}
	return set.MessageID, nil
}
