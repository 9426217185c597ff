package commitfest

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"

	"github.com/postgresql-cfbot/cfbot/go/dbutil"
)

// ThreadScanner finds the newest message carrying a recognisable patch set in
// an archive thread. An empty message ID means the thread has none.
type ThreadScanner interface {
	LatestPatchMessageID(ctx context.Context, threadURL string) (string, error)
}

// Syncer mirrors the Commitfest app's view of submissions into the local
// submission table.
type Syncer struct {
	db      *pgxpool.Pool
	api     *Client
	threads ThreadScanner
}

// NewSyncer returns a Syncer.
func NewSyncer(db *pgxpool.Pool, api *Client, threads ThreadScanner) *Syncer {
	return &Syncer{db: db, api: api, threads: threads}
}

// ActiveCommitfestIDs returns the ids of the commitfests whose submissions
// should currently be tested.
func (s *Syncer) ActiveCommitfestIDs(ctx context.Context) ([]int64, error) {
	cfs, err := s.api.NeedsCI(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(cfs))
	for _, cf := range cfs {
		ids = append(ids, cf.ID)
	}
	return ids, nil
}

// PullSubmissions makes sure there is an up-to-date submission row for every
// patch in the given commitfest. Rows are committed one at a time so a crash
// mid-way loses no progress. A change to any mirrored column clears the
// bitrot backoff; sending any email to a thread therefore resets it, which is
// a little more generous than re-testing only on new patch versions.
func (s *Syncer) PullSubmissions(ctx context.Context, commitfestID int64) error {
	patches, err := s.api.Patches(ctx, commitfestID)
	if err != nil {
		return err
	}
	for _, patch := range patches {
		authors := strings.Join(patch.Authors, ", ")
		err := s.db.BeginFunc(ctx, func(tx pgx.Tx) error {
			// Read first so an unchanged submission writes nothing.
			var unchanged bool
			err := tx.QueryRow(ctx, `
				SELECT true
				  FROM submission
				 WHERE commitfest_id = $1
				   AND submission_id = $2
				   AND name = $3
				   AND status = $4
				   AND authors IS NOT DISTINCT FROM $5
				   AND last_email_time = $6`,
				commitfestID, patch.ID, patch.Name, patch.Status, authors, patch.LastEmailTime.Time).Scan(&unchanged)
			if err == nil {
				return nil
			}
			if err != pgx.ErrNoRows {
				return dbutil.WrappedError(err)
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO submission (commitfest_id, submission_id, name, status, authors, last_email_time)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (commitfest_id, submission_id) DO UPDATE
				   SET name = EXCLUDED.name,
				       status = EXCLUDED.status,
				       authors = EXCLUDED.authors,
				       last_email_time = EXCLUDED.last_email_time,
				       backoff_until = NULL,
				       last_backoff = NULL`,
				commitfestID, patch.ID, patch.Name, patch.Status, authors, patch.LastEmailTime.Time)
			return dbutil.WrappedError(err)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

type modifiedThread struct {
	commitfestID  int64
	submissionID  int64
	lastEmailTime time.Time
}

// PullModifiedThreads revisits every submission we have never checked, or
// whose last_email_time has moved since we last checked, and records the
// newest message ID that carries patches we understand. Threads that changed
// in the last minute are left for the next tick: the archive's flat page is
// eventually consistent and may not show the new message yet.
func (s *Syncer) PullModifiedThreads(ctx context.Context) error {
	rows, err := s.db.Query(ctx, `
		SELECT commitfest_id, submission_id, last_email_time
		  FROM submission
		 WHERE last_email_time_checked IS NULL
		    OR (last_email_time_checked != last_email_time AND
		        last_email_time < now() - interval '1 minute')`)
	if err != nil {
		return dbutil.WrappedError(err)
	}
	var pending []modifiedThread
	for rows.Next() {
		var m modifiedThread
		if err := rows.Scan(&m.commitfestID, &m.submissionID, &m.lastEmailTime); err != nil {
			rows.Close()
			return dbutil.WrappedError(err)
		}
		pending = append(pending, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return dbutil.WrappedError(err)
	}

	for _, m := range pending {
		zap.S().Infof("checking commitfest %d submission %d", m.commitfestID, m.submissionID)
		var messageID *string
		url, err := s.api.ThreadURLForSubmission(ctx, m.submissionID)
		if err != nil {
			return err
		}
		if url != "" {
			id, err := s.threads.LatestPatchMessageID(ctx, url)
			if err != nil {
				return err
			}
			if id != "" {
				messageID = &id
			}
		}
		_, err = s.db.Exec(ctx, `
			UPDATE submission
			   SET last_email_time_checked = $1,
			       last_message_id = $2
			 WHERE commitfest_id = $3
			   AND submission_id = $4`,
			m.lastEmailTime, messageID, m.commitfestID, m.submissionID)
		if err != nil {
			return dbutil.WrappedError(err)
		}
	}
	return nil
}
