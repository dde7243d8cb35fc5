package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/MrWong99/livecore/internal/transcript"
	"github.com/MrWong99/livecore/internal/transcript/postgres"
)

// errNoArchive is returned when a history query runs without a configured
// transcript database.
var errNoArchive = errors.New("transcript.postgres_dsn is not set")

// archive is the read side of the transcript store.
type archive interface {
	List(ctx context.Context, sessionID string) ([]transcript.Entry, error)
	Search(ctx context.Context, query string, since time.Time, limit int) ([]postgres.SessionEntry, error)
}

// historyQuery selects what [printHistory] prints. Exactly one of SessionID
// and Search is set.
type historyQuery struct {
	SessionID string
	Search    string
	Since     time.Duration
	Limit     int
}

func (q historyQuery) empty() bool {
	return q.SessionID == "" && q.Search == ""
}

// printHistory prints a stored session transcript, or the entries of all
// sessions matching a full-text search, and reports how many were found.
func printHistory(ctx context.Context, w io.Writer, a archive, q historyQuery, now time.Time) (int, error) {
	if q.SessionID != "" && q.Search != "" {
		return 0, errors.New("-history and -search are mutually exclusive")
	}
	out := newStatusPrinter(w)

	if q.SessionID != "" {
		entries, err := a.List(ctx, q.SessionID)
		if err != nil {
			return 0, fmt.Errorf("list session %q: %w", q.SessionID, err)
		}
		for _, e := range entries {
			out.entry(e)
		}
		return len(entries), nil
	}

	var since time.Time
	if q.Since > 0 {
		since = now.Add(-q.Since)
	}
	found, err := a.Search(ctx, q.Search, since, q.Limit)
	if err != nil {
		return 0, fmt.Errorf("search %q: %w", q.Search, err)
	}
	for _, se := range found {
		fmt.Fprintf(w, "%s #%d %s  ", se.SessionID, se.Sequence, se.Timestamp.Local().Format(time.DateTime))
		out.entry(se.Entry)
	}
	return len(found), nil
}

// runHistory opens the transcript database named in the config and answers q.
func runHistory(ctx context.Context, w io.Writer, dsn string, q historyQuery) error {
	if dsn == "" {
		return errNoArchive
	}
	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := printHistory(ctx, w, store, q, time.Now())
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Fprintln(w, "no entries found")
	}
	return nil
}
