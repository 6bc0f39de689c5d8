package twitchapi

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/nicklaw5/helix/v2"
)

// Follower is one row of the channel's follower list, newest first.
type Follower struct {
	UserID     string
	UserName   string
	FollowedAt time.Time
}

// Followers pages through the whole follower list.
func (c *Client) Followers(ctx context.Context) ([]Follower, error) {
	if c.cfg.BroadcasterID == "" {
		return nil, errors.New("twitchapi: broadcaster id not configured")
	}
	var out []Follower
	cursor := ""
	for {
		page, err := c.channelFollows(ctx, "Followers", &helix.GetChannelFollowsParams{
			BroadcasterID: c.cfg.BroadcasterID,
			First:         100,
			After:         cursor,
		})
		if err != nil {
			return out, err
		}
		if out == nil {
			out = make([]Follower, 0, page.Total)
		}
		for _, f := range page.Channels {
			out = append(out, Follower{UserID: f.UserID, UserName: f.Username, FollowedAt: f.Followed.UTC()})
		}
		cursor = page.Pagination.Cursor
		if cursor == "" || len(page.Channels) == 0 {
			return out, nil
		}
	}
}

// ExportFollowersCSV writes the follower list under dir/<year>/ as
// "[yy-mm-dd] Followers.csv", adding " (n)" when a file already exists.
func (c *Client) ExportFollowersCSV(ctx context.Context, dir string, now time.Time) (string, error) {
	followers, err := c.Followers(ctx)
	if err != nil {
		return "", err
	}
	path, err := exportPath(dir, now)
	if err != nil {
		return "", err
	}
	if err := writeFollowersCSV(path, followers); err != nil {
		return "", err
	}
	log.Printf("twitchapi: exported %d followers to %s", len(followers), path)
	return path, nil
}

func exportPath(dir string, now time.Time) (string, error) {
	folder := filepath.Join(dir, now.Format("2006"))
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	date := now.Format("06-01-02")
	path := filepath.Join(folder, "["+date+"] Followers.csv")
	for n := 1; ; n++ {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path, nil
		}
		path = filepath.Join(folder, fmt.Sprintf("[%s] (%d) Followers.csv", date, n))
	}
}

func writeFollowersCSV(path string, followers []Follower) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	_ = w.Write([]string{"#", "User ID", "Username", "Followed At"})
	total := len(followers)
	for i, fl := range followers {
		_ = w.Write([]string{
			strconv.Itoa(total - i),
			fl.UserID,
			fl.UserName,
			fl.FollowedAt.Format("02/01/06"),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("write csv: %w", err)
	}
	return f.Close()
}
