package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nicklaw5/helix/v2"
)

// maxMarkerDescription is the Helix limit for stream marker descriptions.
const maxMarkerDescription = 140

type ChannelInfo struct {
	Title  string
	Game   string
	GameID string
}

type StreamInfo struct {
	Live    bool
	Viewers int
	Title   string
	Game    string
}

var ErrNotFound = errors.New("twitchapi: not found")

func helixStatus(op string, resp helix.ResponseCommon, ok ...int) error {
	for _, code := range ok {
		if resp.StatusCode == code {
			return nil
		}
	}
	return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(resp.Error + " " + resp.ErrorMessage)}
}

func (c *Client) ChannelInfo(ctx context.Context) (ChannelInfo, error) {
	resp, err := c.client().GetChannelInformation(&helix.GetChannelInformationParams{
		BroadcasterIDs: []string{c.cfg.BroadcasterID},
	})
	if err != nil {
		return ChannelInfo{}, fmt.Errorf("helix: GetChannelInformation: %w", err)
	}
	if err := helixStatus("GetChannelInformation", resp.ResponseCommon, http.StatusOK); err != nil {
		return ChannelInfo{}, err
	}
	if len(resp.Data.Channels) == 0 {
		return ChannelInfo{}, ErrNotFound
	}
	ch := resp.Data.Channels[0]
	return ChannelInfo{Title: ch.Title, Game: ch.GameName, GameID: ch.GameID}, nil
}

// SetTitle needs channel:manage:broadcast on the token.
func (c *Client) SetTitle(ctx context.Context, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("twitchapi: empty title")
	}
	resp, err := c.client().EditChannelInformation(&helix.EditChannelInformationParams{
		BroadcasterID: c.cfg.BroadcasterID,
		Title:         title,
	})
	if err != nil {
		return fmt.Errorf("helix: EditChannelInformation: %w", err)
	}
	return helixStatus("EditChannelInformation", resp.ResponseCommon, http.StatusNoContent, http.StatusOK)
}

// SetGame switches the category by name and returns the canonical name.
func (c *Client) SetGame(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("twitchapi: empty game name")
	}
	client := c.client()
	games, err := client.GetGames(&helix.GamesParams{Names: []string{name}})
	if err != nil {
		return "", fmt.Errorf("helix: GetGames: %w", err)
	}
	if err := helixStatus("GetGames", games.ResponseCommon, http.StatusOK); err != nil {
		return "", err
	}
	if len(games.Data.Games) == 0 {
		return "", fmt.Errorf("game %q: %w", name, ErrNotFound)
	}
	game := games.Data.Games[0]

	resp, err := client.EditChannelInformation(&helix.EditChannelInformationParams{
		BroadcasterID: c.cfg.BroadcasterID,
		GameID:        game.ID,
	})
	if err != nil {
		return "", fmt.Errorf("helix: EditChannelInformation (category): %w", err)
	}
	if err := helixStatus("EditChannelInformation", resp.ResponseCommon, http.StatusNoContent, http.StatusOK); err != nil {
		return "", err
	}
	return game.Name, nil
}

// CreateMarker drops a stream marker. Twitch rejects markers while offline.
func (c *Client) CreateMarker(ctx context.Context, description string) error {
	description = strings.TrimSpace(description)
	if r := []rune(description); len(r) > maxMarkerDescription {
		description = string(r[:maxMarkerDescription])
	}
	resp, err := c.client().CreateStreamMarker(&helix.CreateStreamMarkerParams{
		UserID:      c.cfg.BroadcasterID,
		Description: description,
	})
	if err != nil {
		return fmt.Errorf("helix: CreateStreamMarker: %w", err)
	}
	return helixStatus("CreateStreamMarker", resp.ResponseCommon, http.StatusOK)
}

// CreateClip starts a clip and returns its edit URL.
func (c *Client) CreateClip(ctx context.Context) (string, error) {
	resp, err := c.client().CreateClip(&helix.CreateClipParams{BroadcasterID: c.cfg.BroadcasterID})
	if err != nil {
		return "", fmt.Errorf("helix: CreateClip: %w", err)
	}
	if err := helixStatus("CreateClip", resp.ResponseCommon, http.StatusAccepted, http.StatusOK); err != nil {
		return "", err
	}
	if len(resp.Data.ClipEditURLs) == 0 {
		return "", ErrNotFound
	}
	clip := resp.Data.ClipEditURLs[0]
	if clip.EditURL != "" {
		return clip.EditURL, nil
	}
	return "https://clips.twitch.tv/" + clip.ID, nil
}

// Stream reports whether the broadcaster is live and the viewer count.
func (c *Client) Stream(ctx context.Context) (StreamInfo, error) {
	resp, err := c.client().GetStreams(&helix.StreamsParams{UserIDs: []string{c.cfg.BroadcasterID}})
	if err != nil {
		return StreamInfo{}, fmt.Errorf("helix: GetStreams: %w", err)
	}
	if err := helixStatus("GetStreams", resp.ResponseCommon, http.StatusOK); err != nil {
		return StreamInfo{}, err
	}
	if len(resp.Data.Streams) == 0 {
		return StreamInfo{}, nil
	}
	s := resp.Data.Streams[0]
	return StreamInfo{Live: true, Viewers: s.ViewerCount, Title: s.Title, Game: s.GameName}, nil
}
