package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"quizrealtime/auth"
	"quizrealtime/models"
)

// RoomAPI is the external room-resource API. Only the request/response
// contract matters here; room storage and validation live server-side.
type RoomAPI interface {
	CreateRoom(ctx context.Context, cfg models.RoomConfig) (*models.Room, error)
	JoinRoomByCode(ctx context.Context, code string) (*models.Room, error)
	LeaveRoom(ctx context.Context, code string) error
	ListRooms(ctx context.Context) ([]models.Room, error)
	GetRoomPlayers(ctx context.Context, code string) ([]models.Player, error)
}

// ResultsAPI receives final standings when a game session finishes.
type ResultsAPI interface {
	PostResult(ctx context.Context, result models.GameResult) error
}

// Client implements RoomAPI and ResultsAPI over REST, attaching the
// credential as a bearer token.
type Client struct {
	baseURL string
	http    *http.Client
	creds   auth.TokenProvider
}

func NewClient(baseURL string, creds auth.TokenProvider) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		creds:   creds,
	}
}

func (c *Client) CreateRoom(ctx context.Context, cfg models.RoomConfig) (*models.Room, error) {
	var room models.Room
	if err := c.do(ctx, http.MethodPost, "/api/rooms", cfg, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (c *Client) JoinRoomByCode(ctx context.Context, code string) (*models.Room, error) {
	var room models.Room
	if err := c.do(ctx, http.MethodPost, "/api/rooms/"+code+"/join", nil, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (c *Client) LeaveRoom(ctx context.Context, code string) error {
	return c.do(ctx, http.MethodPost, "/api/rooms/"+code+"/leave", nil, nil)
}

func (c *Client) ListRooms(ctx context.Context) ([]models.Room, error) {
	var rooms []models.Room
	if err := c.do(ctx, http.MethodGet, "/api/rooms", nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

func (c *Client) GetRoomPlayers(ctx context.Context, code string) ([]models.Player, error) {
	var players []models.Player
	if err := c.do(ctx, http.MethodGet, "/api/rooms/"+code+"/players", nil, &players); err != nil {
		return nil, err
	}
	return players, nil
}

func (c *Client) PostResult(ctx context.Context, result models.GameResult) error {
	return c.do(ctx, http.MethodPost, "/api/results", result, nil)
}

type apiError struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("api: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := c.creds.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("api: %s %s: %s (status %d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("api: %s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("api: decode response: %w", err)
		}
	}
	return nil
}
