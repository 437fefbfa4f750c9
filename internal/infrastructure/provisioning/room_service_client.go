package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"livegrid/internal/core/domain"
	"livegrid/internal/core/ports"
	"livegrid/pkg/tracing"

	"go.uber.org/zap"
)

const roomServicePath = "/twirp/livekit.RoomService/"

// TwirpError is a non-2xx reply from the room server.
type TwirpError struct {
	Status int
	Code   string `json:"code"`
	Msg    string `json:"msg"`
}

func (e *TwirpError) Error() string {
	return fmt.Sprintf("room service returned %d %s: %s", e.Status, e.Code, e.Msg)
}

// Temporary reports whether retrying the call may succeed.
func (e *TwirpError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// RoomServiceClient talks to a LiveKit-compatible room server over its Twirp
// JSON API.
type RoomServiceClient struct {
	baseURL string
	signer  *TokenSigner
	client  *http.Client
	logger  *zap.SugaredLogger
}

// NewRoomServiceClient creates a client for the room server at baseURL.
func NewRoomServiceClient(baseURL string, signer *TokenSigner, timeout time.Duration, logger *zap.SugaredLogger) *RoomServiceClient {
	return &RoomServiceClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  signer,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type twirpRoom struct {
	SID          string      `json:"sid"`
	Name         string      `json:"name"`
	CreationTime unixSeconds `json:"creation_time"`
	Metadata     string      `json:"metadata"`
}

type twirpParticipant struct {
	SID      string `json:"sid"`
	Identity string `json:"identity"`
	Name     string `json:"name"`
	Metadata string `json:"metadata"`
}

// CreateRoom asks the room server to create name with metadata attached.
func (c *RoomServiceClient) CreateRoom(ctx context.Context, name string, metadata map[string]any) (*ports.RoomDescriptor, error) {
	ctx, span := tracing.TraceProvisionerCall(ctx, "create_room", name)
	var err error
	defer func() { tracing.End(span, err) }()

	req := map[string]any{"name": name}
	if len(metadata) > 0 {
		raw, mErr := json.Marshal(metadata)
		if mErr != nil {
			err = fmt.Errorf("failed to encode room metadata: %w", mErr)
			return nil, err
		}
		req["metadata"] = string(raw)
	}

	var room twirpRoom
	if err = c.call(ctx, "CreateRoom", VideoGrant{RoomCreate: true}, req, &room); err != nil {
		return nil, err
	}
	return room.descriptor(), nil
}

func (c *RoomServiceClient) DeleteRoom(ctx context.Context, name string) error {
	ctx, span := tracing.TraceProvisionerCall(ctx, "delete_room", name)
	var err error
	defer func() { tracing.End(span, err) }()

	err = c.call(ctx, "DeleteRoom", VideoGrant{RoomCreate: true}, map[string]string{"room": name}, nil)
	return err
}

func (c *RoomServiceClient) ListMembers(ctx context.Context, name string) ([]ports.RoomMember, error) {
	ctx, span := tracing.TraceProvisionerCall(ctx, "list_members", name)
	var err error
	defer func() { tracing.End(span, err) }()

	var resp struct {
		Participants []twirpParticipant `json:"participants"`
	}
	grant := VideoGrant{RoomAdmin: true, Room: name}
	if err = c.call(ctx, "ListParticipants", grant, map[string]string{"room": name}, &resp); err != nil {
		return nil, err
	}

	members := make([]ports.RoomMember, 0, len(resp.Participants))
	for _, p := range resp.Participants {
		members = append(members, ports.RoomMember{
			Identity: p.Identity,
			Name:     p.Name,
			Metadata: decodeMetadata(p.Metadata),
		})
	}
	return members, nil
}

// IssueAccessToken signs locally; the room server is not contacted.
func (c *RoomServiceClient) IssueAccessToken(_ context.Context, name, identity string, metadata map[string]any) (string, error) {
	return c.signer.AccessToken(name, identity, "", metadata)
}

func (c *RoomServiceClient) call(ctx context.Context, method string, grant VideoGrant, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	token, err := c.signer.AdminToken(grant)
	if err != nil {
		return fmt.Errorf("failed to sign %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+roomServicePath+method, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	c.logger.Debugw("room service call",
		"method", method,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s: failed to read response: %w", method, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		twErr := &TwirpError{Status: resp.StatusCode}
		if json.Unmarshal(payload, twErr) != nil || twErr.Code == "" {
			twErr.Msg = strings.TrimSpace(string(payload))
		}
		if twErr.Code == "not_found" || resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%s: %w", method, errors.Join(domain.ErrRoomNotFound, twErr))
		}
		return twErr
	}

	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", method, err)
	}
	return nil
}

func (r twirpRoom) descriptor() *ports.RoomDescriptor {
	return &ports.RoomDescriptor{
		SID:       r.SID,
		Name:      r.Name,
		CreatedAt: time.Unix(int64(r.CreationTime), 0).UTC(),
		Metadata:  decodeMetadata(r.Metadata),
	}
}

// decodeMetadata reads the room server's string metadata; anything that is
// not a JSON object is kept under "raw".
func decodeMetadata(s string) map[string]any {
	if s == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return map[string]any{"raw": s}
	}
	return m
}

// unixSeconds accepts int64 timestamps encoded as JSON numbers or, as
// protobuf JSON does, as strings.
type unixSeconds int64

func (u *unixSeconds) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*u = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid unix timestamp %q: %w", s, err)
	}
	*u = unixSeconds(v)
	return nil
}
