// Package livekit provides utilities for LiveKit integration.
package livekit

import (
	"context"
	"errors"
	"fmt"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
)

// ErrRoomServiceNotConfigured is returned when room service operations are attempted without proper configuration.
var ErrRoomServiceNotConfigured = errors.New("livekit room service not configured")

// RoomService removes participants from LiveKit rooms when their presence is revoked.
type RoomService struct {
	roomClient *lksdk.RoomServiceClient
}

// NewRoomService creates a new RoomService with the given configuration.
// Returns nil if apiKey, apiSecret, or url is empty (room control will not be available).
func NewRoomService(url, apiKey, apiSecret string) *RoomService {
	if url == "" || apiKey == "" || apiSecret == "" {
		return nil
	}
	return &RoomService{
		roomClient: lksdk.NewRoomServiceClient(url, apiKey, apiSecret),
	}
}

// RemoveParticipant removes (kicks) a participant from a room.
func (s *RoomService) RemoveParticipant(ctx context.Context, roomName, participantIdentity string) error {
	if s == nil || s.roomClient == nil {
		return ErrRoomServiceNotConfigured
	}

	req := &livekit.RoomParticipantIdentity{
		Room:     roomName,
		Identity: participantIdentity,
	}

	if _, err := s.roomClient.RemoveParticipant(ctx, req); err != nil {
		return fmt.Errorf("failed to remove participant: %w", err)
	}
	return nil
}
