package job

import (
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"
)

// TokenOptions describe the identity an access token is minted for.
type TokenOptions struct {
	APIKey    string
	APISecret string
	RoomName  string
	Identity  string
	Name      string
	ValidFor  time.Duration
}

// MintToken creates a room-join token for a worker connecting without a
// dispatcher-provided token.
func MintToken(opts TokenOptions) (string, error) {
	if opts.APIKey == "" || opts.APISecret == "" {
		return "", fmt.Errorf("LIVEKIT_API_KEY and LIVEKIT_API_SECRET are required to mint a token")
	}
	if opts.RoomName == "" {
		return "", fmt.Errorf("room name is required")
	}
	if opts.Identity == "" {
		return "", fmt.Errorf("identity is required")
	}
	validFor := opts.ValidFor
	if validFor <= 0 {
		validFor = time.Hour
	}

	at := auth.NewAccessToken(opts.APIKey, opts.APISecret)
	grant := &auth.VideoGrant{
		RoomJoin: true,
		Room:     opts.RoomName,
	}
	at.AddGrant(grant).
		SetIdentity(opts.Identity).
		SetName(opts.Name).
		SetValidFor(validFor)

	token, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}
