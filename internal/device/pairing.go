// Package device implements device identity: one-shot pairing code
// redemption and bearer-token authentication.
package device

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/healthstack/fieldsync/internal/store"
)

// PairingStore is the slice of the entity store the pairing service uses.
type PairingStore interface {
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CreateDevice(ctx context.Context, uuid, name, pairingCode string) (*store.Device, error)
	ListDevices(ctx context.Context) ([]store.Device, error)
	SetPairingCode(ctx context.Context, deviceID int64, code string) error
	DeviceByTokenHash(ctx context.Context, tokenHash string) (*store.Device, error)
}

// Service manages device pairing and credentials.
type Service struct {
	store PairingStore
}

// NewService creates a pairing service over the given store.
func NewService(s PairingStore) *Service {
	return &Service{store: s}
}

// Credential is the result of a successful pairing-code redemption.
type Credential struct {
	Token    string
	DeviceID int64
}

// Redeem exchanges a one-shot pairing code for a fresh access token.
//
// The redemption is a single transaction: the code is consumed, every
// previously issued token for the device is revoked, and exactly one new
// token is issued. A leaked historical code or token therefore grants
// nothing after re-pairing. All failures return store.ErrPairingCode
// uniformly so callers cannot probe whether a code ever existed.
func (s *Service) Redeem(ctx context.Context, code string) (*Credential, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, store.ErrPairingCode
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	deviceID, err := store.ClearPairingCodeTx(ctx, tx, code)
	if err != nil {
		if errors.Is(err, store.ErrPairingCode) {
			return nil, store.ErrPairingCode
		}
		return nil, err
	}

	if err := store.RevokeTokensTx(ctx, tx, deviceID); err != nil {
		return nil, err
	}

	token := newToken()
	if err := store.InsertTokenTx(ctx, tx, deviceID, HashToken(token)); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	slog.Info("pairing code redeemed",
		"component", "device",
		"action", "pairing_redeemed",
		"device_id", deviceID,
	)
	return &Credential{Token: token, DeviceID: deviceID}, nil
}

// Authenticate resolves a raw bearer token to its device.
func (s *Service) Authenticate(ctx context.Context, rawToken string) (*store.Device, error) {
	if rawToken == "" {
		return nil, store.ErrNotFound
	}
	return s.store.DeviceByTokenHash(ctx, HashToken(rawToken))
}

// Register creates a new device with a fresh pairing code. The code is
// returned exactly once; only its consumption is observable afterwards.
func (s *Service) Register(ctx context.Context, name string) (*store.Device, error) {
	return s.store.CreateDevice(ctx, uuid.NewString(), name, NewPairingCode())
}

// Reissue puts an existing device back into the pairable state with a new
// one-shot code.
func (s *Service) Reissue(ctx context.Context, deviceID int64) (string, error) {
	code := NewPairingCode()
	if err := s.store.SetPairingCode(ctx, deviceID, code); err != nil {
		return "", err
	}
	return code, nil
}

// NewPairingCode returns a short human-readable one-shot code.
func NewPairingCode() string {
	// The ULID tail carries 80 bits of entropy; 12 Crockford base32
	// characters keep the code typeable on a phone.
	id := ulid.Make().String()
	return id[len(id)-12:]
}

// newToken returns a long-lived bearer token.
func newToken() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("read token entropy: %v", err))
	}
	return ulid.Make().String() + "." + hex.EncodeToString(buf)
}

// HashToken returns the digest stored at rest; raw tokens never touch the
// database.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
