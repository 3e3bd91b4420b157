// Package settlement bills metered group-room sessions.
//
// Flow:
//  1. Fan joins a room → a spend hold reserves the worst-case charge
//  2. Usage accrues in wall-clock time while the participant is joined
//  3. Any termination trigger (leave, kick, room end, heartbeat timeout)
//     settles the hold: ceil-minute charge capped to the hold, ledger pair
//     written, participant and room bookkeeping updated
//
// Every trigger funnels into the same idempotent settle path, so a client
// "leave" racing the server-side timeout sweep charges exactly once.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/starlit-live/walletcore/internal/idgen"
	"github.com/starlit-live/walletcore/internal/logging"
	"github.com/starlit-live/walletcore/internal/traces"
	"github.com/starlit-live/walletcore/internal/wallet"
)

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrRoomClosed      = errors.New("room is not open")
	ErrNotParticipant  = errors.New("user is not a joined participant")
	ErrAlreadyJoined   = errors.New("user already has an active participant in this room")
	ErrNotRoomOwner    = errors.New("only the room owner may do this")
	ErrOwnerCannotJoin = errors.New("room owner cannot join as a participant")
)

// PriceType is how a room charges its participants.
type PriceType string

const (
	PriceFlat      PriceType = "flat"
	PricePerMinute PriceType = "per_minute"
)

// Room is a paid group session hosted by a creator.
type Room struct {
	ID                  string     `json:"id"`
	CreatorID           string     `json:"creatorId"`
	Title               string     `json:"title,omitempty"`
	PriceType           PriceType  `json:"priceType"`
	PriceCoins          int64      `json:"priceCoins"`
	Status              string     `json:"status"` // open, ended
	CurrentParticipants int        `json:"currentParticipants"`
	TotalEarnings       int64      `json:"totalEarnings"`
	CreatedAt           time.Time  `json:"createdAt"`
	EndedAt             *time.Time `json:"endedAt,omitempty"`
}

// Participant is one paying member of a room. At most one active (joined)
// participant per user per room, and each carries exactly one spend hold.
type Participant struct {
	ID              string    `json:"id"`
	RoomID          string    `json:"roomId"`
	UserID          string    `json:"userId"`
	HoldID          string    `json:"holdId"`
	Status          string    `json:"status"` // joined, left, removed
	JoinedAt        time.Time `json:"joinedAt"`
	LastHeartbeat   time.Time `json:"lastHeartbeat"`
	CoinsCharged    int64     `json:"coinsCharged"`
	DurationSeconds int64     `json:"durationSeconds"`
}

// Store persists rooms and participants. SettleParticipant must apply the
// hold settlement and the participant/room bookkeeping as one atomic unit.
type Store interface {
	CreateRoom(ctx context.Context, room *Room) error
	GetRoom(ctx context.Context, roomID string) (*Room, error)
	EndRoom(ctx context.Context, roomID string) error

	AddParticipant(ctx context.Context, p *Participant) error
	GetJoinedParticipant(ctx context.Context, roomID, userID string) (*Participant, error)
	ListJoined(ctx context.Context, roomID string) ([]*Participant, error)
	ListStale(ctx context.Context, before time.Time, limit int) ([]*Participant, error)
	Heartbeat(ctx context.Context, participantID string, at time.Time) error

	// SettleParticipant settles the participant's hold for charge coins paid
	// to the room creator, records the final status and duration, decrements
	// the live participant counter, and accumulates room earnings. A second
	// invocation for the same participant is a no-op reporting AlreadySettled.
	SettleParticipant(ctx context.Context, p *Participant, creatorID string, charge int64, status string, durationSeconds int64, description string) (*wallet.SettleResult, error)
}

// HoldCreator is the slice of the wallet service the engine needs to open
// and abandon reservations. Settlement itself goes through the Store so it
// can share a transaction with the bookkeeping rows.
type HoldCreator interface {
	CreateHold(ctx context.Context, userID string, amount int64) (*wallet.Hold, error)
	ReleaseHold(ctx context.Context, holdID string) error
}

// Service is the settlement engine.
type Service struct {
	store             Store
	holds             HoldCreator
	maxSessionMinutes int64
	now               func() time.Time // injectable clock for tests
}

// NewService creates a settlement engine. maxSessionMinutes caps the
// reservation made for per-minute rooms: holds are sized
// rate × maxSessionMinutes, and a session that runs past the cap settles at
// the hold amount.
func NewService(store Store, holds HoldCreator, maxSessionMinutes int) *Service {
	if maxSessionMinutes <= 0 {
		maxSessionMinutes = 120
	}
	return &Service{
		store:             store,
		holds:             holds,
		maxSessionMinutes: int64(maxSessionMinutes),
		now:               time.Now,
	}
}

// WithClock overrides the engine's clock. For tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateRoom opens a new paid room.
func (s *Service) CreateRoom(ctx context.Context, creatorID, title string, priceType PriceType, priceCoins int64) (*Room, error) {
	if priceType != PriceFlat && priceType != PricePerMinute {
		return nil, fmt.Errorf("unknown price type %q", priceType)
	}
	if priceCoins <= 0 {
		return nil, wallet.ErrInvalidAmount
	}
	room := &Room{
		ID:         idgen.WithPrefix("room_"),
		CreatorID:  creatorID,
		Title:      title,
		PriceType:  priceType,
		PriceCoins: priceCoins,
		Status:     "open",
		CreatedAt:  s.now(),
	}
	if err := s.store.CreateRoom(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

// holdAmount is the conservative upper bound reserved at join time.
func (s *Service) holdAmount(room *Room) int64 {
	if room.PriceType == PriceFlat {
		return room.PriceCoins
	}
	return room.PriceCoins * s.maxSessionMinutes
}

// Join admits a paying participant: reserve the worst-case charge, then
// record the participant. If the participant row cannot be written the
// reservation is abandoned, so no coins stay earmarked for a ghost member.
func (s *Service) Join(ctx context.Context, roomID, userID string) (*Participant, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Join",
		traces.RoomID(roomID), traces.UserID(userID))
	defer span.End()

	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Status != "open" {
		return nil, ErrRoomClosed
	}
	if room.CreatorID == userID {
		return nil, ErrOwnerCannotJoin
	}
	if _, err := s.store.GetJoinedParticipant(ctx, roomID, userID); err == nil {
		return nil, ErrAlreadyJoined
	}

	hold, err := s.holds.CreateHold(ctx, userID, s.holdAmount(room))
	if err != nil {
		return nil, err
	}

	now := s.now()
	p := &Participant{
		ID:            idgen.WithPrefix("part_"),
		RoomID:        roomID,
		UserID:        userID,
		HoldID:        hold.ID,
		Status:        "joined",
		JoinedAt:      now,
		LastHeartbeat: now,
	}
	if err := s.store.AddParticipant(ctx, p); err != nil {
		if relErr := s.holds.ReleaseHold(ctx, hold.ID); relErr != nil {
			logging.L(ctx).Error("failed to release hold after join failure",
				"hold_id", hold.ID, "error", relErr)
		}
		return nil, err
	}
	return p, nil
}

// chargeFor computes the final charge for a participant, rounded in the
// platform's favor. The store caps it to the hold amount at settle time.
func (s *Service) chargeFor(room *Room, elapsed time.Duration) int64 {
	if room.PriceType == PriceFlat {
		return room.PriceCoins
	}
	seconds := int64(elapsed / time.Second)
	if seconds <= 0 {
		return 0
	}
	minutes := (seconds + 59) / 60
	return room.PriceCoins * minutes
}

func (s *Service) settle(ctx context.Context, room *Room, p *Participant, status, trigger string) (*wallet.SettleResult, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Settle",
		traces.RoomID(room.ID), traces.UserID(p.UserID), traces.HoldID(p.HoldID))
	defer span.End()

	elapsed := s.now().Sub(p.JoinedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	charge := s.chargeFor(room, elapsed)
	desc := fmt.Sprintf("group room %s (%s)", room.ID, trigger)

	res, err := s.store.SettleParticipant(ctx, p, room.CreatorID, charge, status, int64(elapsed/time.Second), desc)
	if err != nil {
		return nil, err
	}
	if res.AlreadySettled {
		logging.L(ctx).Info("participant already settled",
			"room_id", room.ID, "participant_id", p.ID, "trigger", trigger)
		return res, nil
	}
	logging.L(ctx).Info("participant settled",
		"room_id", room.ID, "participant_id", p.ID,
		"charged", res.Charged, "trigger", trigger)
	settlementsByTrigger.WithLabelValues(trigger).Inc()
	return res, nil
}

// Leave settles a participant who left on their own.
func (s *Service) Leave(ctx context.Context, roomID, userID string) (*wallet.SettleResult, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	p, err := s.store.GetJoinedParticipant(ctx, roomID, userID)
	if err != nil {
		return nil, ErrNotParticipant
	}
	return s.settle(ctx, room, p, "left", "leave")
}

// Kick settles a participant forcibly removed by the room owner. The
// removed participant still pays for the time used.
func (s *Service) Kick(ctx context.Context, roomID, callerID, targetUserID string) (*wallet.SettleResult, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.CreatorID != callerID {
		return nil, ErrNotRoomOwner
	}
	p, err := s.store.GetJoinedParticipant(ctx, roomID, targetUserID)
	if err != nil {
		return nil, ErrNotParticipant
	}
	return s.settle(ctx, room, p, "removed", "kick")
}

// End closes a room: every joined participant is settled, then the room is
// marked ended. Settlement failures for one participant don't abort the
// rest; the sweep picks up stragglers.
func (s *Service) End(ctx context.Context, roomID, callerID string) error {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.CreatorID != callerID {
		return ErrNotRoomOwner
	}

	joined, err := s.store.ListJoined(ctx, roomID)
	if err != nil {
		return err
	}
	for _, p := range joined {
		if _, err := s.settle(ctx, room, p, "left", "end"); err != nil {
			logging.L(ctx).Error("failed to settle participant on room end",
				"room_id", roomID, "participant_id", p.ID, "error", err)
		}
	}
	return s.store.EndRoom(ctx, roomID)
}

// Heartbeat records session liveness. Liveness is advisory: a missed
// heartbeat only ever triggers the same idempotent settle path.
func (s *Service) Heartbeat(ctx context.Context, roomID, userID string) error {
	p, err := s.store.GetJoinedParticipant(ctx, roomID, userID)
	if err != nil {
		return ErrNotParticipant
	}
	return s.store.Heartbeat(ctx, p.ID, s.now())
}

// SweepStale settles participants whose heartbeat went silent for longer
// than timeout. Invoked periodically by the Timer. Returns how many
// participants were settled.
func (s *Service) SweepStale(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := s.now().Add(-timeout)
	stale, err := s.store.ListStale(ctx, cutoff, 100)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, p := range stale {
		room, err := s.store.GetRoom(ctx, p.RoomID)
		if err != nil {
			logging.L(ctx).Error("sweep: room lookup failed", "room_id", p.RoomID, "error", err)
			continue
		}
		res, err := s.settle(ctx, room, p, "left", "timeout")
		if err != nil {
			logging.L(ctx).Error("sweep: settle failed",
				"participant_id", p.ID, "error", err)
			continue
		}
		if !res.AlreadySettled {
			settled++
		}
	}
	return settled, nil
}

// GetRoom returns a room by ID.
func (s *Service) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	return s.store.GetRoom(ctx, roomID)
}
