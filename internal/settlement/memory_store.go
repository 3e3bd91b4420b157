package settlement

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/starlit-live/walletcore/internal/wallet"
)

// MemoryStore is an in-memory settlement store for demo mode and unit
// tests. It delegates money movement to the wallet store; the hold-status
// guard there keeps racing settles single-shot, same as Postgres.
type MemoryStore struct {
	mu           sync.Mutex
	wallets      wallet.Store
	rooms        map[string]*Room
	participants map[string]*Participant
}

// NewMemoryStore creates an in-memory settlement store.
func NewMemoryStore(wallets wallet.Store) *MemoryStore {
	return &MemoryStore{
		wallets:      wallets,
		rooms:        make(map[string]*Room),
		participants: make(map[string]*Participant),
	}
}

func (m *MemoryStore) CreateRoom(ctx context.Context, room *Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *room
	m.rooms[room.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) EndRoom(ctx context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if r.Status != "open" {
		return ErrRoomClosed
	}
	now := time.Now()
	r.Status = "ended"
	r.EndedAt = &now
	return nil
}

func (m *MemoryStore) AddParticipant(ctx context.Context, p *Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.participants {
		if existing.RoomID == p.RoomID && existing.UserID == p.UserID && existing.Status == "joined" {
			return ErrAlreadyJoined
		}
	}
	cp := *p
	m.participants[p.ID] = &cp
	if r, ok := m.rooms[p.RoomID]; ok {
		r.CurrentParticipants++
	}
	return nil
}

func (m *MemoryStore) GetJoinedParticipant(ctx context.Context, roomID, userID string) (*Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.participants {
		if p.RoomID == roomID && p.UserID == userID && p.Status == "joined" {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotParticipant
}

func (m *MemoryStore) ListJoined(ctx context.Context, roomID string) ([]*Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Participant
	for _, p := range m.participants {
		if p.RoomID == roomID && p.Status == "joined" {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (m *MemoryStore) ListStale(ctx context.Context, before time.Time, limit int) ([]*Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Participant
	for _, p := range m.participants {
		if p.Status == "joined" && p.LastHeartbeat.Before(before) {
			cp := *p
			out = append(out, &cp)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) Heartbeat(ctx context.Context, participantID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[participantID]
	if !ok || p.Status != "joined" {
		return ErrNotParticipant
	}
	p.LastHeartbeat = at
	return nil
}

func (m *MemoryStore) SettleParticipant(ctx context.Context, part *Participant, creatorID string, charge int64, status string, durationSeconds int64, description string) (*wallet.SettleResult, error) {
	// The wallet store's hold-status guard is the settle-once gate; call it
	// before touching local state so a loser of the race changes nothing.
	res, err := m.wallets.SettleHold(ctx, part.HoldID, creatorID, charge,
		wallet.TypeGroupRoomPayment, wallet.TypeGroupRoomEarnings,
		"settle:"+part.HoldID, description)
	if err != nil {
		return nil, err
	}
	if res.AlreadySettled {
		return res, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.participants[part.ID]; ok {
		p.Status = status
		p.CoinsCharged = res.Charged
		p.DurationSeconds = durationSeconds
	}
	if r, ok := m.rooms[part.RoomID]; ok {
		if r.CurrentParticipants > 0 {
			r.CurrentParticipants--
		}
		r.TotalEarnings += res.Charged
	}
	return res, nil
}
