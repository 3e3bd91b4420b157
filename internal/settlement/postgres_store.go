package settlement

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/starlit-live/walletcore/internal/wallet"
)

// PostgresStore implements Store with PostgreSQL. Settlement shares one
// database transaction with the wallet store's hold settlement, so the
// ledger pair, both wallets, the hold row, and the participant/room rows
// commit or roll back together.
type PostgresStore struct {
	db      *sql.DB
	wallets *wallet.PostgresStore
}

// NewPostgresStore creates a settlement store over the shared database.
func NewPostgresStore(wallets *wallet.PostgresStore) *PostgresStore {
	return &PostgresStore{db: wallets.DB(), wallets: wallets}
}

// CreateRoom inserts a room row.
func (p *PostgresStore) CreateRoom(ctx context.Context, room *Room) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO group_rooms
			(id, creator_id, title, price_type, price_coins, status, current_participants, total_earnings, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, 0, $7)
	`, room.ID, room.CreatorID, room.Title, string(room.PriceType), room.PriceCoins, room.Status, room.CreatedAt)
	return err
}

func scanRoom(row interface{ Scan(...any) error }) (*Room, error) {
	r := &Room{}
	var title sql.NullString
	var endedAt sql.NullTime
	err := row.Scan(&r.ID, &r.CreatorID, &title, &r.PriceType, &r.PriceCoins,
		&r.Status, &r.CurrentParticipants, &r.TotalEarnings, &r.CreatedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	r.Title = title.String
	if endedAt.Valid {
		r.EndedAt = &endedAt.Time
	}
	return r, nil
}

const roomColumns = `id, creator_id, title, price_type, price_coins, status, current_participants, total_earnings, created_at, ended_at`

// GetRoom retrieves a room by ID.
func (p *PostgresStore) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	r, err := scanRoom(p.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM group_rooms WHERE id = $1`, roomID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoomNotFound
	}
	return r, err
}

// EndRoom marks a room ended.
func (p *PostgresStore) EndRoom(ctx context.Context, roomID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE group_rooms SET status = 'ended', ended_at = NOW()
		WHERE id = $1 AND status = 'open'
	`, roomID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRoomClosed
	}
	return nil
}

// AddParticipant inserts the participant and bumps the live counter. The
// partial unique index on (room_id, user_id) WHERE status = 'joined'
// enforces the one-active-participant rule under concurrency.
func (p *PostgresStore) AddParticipant(ctx context.Context, part *Participant) error {
	return p.wallets.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO group_room_participants
				(id, room_id, user_id, hold_id, status, joined_at, last_heartbeat, coins_charged, duration_seconds)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0)
		`, part.ID, part.RoomID, part.UserID, part.HoldID, part.Status, part.JoinedAt, part.LastHeartbeat)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE group_rooms SET current_participants = current_participants + 1 WHERE id = $1
		`, part.RoomID)
		return err
	})
}

func scanParticipant(row interface{ Scan(...any) error }) (*Participant, error) {
	pt := &Participant{}
	err := row.Scan(&pt.ID, &pt.RoomID, &pt.UserID, &pt.HoldID, &pt.Status,
		&pt.JoinedAt, &pt.LastHeartbeat, &pt.CoinsCharged, &pt.DurationSeconds)
	if err != nil {
		return nil, err
	}
	return pt, nil
}

const participantColumns = `id, room_id, user_id, hold_id, status, joined_at, last_heartbeat, coins_charged, duration_seconds`

// GetJoinedParticipant returns the active participant row for a user.
func (p *PostgresStore) GetJoinedParticipant(ctx context.Context, roomID, userID string) (*Participant, error) {
	pt, err := scanParticipant(p.db.QueryRowContext(ctx, `
		SELECT `+participantColumns+` FROM group_room_participants
		WHERE room_id = $1 AND user_id = $2 AND status = 'joined'
	`, roomID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotParticipant
	}
	return pt, err
}

// ListJoined returns every active participant in a room.
func (p *PostgresStore) ListJoined(ctx context.Context, roomID string) ([]*Participant, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+participantColumns+` FROM group_room_participants
		WHERE room_id = $1 AND status = 'joined'
		ORDER BY joined_at
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectParticipants(rows)
}

// ListStale returns active participants whose heartbeat predates cutoff.
func (p *PostgresStore) ListStale(ctx context.Context, before time.Time, limit int) ([]*Participant, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+participantColumns+` FROM group_room_participants
		WHERE status = 'joined' AND last_heartbeat < $1
		ORDER BY last_heartbeat
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectParticipants(rows)
}

func collectParticipants(rows *sql.Rows) ([]*Participant, error) {
	var out []*Participant
	for rows.Next() {
		pt, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

// Heartbeat refreshes a participant's liveness timestamp.
func (p *PostgresStore) Heartbeat(ctx context.Context, participantID string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE group_room_participants SET last_heartbeat = $2
		WHERE id = $1 AND status = 'joined'
	`, participantID, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotParticipant
	}
	return nil
}

// SettleParticipant runs the hold settlement and the session bookkeeping in
// one transaction. The wallet store locks the hold row first, so racing
// triggers serialize here and the loser takes the AlreadySettled branch,
// leaving the bookkeeping untouched.
func (p *PostgresStore) SettleParticipant(ctx context.Context, part *Participant, creatorID string, charge int64, status string, durationSeconds int64, description string) (*wallet.SettleResult, error) {
	var res *wallet.SettleResult
	err := p.wallets.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = p.wallets.SettleHoldTx(ctx, tx, part.HoldID, creatorID, charge,
			wallet.TypeGroupRoomPayment, wallet.TypeGroupRoomEarnings,
			"settle:"+part.HoldID, description)
		if err != nil {
			return err
		}
		if res.AlreadySettled {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE group_room_participants SET
				status = $2, coins_charged = $3, duration_seconds = $4
			WHERE id = $1
		`, part.ID, status, res.Charged, durationSeconds)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE group_rooms SET
				current_participants = GREATEST(current_participants - 1, 0),
				total_earnings = total_earnings + $2
			WHERE id = $1
		`, part.RoomID, res.Charged)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
