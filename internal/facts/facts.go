// Package facts provides the SQL-backed fact provider and state sink.
package facts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ticketmesh/kite/internal/cache"
	"github.com/ticketmesh/kite/internal/domain"
)

var ErrInvalidInput = errors.New("invalid input")

// recentWindow is the lookback used for the velocity signal
// (UserHistory.RecentTransactions).
const recentWindow = time.Hour

// marketDataTTL bounds how stale cached market signals may be.
const marketDataTTL = 30 * time.Second

// SQLFacts implements domain.FactProvider and domain.StateSink over
// database/sql. Works with both SQLite and PostgreSQL drivers. Market data
// reads go through the cache when one is configured.
type SQLFacts struct {
	db     *sql.DB
	driver string
	cache  cache.Cache
}

// New creates a facts store based on configuration. The cache is optional.
func New(cfg domain.RepositoryConfig, c cache.Cache) (*SQLFacts, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	f := &SQLFacts{
		db:     db,
		driver: cfg.Driver,
		cache:  c,
	}

	if err := f.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return f, nil
}

func (f *SQLFacts) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := f.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// GetUserHistory assembles the fraud context for a user: account age and
// login fingerprint from the users table, transaction aggregates and the
// recent-transaction velocity count from the transactions table.
func (f *SQLFacts) GetUserHistory(ctx context.Context, userID string) (*domain.UserHistory, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, created_at, last_login_at, last_login_ip, last_login_device
		FROM users
		WHERE id = ?
	`

	var h domain.UserHistory
	var createdAt time.Time
	var lastLoginAt sql.NullTime
	var lastIP, lastDevice sql.NullString

	err := f.db.QueryRowContext(ctx, f.rebind(query), userID).Scan(
		&h.UserID, &createdAt, &lastLoginAt, &lastIP, &lastDevice,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	h.AccountAgeDays = time.Since(createdAt).Hours() / 24
	if lastLoginAt.Valid {
		h.LastLoginAt = lastLoginAt.Time
	}
	h.LastLoginIPAddress = lastIP.String
	h.LastLoginDeviceID = lastDevice.String

	aggQuery := `
		SELECT COUNT(*), COALESCE(AVG(amount), 0)
		FROM transactions
		WHERE user_id = ?
	`
	if err := f.db.QueryRowContext(ctx, f.rebind(aggQuery), userID).Scan(
		&h.PreviousTransactions, &h.AverageTransactionAmount,
	); err != nil {
		return nil, fmt.Errorf("failed to aggregate transactions: %w", err)
	}

	recentQuery := `
		SELECT COUNT(*)
		FROM transactions
		WHERE user_id = ? AND timestamp >= ?
	`
	since := time.Now().Add(-recentWindow)
	if err := f.db.QueryRowContext(ctx, f.rebind(recentQuery), userID, since).Scan(
		&h.RecentTransactions,
	); err != nil {
		return nil, fmt.Errorf("failed to count recent transactions: %w", err)
	}

	return &h, nil
}

// GetTicket retrieves a ticket listing by ID.
func (f *SQLFacts) GetTicket(ctx context.Context, ticketID string) (*domain.TicketData, error) {
	if ticketID == "" {
		return nil, fmt.Errorf("%w: ticketID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, event_id, section, row_label, seat, base_price, price, event_date, seller_id, status
		FROM tickets
		WHERE id = ?
	`

	t, err := f.scanTicket(f.db.QueryRowContext(ctx, f.rebind(query), ticketID))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket: %w", err)
	}
	return t, nil
}

// GetMarketData returns market signals for an event, falling back to
// DefaultMarketData when none are recorded.
func (f *SQLFacts) GetMarketData(ctx context.Context, eventID string) (*domain.MarketData, error) {
	if eventID == "" {
		return nil, fmt.Errorf("%w: eventID is required", ErrInvalidInput)
	}

	cacheKey := "market:" + eventID
	if f.cache != nil {
		if data, err := f.cache.Get(ctx, cacheKey); err == nil && data != nil {
			var m domain.MarketData
			if err := json.Unmarshal(data, &m); err == nil {
				return &m, nil
			}
		}
	}

	query := `
		SELECT event_id, average_price, price_trend, views, watchlists, seller_rating
		FROM market_data
		WHERE event_id = ?
	`

	var m domain.MarketData
	err := f.db.QueryRowContext(ctx, f.rebind(query), eventID).Scan(
		&m.EventID, &m.AveragePrice, &m.PriceTrend, &m.Views, &m.Watchlists, &m.SellerRating,
	)
	if err == sql.ErrNoRows {
		return domain.DefaultMarketData(eventID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get market data: %w", err)
	}

	if f.cache != nil {
		if data, err := json.Marshal(&m); err == nil {
			_ = f.cache.Set(ctx, cacheKey, data, marketDataTTL)
		}
	}

	return &m, nil
}

// GetSimilarTickets returns available listings for the same event and
// section, excluding the given ticket.
func (f *SQLFacts) GetSimilarTickets(ctx context.Context, ticketID string) ([]*domain.TicketData, error) {
	ticket, err := f.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, event_id, section, row_label, seat, base_price, price, event_date, seller_id, status
		FROM tickets
		WHERE event_id = ? AND section = ? AND id != ? AND status = 'available'
		LIMIT 50
	`

	rows, err := f.db.QueryContext(ctx, f.rebind(query), ticket.EventID, ticket.Section, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to query similar tickets: %w", err)
	}
	defer rows.Close()

	var tickets []*domain.TicketData
	for rows.Next() {
		t, err := f.scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

// ListTickets returns listings matching the filter, newest events first.
func (f *SQLFacts) ListTickets(ctx context.Context, filter domain.TicketFilter) ([]*domain.TicketData, error) {
	query := `
		SELECT id, event_id, section, row_label, seat, base_price, price, event_date, seller_id, status
		FROM tickets
		WHERE 1=1
	`
	var args []any

	if filter.EventID != "" {
		query += " AND event_id = ?"
		args = append(args, filter.EventID)
	}
	if filter.Section != "" {
		query += " AND section = ?"
		args = append(args, filter.Section)
	}
	if filter.SellerID != "" {
		query += " AND seller_id = ?"
		args = append(args, filter.SellerID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.MinPrice > 0 {
		query += " AND price >= ?"
		args = append(args, filter.MinPrice)
	}
	if filter.MaxPrice > 0 {
		query += " AND price <= ?"
		args = append(args, filter.MaxPrice)
	}
	query += " ORDER BY event_date DESC LIMIT 100"

	rows, err := f.db.QueryContext(ctx, f.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	defer rows.Close()

	var tickets []*domain.TicketData
	for rows.Next() {
		t, err := f.scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

// GetPriceHistory returns recorded price points for a ticket, oldest first.
func (f *SQLFacts) GetPriceHistory(ctx context.Context, ticketID string) ([]domain.PricePoint, error) {
	if ticketID == "" {
		return nil, fmt.Errorf("%w: ticketID is required", ErrInvalidInput)
	}

	query := `
		SELECT price, recorded_at
		FROM price_history
		WHERE ticket_id = ?
		ORDER BY recorded_at ASC
	`

	rows, err := f.db.QueryContext(ctx, f.rebind(query), ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to query price history: %w", err)
	}
	defer rows.Close()

	var points []domain.PricePoint
	for rows.Next() {
		var p domain.PricePoint
		if err := rows.Scan(&p.Price, &p.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan price point: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// SetTicketPrice persists a new listing price.
func (f *SQLFacts) SetTicketPrice(ctx context.Context, ticketID string, price float64) error {
	if ticketID == "" {
		return fmt.Errorf("%w: ticketID is required", ErrInvalidInput)
	}

	query := `UPDATE tickets SET price = ? WHERE id = ?`
	res, err := f.db.ExecContext(ctx, f.rebind(query), price, ticketID)
	if err != nil {
		return fmt.Errorf("failed to set ticket price: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// RecordPricePoint appends to a ticket's price history.
func (f *SQLFacts) RecordPricePoint(ctx context.Context, ticketID string, price float64, at time.Time) error {
	if ticketID == "" {
		return fmt.Errorf("%w: ticketID is required", ErrInvalidInput)
	}

	query := `INSERT INTO price_history (ticket_id, price, recorded_at) VALUES (?, ?, ?)`
	_, err := f.db.ExecContext(ctx, f.rebind(query), ticketID, price, at)
	if err != nil {
		return fmt.Errorf("failed to record price point: %w", err)
	}
	return nil
}

// RecordNotification persists a delivered notification record.
func (f *SQLFacts) RecordNotification(ctx context.Context, n *domain.Notification) error {
	if n == nil || n.UserID == "" {
		return fmt.Errorf("%w: notification with userID is required", ErrInvalidInput)
	}

	metadata, _ := json.Marshal(n.Metadata)

	query := `
		INSERT INTO notifications (id, user_id, kind, channel, title, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := f.db.ExecContext(ctx, f.rebind(query),
		n.ID, n.UserID, n.Kind, n.Channel, n.Title, n.Message, string(metadata), n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record notification: %w", err)
	}
	return nil
}

// SaveUser stores a user record.
func (f *SQLFacts) SaveUser(ctx context.Context, userID string, createdAt time.Time, lastLoginIP, lastLoginDevice string) error {
	if userID == "" {
		return fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO users (id, created_at, last_login_at, last_login_ip, last_login_device)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := f.db.ExecContext(ctx, f.rebind(query),
		userID, createdAt, time.Now().UTC(), lastLoginIP, lastLoginDevice,
	)
	return err
}

// SaveTicket stores a ticket listing. Saving an existing ID replaces the
// listing, so status transitions (available → sold) go through here too.
func (f *SQLFacts) SaveTicket(ctx context.Context, t *domain.TicketData) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("%w: ticket with ID is required", ErrInvalidInput)
	}

	status := t.Status
	if status == "" {
		status = domain.TicketAvailable
	}

	// ON CONFLICT ... excluded is understood by both sqlite and postgres.
	query := `
		INSERT INTO tickets (id, event_id, section, row_label, seat, base_price, price, event_date, seller_id, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			event_id = excluded.event_id,
			section = excluded.section,
			row_label = excluded.row_label,
			seat = excluded.seat,
			base_price = excluded.base_price,
			price = excluded.price,
			event_date = excluded.event_date,
			seller_id = excluded.seller_id,
			status = excluded.status
	`
	_, err := f.db.ExecContext(ctx, f.rebind(query),
		t.ID, t.EventID, t.Section, t.Row, t.Seat,
		t.BasePrice, t.Price, t.EventDate, t.SellerID, string(status),
	)
	return err
}

// SaveMarketData stores market signals for an event.
func (f *SQLFacts) SaveMarketData(ctx context.Context, m *domain.MarketData) error {
	if m == nil || m.EventID == "" {
		return fmt.Errorf("%w: market data with eventID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO market_data (event_id, average_price, price_trend, views, watchlists, seller_rating)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := f.db.ExecContext(ctx, f.rebind(query),
		m.EventID, m.AveragePrice, m.PriceTrend, m.Views, m.Watchlists, m.SellerRating,
	)
	if err != nil {
		return err
	}

	if f.cache != nil {
		_ = f.cache.Delete(ctx, "market:"+m.EventID)
	}
	return nil
}

// SaveTransaction stores an evaluated transaction. These records feed the
// velocity signal on subsequent evaluations.
func (f *SQLFacts) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("%w: transaction with ID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO transactions (id, user_id, ticket_id, amount, payment_method, timestamp, ip_address, device_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := f.db.ExecContext(ctx, f.rebind(query),
		tx.ID, tx.UserID, tx.TicketID, tx.Amount, tx.PaymentMethod,
		tx.Timestamp, tx.IPAddress, tx.DeviceID,
	)
	return err
}

// Ping checks database connectivity.
func (f *SQLFacts) Ping(ctx context.Context) error {
	return f.db.PingContext(ctx)
}

// Close closes the database connection.
func (f *SQLFacts) Close() error {
	return f.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (f *SQLFacts) scanTicket(row rowScanner) (*domain.TicketData, error) {
	var t domain.TicketData
	var row_, seat sql.NullString
	var status string

	err := row.Scan(
		&t.ID, &t.EventID, &t.Section, &row_, &seat,
		&t.BasePrice, &t.Price, &t.EventDate, &t.SellerID, &status,
	)
	if err != nil {
		return nil, err
	}

	t.Row = row_.String
	t.Seat = seat.String
	t.Status = domain.TicketStatus(status)
	return &t, nil
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (f *SQLFacts) rebind(query string) string {
	if f.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
