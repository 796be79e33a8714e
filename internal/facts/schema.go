package facts

// Schema definitions for the Kite facts store.
// Compatible with both SQLite and PostgreSQL.

const schemaUsers = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL,
    last_login_at TIMESTAMP,
    last_login_ip TEXT,
    last_login_device TEXT
);
`

const schemaTickets = `
CREATE TABLE IF NOT EXISTS tickets (
    id TEXT PRIMARY KEY,
    event_id TEXT NOT NULL,
    section TEXT NOT NULL,
    row_label TEXT,
    seat TEXT,
    base_price REAL NOT NULL,
    price REAL NOT NULL,
    event_date TIMESTAMP NOT NULL,
    seller_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'available'
);

CREATE INDEX IF NOT EXISTS idx_tickets_event ON tickets(event_id);
CREATE INDEX IF NOT EXISTS idx_tickets_event_section ON tickets(event_id, section);
CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);
`

const schemaMarketData = `
CREATE TABLE IF NOT EXISTS market_data (
    event_id TEXT PRIMARY KEY,
    average_price REAL NOT NULL,
    price_trend REAL NOT NULL DEFAULT 0,
    views INTEGER NOT NULL DEFAULT 0,
    watchlists INTEGER NOT NULL DEFAULT 0,
    seller_rating REAL NOT NULL DEFAULT 3
);
`

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    ticket_id TEXT NOT NULL,
    amount REAL NOT NULL,
    payment_method TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    ip_address TEXT,
    device_id TEXT
);

CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id);
CREATE INDEX IF NOT EXISTS idx_transactions_user_time ON transactions(user_id, timestamp);
`

const schemaPriceHistory = `
CREATE TABLE IF NOT EXISTS price_history (
    ticket_id TEXT NOT NULL,
    price REAL NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_price_history_ticket ON price_history(ticket_id, recorded_at);
`

const schemaNotifications = `
CREATE TABLE IF NOT EXISTS notifications (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    channel TEXT NOT NULL,
    title TEXT,
    message TEXT NOT NULL,
    metadata TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaUsers,
		schemaTickets,
		schemaMarketData,
		schemaTransactions,
		schemaPriceHistory,
		schemaNotifications,
	}
}
