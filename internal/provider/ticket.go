package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ticketmesh/kite/internal/domain"
)

var (
	// ErrUnsupportedSource is returned by NewTicketSource for unknown source
	// names.
	ErrUnsupportedSource = fmt.Errorf("unsupported ticket source")

	// ErrReadOnlySource is returned when a listing mutation is attempted on a
	// third-party source.
	ErrReadOnlySource = fmt.Errorf("ticket source is read-only")
)

// ListingStore is the slice of the facts store the internal source needs.
type ListingStore interface {
	GetTicket(ctx context.Context, ticketID string) (*domain.TicketData, error)
	ListTickets(ctx context.Context, filter domain.TicketFilter) ([]*domain.TicketData, error)
	SaveTicket(ctx context.Context, t *domain.TicketData) error
}

// TicketSource is the uniform surface over listing origins: our own
// marketplace or an external aggregator.
type TicketSource interface {
	GetTickets(ctx context.Context, filter domain.TicketFilter) ([]*domain.TicketData, error)
	GetTicket(ctx context.Context, ticketID string) (*domain.TicketData, error)

	// CreateListing stores a new listing and announces it on the bus.
	// Read-only sources return ErrReadOnlySource.
	CreateListing(ctx context.Context, t *domain.TicketData) (*domain.TicketData, error)
}

// SourceConfig selects and parameterizes a ticket source.
type SourceConfig struct {
	Name    string `json:"name" yaml:"name"`       // internal, stubhub, seatgeek
	APIKey  string `json:"apiKey" yaml:"apiKey"`   // third-party only
	BaseURL string `json:"baseUrl" yaml:"baseUrl"` // third-party only
}

// NewTicketSource selects a source by configuration value. Unsupported names
// and missing third-party credentials fail fast.
func NewTicketSource(cfg SourceConfig, store ListingStore, bus domain.EventBus, logger *slog.Logger) (TicketSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch strings.ToLower(cfg.Name) {
	case "internal":
		if store == nil {
			return nil, fmt.Errorf("internal ticket source requires a listing store")
		}
		if bus == nil {
			return nil, fmt.Errorf("internal ticket source requires an event bus")
		}
		return &InternalSource{
			store:  store,
			bus:    bus,
			logger: logger.With("component", "tickets", "source", "internal"),
		}, nil
	case "stubhub", "seatgeek":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("ticket source %s requires an API key", cfg.Name)
		}
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("ticket source %s requires a base URL", cfg.Name)
		}
		return &ThirdPartySource{
			name:    strings.ToLower(cfg.Name),
			apiKey:  cfg.APIKey,
			baseURL: strings.TrimRight(cfg.BaseURL, "/"),
			client:  &http.Client{Timeout: 10 * time.Second},
			logger:  logger.With("component", "tickets", "source", cfg.Name),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, cfg.Name)
	}
}

// InternalSource serves listings from our own facts store and announces new
// ones on the bus.
type InternalSource struct {
	store  ListingStore
	bus    domain.EventBus
	logger *slog.Logger
}

func (s *InternalSource) GetTickets(ctx context.Context, filter domain.TicketFilter) ([]*domain.TicketData, error) {
	return s.store.ListTickets(ctx, filter)
}

func (s *InternalSource) GetTicket(ctx context.Context, ticketID string) (*domain.TicketData, error) {
	return s.store.GetTicket(ctx, ticketID)
}

func (s *InternalSource) CreateListing(ctx context.Context, t *domain.TicketData) (*domain.TicketData, error) {
	if t == nil {
		return nil, fmt.Errorf("ticket is required")
	}
	if t.EventID == "" || t.Section == "" || t.SellerID == "" {
		return nil, fmt.Errorf("eventId, section, and sellerId are required")
	}

	listing := *t
	if listing.ID == "" {
		listing.ID = uuid.New().String()
	}
	if listing.Status == "" {
		listing.Status = domain.TicketAvailable
	}
	if listing.BasePrice == 0 {
		listing.BasePrice = listing.Price
	}

	if err := s.store.SaveTicket(ctx, &listing); err != nil {
		return nil, fmt.Errorf("failed to save listing: %w", err)
	}

	payload, err := json.Marshal(domain.TicketCreatedEvent{Ticket: listing})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ticket event: %w", err)
	}
	if err := s.bus.Publish(ctx, domain.TopicTicketCreated, payload); err != nil {
		s.logger.Error("failed to announce listing", "ticket_id", listing.ID, "error", err)
	}

	s.logger.Info("listing created", "ticket_id", listing.ID, "event_id", listing.EventID)
	return &listing, nil
}

// ThirdPartySource reads listings from an external aggregator API and maps
// them onto our ticket shape. Mutations are unsupported.
type ThirdPartySource struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// externalTicket is the aggregator wire format.
type externalTicket struct {
	ID      string  `json:"id"`
	EventID string  `json:"eventId"`
	Section string  `json:"section"`
	Row     string  `json:"row"`
	Seat    string  `json:"seat"`
	Price   float64 `json:"price"`
	Status  string  `json:"status"`
}

func (s *ThirdPartySource) GetTickets(ctx context.Context, filter domain.TicketFilter) ([]*domain.TicketData, error) {
	q := url.Values{}
	if filter.EventID != "" {
		q.Set("eventId", filter.EventID)
	}
	if filter.Section != "" {
		q.Set("section", filter.Section)
	}

	endpoint := s.baseURL + "/tickets"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	var external []externalTicket
	if err := s.get(ctx, endpoint, &external); err != nil {
		return nil, err
	}

	tickets := make([]*domain.TicketData, 0, len(external))
	for _, e := range external {
		tickets = append(tickets, s.transform(&e))
	}
	return tickets, nil
}

func (s *ThirdPartySource) GetTicket(ctx context.Context, ticketID string) (*domain.TicketData, error) {
	var external externalTicket
	if err := s.get(ctx, s.baseURL+"/tickets/"+url.PathEscape(ticketID), &external); err != nil {
		return nil, err
	}
	return s.transform(&external), nil
}

func (s *ThirdPartySource) CreateListing(ctx context.Context, t *domain.TicketData) (*domain.TicketData, error) {
	return nil, fmt.Errorf("%w: %s", ErrReadOnlySource, s.name)
}

func (s *ThirdPartySource) get(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("X-API-Key", s.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", s.name, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return domain.ErrNotFound
	default:
		return fmt.Errorf("%s returned status %d", s.name, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", s.name, err)
	}
	return nil
}

// transform maps the aggregator's ticket onto ours. External listings carry
// no base price; the current price doubles as the baseline.
func (s *ThirdPartySource) transform(e *externalTicket) *domain.TicketData {
	return &domain.TicketData{
		ID:        e.ID,
		EventID:   e.EventID,
		Section:   e.Section,
		Row:       e.Row,
		Seat:      e.Seat,
		BasePrice: e.Price,
		Price:     e.Price,
		SellerID:  "external:" + s.name,
		Status:    mapExternalStatus(e.Status),
	}
}

func mapExternalStatus(status string) domain.TicketStatus {
	switch strings.ToLower(status) {
	case "active", "available":
		return domain.TicketAvailable
	case "in_progress", "pending":
		return domain.TicketPending
	case "completed", "sold":
		return domain.TicketSold
	case "inactive", "cancelled":
		return domain.TicketCancelled
	default:
		return domain.TicketAvailable
	}
}
