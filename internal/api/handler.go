package api

import (
	"context"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Checker-Finance/escrow-market/pkg/model"
)

const (
	defaultListLimit   = 100
	defaultEventsLimit = 50
	maxListLimit       = 500
)

// Commands runs signed listing commands; dispatch.Dispatcher implements it.
type Commands interface {
	CreateListing(ctx context.Context, cmd model.CreateListingCommand) (model.ListingKey, error)
	Purchase(ctx context.Context, cmd model.PurchaseCommand) error
	Cancel(ctx context.Context, cmd model.CancelListingCommand) error
}

// Reads serves the listing read model; market.Engine implements it.
type Reads interface {
	GetListing(ctx context.Context, key model.ListingKey) (*model.Listing, error)
	ListListings(ctx context.Context, filter model.ListingFilter) ([]model.Listing, error)
	ListingEvents(ctx context.Context, key model.ListingKey) ([]model.Event, error)
	RecentEvents(ctx context.Context, before int64, limit int) ([]model.Event, error)
}

// MarketHandler serves the listing lifecycle over HTTP.
type MarketHandler struct {
	logger   *zap.Logger
	commands Commands
	reads    Reads
	currency model.Currency
}

func NewMarketHandler(logger *zap.Logger, commands Commands, reads Reads, currency model.Currency) *MarketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MarketHandler{logger: logger, commands: commands, reads: reads, currency: currency}
}

// CreateListing handles POST /listings.
func (h *MarketHandler) CreateListing(c *fiber.Ctx) error {
	var cmd model.CreateListingCommand
	if err := c.BodyParser(&cmd); err != nil {
		return badRequest(c, err.Error())
	}
	if cmd.Seller == "" || cmd.AssetID == "" {
		return badRequest(c, "seller and assetId are required")
	}

	key, err := h.commands.CreateListing(c.UserContext(), cmd)
	if err != nil {
		h.logFailure("create", key, err)
		return writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(CreateListingResponse{Listing: key})
}

// Purchase handles POST /listings/:key/purchase.
func (h *MarketHandler) Purchase(c *fiber.Ctx) error {
	var cmd model.PurchaseCommand
	if err := c.BodyParser(&cmd); err != nil {
		return badRequest(c, err.Error())
	}
	key, ok := pathKey(c, &cmd.Listing)
	if !ok {
		return badRequest(c, "listing in body does not match path")
	}
	if cmd.Buyer == "" {
		return badRequest(c, "buyer is required")
	}

	if err := h.commands.Purchase(c.UserContext(), cmd); err != nil {
		h.logFailure("purchase", key, err)
		return writeError(c, err)
	}
	return c.JSON(TransitionResponse{Listing: key, State: model.ListingStateSettled})
}

// Cancel handles POST /listings/:key/cancel.
func (h *MarketHandler) Cancel(c *fiber.Ctx) error {
	var cmd model.CancelListingCommand
	if err := c.BodyParser(&cmd); err != nil {
		return badRequest(c, err.Error())
	}
	key, ok := pathKey(c, &cmd.Listing)
	if !ok {
		return badRequest(c, "listing in body does not match path")
	}
	if cmd.Seller == "" {
		return badRequest(c, "seller is required")
	}

	if err := h.commands.Cancel(c.UserContext(), cmd); err != nil {
		h.logFailure("cancel", key, err)
		return writeError(c, err)
	}
	return c.JSON(TransitionResponse{Listing: key, State: model.ListingStateSettled})
}

// GetListing handles GET /listings/:key.
func (h *MarketHandler) GetListing(c *fiber.Ctx) error {
	l, err := h.reads.GetListing(c.UserContext(), model.ListingKey(c.Params("key")))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(toListingResponse(*l, h.currency))
}

// ListListings handles GET /listings?active=true&seller=<id>&limit=<n>.
func (h *MarketHandler) ListListings(c *fiber.Ctx) error {
	filter := model.ListingFilter{
		Seller: model.Identity(c.Query("seller")),
		Limit:  defaultListLimit,
	}
	if v := c.Query("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			return badRequest(c, "active must be a boolean")
		}
		filter.ActiveOnly = active
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return badRequest(c, "limit must be a positive integer")
		}
		filter.Limit = min(n, maxListLimit)
	}

	listings, err := h.reads.ListListings(c.UserContext(), filter)
	if err != nil {
		return writeError(c, err)
	}
	out := make([]ListingResponse, 0, len(listings))
	for _, l := range listings {
		out = append(out, toListingResponse(l, h.currency))
	}
	return c.JSON(fiber.Map{"listings": out, "count": len(out)})
}

// ListingEvents handles GET /listings/:key/events.
func (h *MarketHandler) ListingEvents(c *fiber.Ctx) error {
	events, err := h.reads.ListingEvents(c.UserContext(), model.ListingKey(c.Params("key")))
	if err != nil {
		return writeError(c, err)
	}
	if events == nil {
		events = []model.Event{}
	}
	return c.JSON(fiber.Map{"events": events})
}

// RecentEvents handles GET /events?before=<seq>&limit=<n>, the market-wide
// history newest first. next is the cursor for the following page and is
// omitted on the last one.
func (h *MarketHandler) RecentEvents(c *fiber.Ctx) error {
	limit := defaultEventsLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return badRequest(c, "limit must be a positive integer")
		}
		limit = min(n, maxListLimit)
	}
	var before int64
	if v := c.Query("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return badRequest(c, "before must be a positive event sequence")
		}
		before = n
	}

	events, err := h.reads.RecentEvents(c.UserContext(), before, limit)
	if err != nil {
		return writeError(c, err)
	}
	resp := EventPageResponse{Events: events}
	if resp.Events == nil {
		resp.Events = []model.Event{}
	}
	if len(events) == limit {
		resp.Next = events[len(events)-1].Seq
	}
	return c.JSON(resp)
}

func (h *MarketHandler) logFailure(op string, key model.ListingKey, err error) {
	fields := []zap.Field{zap.String("listing", string(key)), zap.Error(err)}
	if StatusFor(err) >= fiber.StatusInternalServerError {
		h.logger.Error("api."+op+".failed", fields...)
		return
	}
	h.logger.Info("api."+op+".rejected", fields...)
}

// pathKey fills an empty body listing from the path and rejects a mismatch,
// since the signature covers the body value.
func pathKey(c *fiber.Ctx, body *model.ListingKey) (model.ListingKey, bool) {
	key := model.ListingKey(c.Params("key"))
	if *body == "" {
		*body = key
	}
	return key, *body == key
}
