package api

import (
	"context"
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Checker-Finance/escrow-market/internal/auth"
	"github.com/Checker-Finance/escrow-market/internal/custody"
	"github.com/Checker-Finance/escrow-market/internal/keys"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

// AdminTokenHeader carries the admin bearer token.
const AdminTokenHeader = "X-Admin-Token"

// TokenSource yields the current admin token. An empty token disables admin routes.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource for a fixed token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

const errOwner = "owner must be a lowercase hex public key"

// CustodyHandler serves custody administration and wallet queries.
type CustodyHandler struct {
	logger   *zap.Logger
	registry custody.Registry
	currency model.Currency
}

func NewCustodyHandler(logger *zap.Logger, registry custody.Registry, currency model.Currency) *CustodyHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CustodyHandler{logger: logger, registry: registry, currency: currency}
}

// MintAsset handles POST /admin/assets.
func (h *CustodyHandler) MintAsset(c *fiber.Ctx) error {
	var req MintAssetRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err.Error())
	}
	if req.Asset == "" || req.Owner == "" {
		return badRequest(c, "asset and owner are required")
	}
	if _, err := auth.ParseIdentity(req.Owner); err != nil {
		return badRequest(c, errOwner)
	}
	if err := h.registry.MintAsset(c.UserContext(), req.Asset, req.Owner); err != nil {
		h.logger.Warn("api.admin.mint_failed", zap.String("asset", string(req.Asset)), zap.Error(err))
		return writeError(c, err)
	}
	h.logger.Info("api.admin.asset_minted", zap.String("asset", string(req.Asset)), zap.String("owner", string(req.Owner)))
	return c.Status(fiber.StatusCreated).JSON(AssetResponse{
		Asset:   req.Asset,
		Holder:  keys.WalletAccount(req.Owner),
		Owner:   req.Owner,
		Listing: keys.ListingKey(req.Asset),
	})
}

// Deposit handles POST /admin/deposits.
func (h *CustodyHandler) Deposit(c *fiber.Ctx) error {
	var req DepositRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err.Error())
	}
	if req.Owner == "" {
		return badRequest(c, "owner is required")
	}
	if _, err := auth.ParseIdentity(req.Owner); err != nil {
		return badRequest(c, errOwner)
	}
	amount, err := h.currency.Parse(req.Amount)
	if err != nil {
		return badRequest(c, err.Error())
	}
	if err := h.registry.Deposit(c.UserContext(), req.Owner, amount); err != nil {
		h.logger.Warn("api.admin.deposit_failed", zap.String("owner", string(req.Owner)), zap.Error(err))
		return writeError(c, err)
	}
	h.logger.Info("api.admin.deposited", zap.String("owner", string(req.Owner)), zap.Uint64("amount", amount))
	return h.account(c, req.Owner, fiber.StatusCreated)
}

// Account handles GET /accounts/:identity.
func (h *CustodyHandler) Account(c *fiber.Ctx) error {
	return h.account(c, model.Identity(c.Params("identity")), fiber.StatusOK)
}

func (h *CustodyHandler) account(c *fiber.Ctx, id model.Identity, status int) error {
	ctx := c.UserContext()
	bal, err := h.registry.Balance(ctx, id)
	if err != nil {
		return writeError(c, err)
	}
	acct := keys.WalletAccount(id)
	assets, err := h.registry.AccountAssets(ctx, acct)
	if err != nil {
		return writeError(c, err)
	}
	if assets == nil {
		assets = []model.AssetID{}
	}
	return c.Status(status).JSON(AccountResponse{
		Identity:       id,
		Account:        acct,
		Balance:        bal,
		DisplayBalance: h.currency.Format(bal),
		Currency:       h.currency.Symbol,
		Assets:         assets,
	})
}

// Asset handles GET /assets/:asset.
func (h *CustodyHandler) Asset(c *fiber.Ctx) error {
	asset := model.AssetID(c.Params("asset"))
	holder, err := h.registry.HolderOf(c.UserContext(), asset)
	if err != nil {
		return writeError(c, err)
	}
	resp := AssetResponse{
		Asset:    asset,
		Holder:   holder,
		InEscrow: keys.IsEscrow(holder),
		Listing:  keys.ListingKey(asset),
	}
	if owner, ok := keys.WalletOwner(holder); ok {
		resp.Owner = owner
	}
	return c.JSON(resp)
}

// AdminOnly rejects requests without the current admin token.
func AdminOnly(tokens TokenSource, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		want, err := tokens(c.UserContext())
		if err != nil {
			logger.Error("api.admin.token_unavailable", zap.Error(err))
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "admin token unavailable"})
		}
		if want == "" {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "admin routes disabled"})
		}
		got := c.Get(AdminTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid admin token"})
		}
		return c.Next()
	}
}
