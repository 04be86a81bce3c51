package wallet

import (
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AvaProtocol/ap-wallet/core/txdispatch"
	"github.com/AvaProtocol/ap-wallet/core/txengine"
	"github.com/AvaProtocol/ap-wallet/core/useropengine"
	"github.com/AvaProtocol/ap-wallet/model"
	"github.com/AvaProtocol/ap-wallet/version"
)

type HttpJsonResp[T any] struct {
	Data T `json:"data"`
}

type requestValidator struct {
	validate *validator.Validate
}

func (v *requestValidator) Validate(i any) error {
	if err := v.validate.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// SubmitTransactionReq is the body of POST /transactions
type SubmitTransactionReq struct {
	ChainID         uint64                `json:"chain_id" validate:"required"`
	Params          model.TxParams        `json:"params"`
	Wait            bool                  `json:"wait"`
	Origin          string                `json:"origin"`
	RequireApproval *bool                 `json:"require_approval"`
	Type            model.TransactionType `json:"type"`
	SwapMetadata    map[string]any        `json:"swap_metadata"`
}

func (w *Wallet) newHttpServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &requestValidator{validate: validator.New()}

	e.Use(middleware.Logger())
	// Register Sentry before Recover so panics are reported
	if w.sentryEnabled() {
		e.Use(sentryecho.New(sentryecho.Options{Repanic: true}))
	}
	e.Use(middleware.Recover())

	e.GET("/up", func(c echo.Context) error {
		if w.Status() == runningStatus {
			return c.String(http.StatusOK, "up")
		}
		return c.String(http.StatusServiceUnavailable, "pending...")
	})

	e.GET("/version", func(c echo.Context) error {
		return c.JSON(http.StatusOK, &HttpJsonResp[map[string]string]{
			Data: map[string]string{"version": version.Get(), "revision": version.Commit()},
		})
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(w.registry, promhttp.HandlerOpts{})))

	e.POST("/rpc", w.handleRpc)

	e.GET("/accounts", func(c echo.Context) error {
		return c.JSON(http.StatusOK, &HttpJsonResp[[]model.Account]{Data: w.keys.Accounts()})
	})

	e.GET("/transactions", func(c echo.Context) error {
		return c.JSON(http.StatusOK, &HttpJsonResp[[]*model.TransactionRecord]{Data: w.txs.Transactions()})
	})

	e.GET("/transactions/:id", func(c echo.Context) error {
		record := w.dispatcher.RecordByID(c.Param("id"))
		if record == nil {
			return echo.NewHTTPError(http.StatusNotFound, "transaction not found")
		}
		return c.JSON(http.StatusOK, &HttpJsonResp[*model.TransactionRecord]{Data: record})
	})

	// POST /transactions acts for the wallet itself and can skip approval, keep
	// http_bind_address on loopback. Dapps go through /rpc.
	e.POST("/transactions", w.handleSubmitTransaction)

	return e
}

func (w *Wallet) handleSubmitTransaction(c echo.Context) error {
	var req SubmitTransactionReq
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	account, ok := w.keys.Account(common.HexToAddress(req.Params.From))
	if !common.IsHexAddress(req.Params.From) || !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown from account")
	}

	// a browser always sends Origin, such a request is never the wallet itself
	origin := req.Origin
	if origin == "" {
		origin = c.Request().Header.Get(echo.HeaderOrigin)
	}
	requireApproval := req.RequireApproval
	if origin != "" {
		required := true
		requireApproval = &required
	}

	submission := txdispatch.NewWalletRequest(req.ChainID, account, &req.Params, txdispatch.Options{
		Origin:          origin,
		RequireApproval: requireApproval,
		SwapMetadata:    req.SwapMetadata,
		Type:            req.Type,
	})
	record, err := w.dispatcher.AddTransaction(c.Request().Context(), submission, txdispatch.WaitOptions{WaitForSubmission: req.Wait})
	if err != nil {
		return submissionError(err)
	}

	return c.JSON(http.StatusOK, &HttpJsonResp[*model.TransactionRecord]{Data: record})
}

func submissionError(err error) error {
	switch {
	case errors.Is(err, txengine.ErrInvalidParams), errors.Is(err, txdispatch.ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, txengine.ErrUnknownNetwork), errors.Is(err, useropengine.ErrUnknownNetwork):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, txengine.ErrUserRejected):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, InternalError).SetInternal(err)
}
