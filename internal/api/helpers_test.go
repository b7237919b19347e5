package api

import (
	"net/http"
	"net/http/httptest"

	"go.uber.org/zap"
)

func httptestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

func nopLogger() *zap.Logger { return zap.NewNop() }
