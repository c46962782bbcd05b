package adapters

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/openwatt/datamesh/pkg/models"
)

// FetchFunc is the signature of a bare fetch implementation
type FetchFunc func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// FuncAdapter wraps a plain function as a SourceAdapter. Used by tests and
// by thin ingestion clients that have no state of their own.
type FuncAdapter struct {
	cfg models.SourceConfig
	fn  FetchFunc
}

// NewFuncAdapter creates an adapter from a config and a fetch function
func NewFuncAdapter(cfg models.SourceConfig, fn FetchFunc) *FuncAdapter {
	return &FuncAdapter{cfg: cfg, fn: fn}
}

// Config implements SourceAdapter.Config
func (a *FuncAdapter) Config() models.SourceConfig {
	return a.cfg
}

// Fetch implements SourceAdapter.Fetch
func (a *FuncAdapter) Fetch(ctx context.Context, params map[string]interface{}) (*models.SourceResponse, error) {
	data, err := a.fn(ctx, params)
	resp := &models.SourceResponse{
		Source:    a.cfg.ID,
		Timestamp: time.Now().UTC(),
		RequestID: uuid.NewString(),
	}
	if err != nil {
		resp.Success = false
		resp.Error = err.Error()
		return resp, err
	}
	resp.Success = true
	resp.Data = data
	return resp, nil
}
