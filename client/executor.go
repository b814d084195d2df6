package client

import (
	"context"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-datasync/types"
)

// HTTPExecutor sends batches to {base}/{resource}/batch: POST creates, PUT
// updates and DELETE removes by id.
type HTTPExecutor[T any] struct {
	client   *Client
	resource string
}

type deleteRequest struct {
	IDs []string `json:"ids"`
}

func NewHTTPExecutor[T any](client *Client, resource string) (*HTTPExecutor[T], error) {
	if client == nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "client is nil")
	}
	if resource == "" {
		resource = client.Name()
	}

	return &HTTPExecutor[T]{
		client:   client,
		resource: resource,
	}, nil
}

func (e *HTTPExecutor[T]) CreateMany(ctx context.Context, items []T) ([]T, error) {
	var created []T
	if err := e.client.Call(ctx, fasthttp.MethodPost, e.batchPath(), items, &created); err != nil {
		return nil, err
	}
	return created, nil
}

func (e *HTTPExecutor[T]) UpdateMany(ctx context.Context, updates []types.Update[T]) ([]T, error) {
	var updated []T
	if err := e.client.Call(ctx, fasthttp.MethodPut, e.batchPath(), updates, &updated); err != nil {
		return nil, err
	}
	return updated, nil
}

func (e *HTTPExecutor[T]) DeleteMany(ctx context.Context, ids []string) error {
	return e.client.Call(ctx, fasthttp.MethodDelete, e.batchPath(), deleteRequest{IDs: ids}, nil)
}

func (e *HTTPExecutor[T]) batchPath() string {
	return "/" + e.resource + "/batch"
}
