package types

import (
	"time"
)

type OperationType string

const (
	OperationCreate OperationType = "create"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
)

func (t OperationType) Valid() bool {
	switch t {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

type BatchOperation[T any] struct {
	Type      OperationType
	Data      *T
	ID        string
	Timestamp time.Time
}

// PendingOperation is the persisted form of a batch operation waiting for connectivity.
type PendingOperation struct {
	ID        string        `json:"id"`
	Key       string        `json:"key"`
	Service   string        `json:"service"`
	Type      OperationType `json:"type"`
	EntityID  string        `json:"entity_id"`
	Data      string        `json:"data"`
	Timestamp int64         `json:"timestamp"`
	Sequence  uint64        `json:"sequence"`
}

type Update[T any] struct {
	ID   string `json:"id"`
	Data T      `json:"data"`
}
