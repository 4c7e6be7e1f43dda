package main

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// RegisteredOperation is one unit of in-flight work bound to an account.
type RegisteredOperation struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"account_id"`
	Type           string    `json:"type"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	SessionRef     string    `json:"session_ref,omitempty"`
}

// OperationSummary aggregates in-flight work for scoring and reporting.
type OperationSummary struct {
	TotalRunning int            `json:"total_running"`
	ByAccount    map[string]int `json:"by_account"`
	ByType       map[string]int `json:"by_type"`
}

// OperationRegistry tracks in-flight work. The selector reads it as a load
// penalty; the swap coordinator rebinds operations through it.
type OperationRegistry interface {
	GetSummary() OperationSummary
	RestartOperationsOnAccount(oldID, newID, newName string) int
}

// memOperationRegistry is the in-process implementation. A host embedding
// this daemon can supply its own.
type memOperationRegistry struct {
	mu      sync.Mutex
	ops     map[string]*RegisteredOperation
	nowFunc func() time.Time
}

func newOperationRegistry() *memOperationRegistry {
	return &memOperationRegistry{
		ops:     map[string]*RegisteredOperation{},
		nowFunc: time.Now,
	}
}

// Register adds an operation bound to accountID and returns it.
func (r *memOperationRegistry) Register(accountID, opType, sessionRef string) *RegisteredOperation {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.nowFunc()
	op := &RegisteredOperation{
		ID:             uuid.NewString(),
		AccountID:      accountID,
		Type:           opType,
		StartedAt:      now,
		LastActivityAt: now,
		SessionRef:     sessionRef,
	}
	r.ops[op.ID] = op
	return op
}

// Touch refreshes the activity timestamp for a running operation.
func (r *memOperationRegistry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if op, ok := r.ops[id]; ok {
		op.LastActivityAt = r.nowFunc()
	}
}

// Complete removes a finished operation.
func (r *memOperationRegistry) Complete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ops, id)
}

func (r *memOperationRegistry) GetSummary() OperationSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	sum := OperationSummary{
		ByAccount: map[string]int{},
		ByType:    map[string]int{},
	}
	for _, op := range r.ops {
		sum.TotalRunning++
		sum.ByAccount[op.AccountID]++
		sum.ByType[op.Type]++
	}
	return sum
}

// RestartOperationsOnAccount rebinds every operation on oldID to newID and
// returns how many were moved. The actual process restart is the host's job;
// rebinding here keeps scoring consistent immediately after a swap.
func (r *memOperationRegistry) RestartOperationsOnAccount(oldID, newID, newName string) int {
	_ = newName
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	now := r.nowFunc()
	for _, op := range r.ops {
		if op.AccountID != oldID {
			continue
		}
		op.AccountID = newID
		op.LastActivityAt = now
		count++
	}
	return count
}
