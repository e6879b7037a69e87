package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errTestError = errors.New("test error")

func TestCircuitBreaker_ClosedState_Success(t *testing.T) {
	cfg := DefaultConfig()
	cb := New(cfg)

	ctx := context.Background()
	err := cb.Execute(ctx, func() error {
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Expected state Closed, got: %v", cb.GetState())
	}
}

func TestCircuitBreaker_ClosedState_Failure(t *testing.T) {
	cfg := DefaultConfig()
	cb := New(cfg)

	ctx := context.Background()
	err := cb.Execute(ctx, func() error {
		return errTestError
	})

	if err == nil {
		t.Error("Expected error, got nil")
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Expected state Closed, got: %v", cb.GetState())
	}

	stats := cb.GetStats()
	if stats.FailureCount != 1 {
		t.Errorf("Expected failure count 1, got: %d", stats.FailureCount)
	}
}

func TestCircuitBreaker_OpenState_RejectsRequests(t *testing.T) {
	cfg := Config{
		FailureThreshold:    2,
		SuccessThreshold:    2,
		Timeout:             100 * time.Millisecond,
		MaxRequestsHalfOpen: 3,
	}
	cb := New(cfg)

	ctx := context.Background()

	// Cause failures to open circuit
	for i := 0; i < 2; i++ {
		_ = cb.Execute(ctx, func() error {
			return errTestError
		})
	}

	// Circuit should be open now
	if cb.GetState() != StateOpen {
		t.Errorf("Expected state Open, got: %v", cb.GetState())
	}

	// Requests should be rejected with ErrOpen
	err := cb.Execute(ctx, func() error {
		return nil
	})

	if err == nil {
		t.Error("Expected error (circuit open), got nil")
	}
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Expected ErrOpen, got: %v", err)
	}
}

func TestCircuitBreaker_HalfOpenState_TransitionToClosed(t *testing.T) {
	cfg := Config{
		FailureThreshold:    2,
		SuccessThreshold:    2,
		Timeout:             50 * time.Millisecond,
		MaxRequestsHalfOpen: 3,
	}
	cb := New(cfg)

	ctx := context.Background()

	// Open the circuit
	for i := 0; i < 2; i++ {
		_ = cb.Execute(ctx, func() error {
			return errTestError
		})
	}

	if cb.GetState() != StateOpen {
		t.Fatalf("Expected state Open, got: %v", cb.GetState())
	}

	// Wait for timeout to transition to half-open
	time.Sleep(60 * time.Millisecond)

	// First request should transition to half-open
	err := cb.Execute(ctx, func() error {
		return nil
	})
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	// Second success should close the circuit
	err = cb.Execute(ctx, func() error {
		return nil
	})
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if cb.GetState() != StateClosed {
		t.Errorf("Expected state Closed, got: %v", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenState_FailureReopens(t *testing.T) {
	cfg := Config{
		FailureThreshold:    2,
		SuccessThreshold:    2,
		Timeout:             50 * time.Millisecond,
		MaxRequestsHalfOpen: 3,
	}
	cb := New(cfg)

	ctx := context.Background()

	// Open the circuit
	for i := 0; i < 2; i++ {
		_ = cb.Execute(ctx, func() error {
			return errTestError
		})
	}

	// Wait for timeout
	time.Sleep(60 * time.Millisecond)

	// Failure in half-open should reopen circuit
	err := cb.Execute(ctx, func() error {
		return errTestError
	})

	if err == nil {
		t.Error("Expected error, got nil")
	}
	if cb.GetState() != StateOpen {
		t.Errorf("Expected state Open, got: %v", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenState_MaxRequestsLimit(t *testing.T) {
	cfg := Config{
		FailureThreshold:    2,
		SuccessThreshold:    3,
		Timeout:             50 * time.Millisecond,
		MaxRequestsHalfOpen: 2,
	}
	cb := New(cfg)

	ctx := context.Background()

	// Open the circuit
	for i := 0; i < 2; i++ {
		_ = cb.Execute(ctx, func() error {
			return errTestError
		})
	}

	// Wait for timeout
	time.Sleep(60 * time.Millisecond)

	// First two requests should be allowed (they increment halfOpenRequests in allowRequest)
	for i := 0; i < 2; i++ {
		err := cb.Execute(ctx, func() error {
			return nil
		})
		if err != nil {
			t.Errorf("Request %d should be allowed, got error: %v", i+1, err)
		}
	}

	// Success threshold not met, so the circuit is still half-open and full
	err := cb.Execute(ctx, func() error {
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Expected ErrOpen (max requests reached in half-open), got: %v", err)
	}
}

func TestCircuitBreaker_Do_Success(t *testing.T) {
	cfg := DefaultConfig()
	cb := New(cfg)

	ctx := context.Background()
	result, err := Do(ctx, cb, func() (string, error) {
		return "success", nil
	})

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if result != "success" {
		t.Errorf("Expected 'success', got: %v", result)
	}
}

func TestCircuitBreaker_Do_Failure(t *testing.T) {
	cfg := DefaultConfig()
	cb := New(cfg)

	ctx := context.Background()
	result, err := Do(ctx, cb, func() ([]int, error) {
		return nil, errTestError
	})

	if err == nil {
		t.Error("Expected error, got nil")
	}
	if result != nil {
		t.Errorf("Expected nil result, got: %v", result)
	}
}

func TestCircuitBreaker_Do_OpenState(t *testing.T) {
	cfg := Config{
		FailureThreshold:    2,
		SuccessThreshold:    2,
		Timeout:             100 * time.Millisecond,
		MaxRequestsHalfOpen: 3,
	}
	cb := New(cfg)

	ctx := context.Background()

	// Open the circuit
	for i := 0; i < 2; i++ {
		_, _ = Do(ctx, cb, func() (string, error) {
			return "", errTestError
		})
	}

	// Request should be rejected without executing the function
	executed := false
	result, err := Do(ctx, cb, func() (string, error) {
		executed = true
		return "test", nil
	})

	if !errors.Is(err, ErrOpen) {
		t.Errorf("Expected ErrOpen, got: %v", err)
	}
	if executed {
		t.Error("Function should not execute while circuit is open")
	}
	if result != "" {
		t.Errorf("Expected zero result, got: %v", result)
	}
}

func TestCircuitBreaker_OnStateChange_Callback(t *testing.T) {
	cfg := Config{
		FailureThreshold:    2,
		SuccessThreshold:    2,
		Timeout:             50 * time.Millisecond,
		MaxRequestsHalfOpen: 3,
	}
	cb := New(cfg)

	var stateChanges []StateChange
	var mu sync.Mutex
	cb.OnStateChange(func(from, to State) {
		mu.Lock()
		defer mu.Unlock()
		stateChanges = append(stateChanges, StateChange{From: from, To: to})
	})

	ctx := context.Background()

	// Open the circuit
	for i := 0; i < 2; i++ {
		_ = cb.Execute(ctx, func() error {
			return errTestError
		})
	}

	// Wait for timeout
	time.Sleep(60 * time.Millisecond)

	// Transition to half-open and then closed
	for i := 0; i < 2; i++ {
		_ = cb.Execute(ctx, func() error {
			return nil
		})
		// Small delay to allow state transitions
		time.Sleep(10 * time.Millisecond)
	}

	// Wait a bit more for async callbacks
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	// Should have at least: Closed -> Open -> HalfOpen -> Closed
	if len(stateChanges) < 2 {
		t.Errorf("Expected at least 2 state changes, got: %d", len(stateChanges))
		for i, change := range stateChanges {
			t.Logf("State change %d: %v -> %v", i, change.From, change.To)
		}
	}

	foundOpen := false
	for _, change := range stateChanges {
		if change.To == StateOpen {
			foundOpen = true
		}
	}

	if !foundOpen {
		t.Error("Expected state change to Open")
	}
}

type StateChange struct {
	From State
	To   State
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cfg := Config{
		FailureThreshold:    2,
		SuccessThreshold:    2,
		Timeout:             100 * time.Millisecond,
		MaxRequestsHalfOpen: 3,
	}
	cb := New(cfg)

	ctx := context.Background()

	// Open the circuit
	for i := 0; i < 2; i++ {
		_ = cb.Execute(ctx, func() error {
			return errTestError
		})
	}

	if cb.GetState() != StateOpen {
		t.Fatalf("Expected state Open, got: %v", cb.GetState())
	}

	// Reset should close the circuit
	cb.Reset()

	if cb.GetState() != StateClosed {
		t.Errorf("Expected state Closed after reset, got: %v", cb.GetState())
	}

	stats := cb.GetStats()
	if stats.FailureCount != 0 {
		t.Errorf("Expected failure count 0 after reset, got: %d", stats.FailureCount)
	}
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cfg := DefaultConfig()
	cb := New(cfg)

	ctx := context.Background()
	var wg sync.WaitGroup
	numGoroutines := 10
	operationsPerGoroutine := 10

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < operationsPerGoroutine; j++ {
				_ = cb.Execute(ctx, func() error {
					return nil
				})
			}
		}()
	}

	wg.Wait()

	// Circuit should still be closed
	if cb.GetState() != StateClosed {
		t.Errorf("Expected state Closed after concurrent access, got: %v", cb.GetState())
	}

	stats := cb.GetStats()
	expectedOperations := numGoroutines * operationsPerGoroutine
	if stats.SuccessCount != expectedOperations {
		t.Errorf("Expected %d successful operations, got: %d", expectedOperations, stats.SuccessCount)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.FailureThreshold != 5 {
		t.Errorf("Expected FailureThreshold 5, got: %d", cfg.FailureThreshold)
	}
	if cfg.SuccessThreshold != 2 {
		t.Errorf("Expected SuccessThreshold 2, got: %d", cfg.SuccessThreshold)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Expected Timeout 30s, got: %v", cfg.Timeout)
	}
	if cfg.MaxRequestsHalfOpen != 3 {
		t.Errorf("Expected MaxRequestsHalfOpen 3, got: %d", cfg.MaxRequestsHalfOpen)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		if tt.state.String() != tt.expected {
			t.Errorf("Expected %s, got: %s", tt.expected, tt.state.String())
		}
	}
}
