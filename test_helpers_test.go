package stoat

// test_helpers_test.go contains shared test doubles and utilities for stoat package tests.

import (
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// Shared Test Logger
// =============================================================================

// testLogger is a shared test implementation of Logger.
type testLogger struct {
	mu        sync.Mutex
	debugLogs []string
	infoLogs  []string
	warnLogs  []string
	errorLogs []string
}

func newTestLogger() *testLogger {
	return &testLogger{}
}

func (l *testLogger) Debug(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debugLogs = append(l.debugLogs, msg)
}

func (l *testLogger) Info(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infoLogs = append(l.infoLogs, msg)
}

func (l *testLogger) Warn(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warnLogs = append(l.warnLogs, msg)
}

func (l *testLogger) Error(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errorLogs = append(l.errorLogs, msg)
}

func (l *testLogger) infos() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.infoLogs...)
}

func (l *testLogger) warnings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warnLogs...)
}

func (l *testLogger) errors() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errorLogs...)
}

// =============================================================================
// Test Aggregate
// =============================================================================

// testAccount is a snapshot-capable aggregate used across package tests.
type testAccount struct {
	AggregateBase
	owner    string
	balance  float64
	openedAt time.Time
	frozen   bool
	tags     []string
}

func newTestAccount(id string) *testAccount {
	return &testAccount{AggregateBase: NewAggregateBase(id, "Account")}
}

func (a *testAccount) Open(owner string, at time.Time) {
	a.Raise("AccountOpened", map[string]interface{}{"owner": owner, "opened_at": at.Format(time.RFC3339Nano)})
}

func (a *testAccount) Deposit(amount float64) {
	a.Raise("Deposited", map[string]interface{}{"amount": amount})
}

func (a *testAccount) SnapshotState() (State, error) {
	return State{
		"owner":     a.owner,
		"balance":   a.balance,
		"opened_at": a.openedAt,
		"frozen":    a.frozen,
		"tags":      append([]string(nil), a.tags...),
	}, nil
}

func (a *testAccount) RestoreState(s State) error {
	var err error
	if a.owner, err = s.String("owner"); err != nil {
		return err
	}
	if a.balance, err = s.Float64("balance"); err != nil {
		return err
	}
	if a.openedAt, err = s.Time("opened_at"); err != nil {
		return err
	}
	if a.frozen, err = s.Bool("frozen"); err != nil {
		return err
	}
	a.tags, err = s.Strings("tags")
	return err
}

// plainAggregate has no StateCodec and cannot be snapshotted.
type plainAggregate struct {
	AggregateBase
	count int
}

func newTestRegistry() *AggregateRegistry {
	r := NewAggregateRegistry()
	RegisterAggregate(r, "Account", newTestAccount).
		On("AccountOpened", func(a *testAccount, e DomainEvent) error {
			p := State(e.Payload)
			var err error
			if a.owner, err = p.String("owner"); err != nil {
				return err
			}
			a.openedAt, err = p.Time("opened_at")
			return err
		}).
		On("Deposited", func(a *testAccount, e DomainEvent) error {
			amount, err := State(e.Payload).Float64("amount")
			if err != nil {
				return err
			}
			if amount < 0 {
				return fmt.Errorf("negative deposit %v", amount)
			}
			a.balance += amount
			return nil
		}).
		On("Frozen", func(a *testAccount, e DomainEvent) error {
			a.frozen = true
			return nil
		}).
		On("Tagged", func(a *testAccount, e DomainEvent) error {
			tag, err := State(e.Payload).String("tag")
			a.tags = append(a.tags, tag)
			return err
		})
	RegisterAggregate(r, "Counter", func(id string) *plainAggregate {
		return &plainAggregate{AggregateBase: NewAggregateBase(id, "Counter")}
	}).
		On("Incremented", func(c *plainAggregate, e DomainEvent) error {
			c.count++
			return nil
		}).
		IgnoreUnknownEvents()
	return r
}

// deposits builds unversioned Deposited events for an account.
func deposits(amounts ...float64) []DomainEvent {
	events := make([]DomainEvent, len(amounts))
	for i, amount := range amounts {
		events[i] = DomainEvent{
			EventType: "Deposited",
			Payload:   map[string]interface{}{"amount": amount},
		}
	}
	return events
}

// =============================================================================
// Test Commands
// =============================================================================

type openAccount struct {
	CommandBase
	AccountID string
	Owner     string
}

func (c openAccount) CommandType() string { return "OpenAccount" }
func (c openAccount) AggregateID() string { return c.AccountID }
func (c openAccount) Validate() error {
	if c.Owner == "" {
		return NewValidationError("OpenAccount", "Owner", "required")
	}
	return nil
}

type depositFunds struct {
	CommandBase
	AccountID string
	Amount    float64
}

func (c depositFunds) CommandType() string { return "DepositFunds" }
func (c depositFunds) AggregateID() string { return c.AccountID }
func (c depositFunds) Validate() error {
	v := NewMultiValidationError("DepositFunds")
	if c.AccountID == "" {
		v.AddField("AccountID", "required")
	}
	if c.Amount <= 0 {
		v.AddField("Amount", "must be positive")
	}
	return v.ErrOrNil()
}
